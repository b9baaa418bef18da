// Package sftp 基于 github.com/pkg/sftp 实现 channel.Files
package sftp

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/pkg/sftp"
	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/errs"
	"golang.org/x/crypto/ssh"
)

// Files 包装了 sftp.Client，每个实例占用 SSH 连接上的一个子通道
type Files struct {
	client  *sftp.Client
	onClose func()
	once    sync.Once
}

var _ channel.Files = (*Files)(nil)

// NewFiles 在现有 SSH 连接上打开 SFTP 子系统，onClose 在 Close 时调用一次
func NewFiles(conn *ssh.Client, onClose func(), opts ...sftp.ClientOption) (*Files, error) {
	client, err := sftp.NewClient(conn, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sftp subsystem: %w", err)
	}
	return &Files{client: client, onClose: onClose}, nil
}

func (f *Files) Stat(path string) (fs.FileInfo, error) {
	info, err := f.client.Stat(path)
	return info, classify("stat", err)
}

func (f *Files) ReadDir(path string) ([]fs.FileInfo, error) {
	entries, err := f.client.ReadDir(path)
	return entries, classify("readdir", err)
}

func (f *Files) Getwd() (string, error) {
	wd, err := f.client.Getwd()
	return wd, classify("getwd", err)
}

func (f *Files) Mkdir(path string) error {
	return classify("mkdir", f.client.MkdirAll(path))
}

func (f *Files) Remove(path string) error {
	err := f.client.Remove(path)
	if err != nil {
		// 尝试作为目录删除
		if err2 := f.client.RemoveDirectory(path); err2 == nil {
			return nil
		}
	}
	return classify("remove", err)
}

// OpenReader 打开远程文件并定位到 offset
func (f *Files) OpenReader(path string, offset int64) (io.ReadCloser, error) {
	file, err := f.client.Open(path)
	if err != nil {
		return nil, classify("open", err)
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, classify("seek", err)
	}
	return &remoteFile{File: file}, nil
}

// OpenWriter 打开 (必要时创建) 远程文件并定位到 offset，offset 为 0 时截断
func (f *Files) OpenWriter(path string, offset int64) (io.WriteCloser, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	file, err := f.client.OpenFile(path, flags)
	if err != nil {
		return nil, classify("open", err)
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, classify("seek", err)
	}
	return &remoteFile{File: file}, nil
}

// Close 关闭 SFTP 会话，不会关闭底层的 SSH 连接
func (f *Files) Close() error {
	var err error
	f.once.Do(func() {
		err = f.client.Close()
		if f.onClose != nil {
			f.onClose()
		}
	})
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// remoteFile 对读写错误做分类，读到文件末尾的 io.EOF 原样返回
type remoteFile struct {
	*sftp.File
}

func (r *remoteFile) Read(p []byte) (int, error) {
	n, err := r.File.Read(p)
	if err != nil && err != io.EOF {
		err = classify("read", err)
	}
	return n, err
}

func (r *remoteFile) Write(p []byte) (int, error) {
	n, err := r.File.Write(p)
	return n, classify("write", err)
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return errs.Wrap(errs.KindConnectionClosed, op, err)
	}
	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.FxCode() {
		case sftp.ErrSSHFxNoSuchFile:
			return errs.Wrap(errs.KindPathNotFound, op, err)
		case sftp.ErrSSHFxPermissionDenied:
			return errs.Wrap(errs.KindPermissionDenied, op, err)
		}
	}
	return errs.FromRemote(op, err)
}
