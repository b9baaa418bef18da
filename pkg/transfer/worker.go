package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/errs"
)

// errInterrupted 表示工作协程在分块边界响应了暂停、取消或断开请求
var errInterrupted = errors.New("transfer interrupted")

// work 执行一个 Active 任务直到完成、出错或被中断，结果交给 finish 处理
func (q *Queue) work(ctx context.Context, t *task, offset int64) {
	defer func() {
		if r := recover(); r != nil {
			q.finish(t, errs.New(errs.KindUnknown, "transfer", "worker panicked: %v", r))
			panic(r)
		}
	}()
	err := q.transfer(ctx, t, offset)
	if err != nil && ctx.Err() != nil {
		q.suspend(t)
	}
	q.finish(t, err)
}

func (q *Queue) transfer(ctx context.Context, t *task, offset int64) error {
	files, err := q.conns.OpenFileChannel(ctx, t.ConnID)
	if err != nil {
		return err
	}
	defer files.Close()
	// 引擎停止时关闭通道，解除阻塞中的读写
	stop := context.AfterFunc(ctx, func() { _ = files.Close() })
	defer stop()

	var (
		src   io.ReadCloser
		dst   io.WriteCloser
		total int64
	)
	switch t.Direction {
	case Download:
		src, dst, total, err = q.openDownload(files, t, offset)
	case Upload:
		src, dst, total, err = q.openUpload(files, t, offset)
	default:
		err = errs.New(errs.KindInvalidTask, "transfer", "unknown direction '%s'", t.Direction)
	}
	if err != nil {
		return err
	}
	defer src.Close()

	if err := q.copyChunks(ctx, t, src, dst, offset, total); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return q.classify(t, true, "close", err)
	}
	return nil
}

func (q *Queue) openDownload(files channel.Files, t *task, offset int64) (io.ReadCloser, io.WriteCloser, int64, error) {
	info, err := files.Stat(t.RemotePath)
	if err != nil {
		return nil, nil, 0, errs.FromRemote("stat", err)
	}
	if info.IsDir() {
		return nil, nil, 0, errs.New(errs.KindInvalidTask, "stat", "'%s' is a directory", t.RemotePath)
	}
	total := info.Size()
	q.tracker.SetTotal(t.ID, total)
	if offset > total {
		return nil, nil, 0, errs.New(errs.KindUnknown, "resume", "remote file shrank to %d bytes, offset is %d", total, offset)
	}

	if err := q.local.MkdirAll(filepath.Dir(t.LocalPath), 0755); err != nil {
		return nil, nil, 0, errs.FromLocal("mkdir", err)
	}
	flag := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flag |= os.O_TRUNC
	}
	dst, err := q.local.OpenFile(t.LocalPath, flag, 0644)
	if err != nil {
		return nil, nil, 0, errs.FromLocal("open", err)
	}
	if offset > 0 {
		if _, err := dst.Seek(offset, io.SeekStart); err != nil {
			_ = dst.Close()
			return nil, nil, 0, errs.FromLocal("seek", err)
		}
	}
	src, err := files.OpenReader(t.RemotePath, offset)
	if err != nil {
		_ = dst.Close()
		return nil, nil, 0, errs.FromRemote("open", err)
	}
	return src, dst, total, nil
}

func (q *Queue) openUpload(files channel.Files, t *task, offset int64) (io.ReadCloser, io.WriteCloser, int64, error) {
	info, err := q.local.Stat(t.LocalPath)
	if err != nil {
		return nil, nil, 0, errs.FromLocal("stat", err)
	}
	if info.IsDir() {
		return nil, nil, 0, errs.New(errs.KindInvalidTask, "stat", "'%s' is a directory", t.LocalPath)
	}
	total := info.Size()
	q.tracker.SetTotal(t.ID, total)
	if offset > total {
		return nil, nil, 0, errs.New(errs.KindUnknown, "resume", "local file shrank to %d bytes, offset is %d", total, offset)
	}

	src, err := q.local.Open(t.LocalPath)
	if err != nil {
		return nil, nil, 0, errs.FromLocal("open", err)
	}
	if offset > 0 {
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			_ = src.Close()
			return nil, nil, 0, errs.FromLocal("seek", err)
		}
	}
	dst, err := files.OpenWriter(t.RemotePath, offset)
	if err != nil {
		_ = src.Close()
		return nil, nil, 0, errs.FromRemote("open", err)
	}
	return src, dst, total, nil
}

// copyChunks 按块复制，每个分块开始前检查中断请求，分块写完后才计入进度
func (q *Queue) copyChunks(ctx context.Context, t *task, src io.Reader, dst io.Writer, pos, total int64) error {
	upload := t.Direction == Upload
	buf := make([]byte, q.chunkSize)
	for pos < total {
		if q.requested(t) != reqNone || ctx.Err() != nil {
			return errInterrupted
		}
		n := min(q.chunkSize, total-pos)
		read, err := io.ReadFull(src, buf[:n])
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return errs.New(errs.KindUnknown, "read", "source ended at %d bytes, expected %d", pos+int64(read), total)
			}
			return q.classify(t, !upload, "read", err)
		}
		if _, err := dst.Write(buf[:read]); err != nil {
			return q.classify(t, upload, "write", err)
		}
		pos += int64(read)
		q.tracker.Record(t.ID, int64(read))
	}
	return nil
}

// classify 按出错的一端分类，remote 为 true 表示远端通道
func (q *Queue) classify(t *task, remote bool, op string, err error) error {
	if remote {
		return errs.FromRemote(op, err)
	}
	return errs.FromLocal(op, fmt.Errorf("%s: %w", t.LocalPath, err))
}
