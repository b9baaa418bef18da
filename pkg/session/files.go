package session

import (
	"io"

	"github.com/wentf9/xops-remote/pkg/channel"
)

// fileChannel 记录连接上借出的文件通道，读写时刷新连接的 LastActivity
type fileChannel struct {
	channel.Files
	m *Manager
	c *conn
}

func (f *fileChannel) OpenReader(path string, offset int64) (io.ReadCloser, error) {
	r, err := f.Files.OpenReader(path, offset)
	if err != nil {
		return nil, err
	}
	f.m.touch(f.c)
	return &activityReader{ReadCloser: r, touch: func() { f.m.touch(f.c) }}, nil
}

func (f *fileChannel) OpenWriter(path string, offset int64) (io.WriteCloser, error) {
	w, err := f.Files.OpenWriter(path, offset)
	if err != nil {
		return nil, err
	}
	f.m.touch(f.c)
	return &activityWriter{WriteCloser: w, touch: func() { f.m.touch(f.c) }}, nil
}

// Close 归还通道。连接断开时通道已被关闭，这里只做登记清理
func (f *fileChannel) Close() error {
	f.c.mu.Lock()
	_, owned := f.c.files[f]
	delete(f.c.files, f)
	f.c.mu.Unlock()
	if !owned {
		return nil
	}
	return f.Files.Close()
}

type activityReader struct {
	io.ReadCloser
	touch func()
}

func (r *activityReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		r.touch()
	}
	return n, err
}

type activityWriter struct {
	io.WriteCloser
	touch func()
}

func (w *activityWriter) Write(p []byte) (int, error) {
	n, err := w.WriteCloser.Write(p)
	if n > 0 {
		w.touch()
	}
	return n, err
}
