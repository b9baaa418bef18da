// Package fakeremote 提供内存实现的 channel.Provider，用于会话层与传输层测试。
// 远程文件保存在内存中，可以注入认证失败、拨号失败、子通道额度与传输中途故障
package fakeremote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/errs"
)

// Provider 是内存中的远程主机集合，所有连接共享同一份文件系统
type Provider struct {
	mu          sync.Mutex
	files       map[string][]byte
	perms       map[string]bool // 为 true 的路径拒绝访问
	connectErr  error
	maxChannels int
	streams     []*Stream
	faults      []*Fault
	opened      int // 累计打开的文件通道数
	gate        chan struct{}
	dialGate    chan struct{}
}

// New 创建空的远程主机
func New() *Provider {
	return &Provider{
		files: make(map[string][]byte),
		perms: make(map[string]bool),
	}
}

// Fault 描述一次注入的传输故障：累计传输 After 字节后返回 Err，之后自动失效
type Fault struct {
	Path  string
	After int64
	Err   error
	fired bool
}

// PutFile 写入远程文件
func (p *Provider) PutFile(name string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[name] = bytes.Clone(data)
}

// File 读取远程文件
func (p *Provider) File(name string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.files[name]
	return bytes.Clone(data), ok
}

// Deny 使路径上的读写返回 PermissionDenied
func (p *Provider) Deny(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perms[name] = true
}

// FailConnect 使后续 OpenStream 返回 err，nil 表示恢复
func (p *Provider) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// HoldConnect 使每次 OpenStream 在拨号前等待一个令牌，用于观察 Connecting 状态
func (p *Provider) HoldConnect() chan<- struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialGate = make(chan struct{})
	return p.dialGate
}

// LimitChannels 限制单条连接同时打开的子通道数，0 表示不限制
func (p *Provider) LimitChannels(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxChannels = n
}

// Inject 注册一次性传输故障
func (p *Provider) Inject(f *Fault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = append(p.faults, f)
}

// Gate 使每次分块读写前都等待一个令牌，用于在测试中精确控制传输节奏。
// 返回的 channel 每发送一次放行一个分块
func (p *Provider) Gate() chan<- struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
	return p.gate
}

// OpenedFileChannels 返回累计打开过的文件通道数
func (p *Provider) OpenedFileChannels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

// Streams 返回所有建立过的连接
func (p *Provider) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Stream(nil), p.streams...)
}

func (p *Provider) OpenStream(ctx context.Context, ep channel.Endpoint, credentialRef string) (channel.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromNetwork("connect", err, errs.KindTimeout)
	}
	p.mu.Lock()
	dial := p.dialGate
	p.mu.Unlock()
	if dial != nil {
		select {
		case <-dial:
		case <-ctx.Done():
			return nil, errs.FromNetwork("connect", ctx.Err(), errs.KindTimeout)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	s := &Stream{
		provider: p,
		Endpoint: ep,
		Ref:      credentialRef,
		done:     make(chan struct{}),
	}
	p.streams = append(p.streams, s)
	return s, nil
}

// wait 在设置了 Gate 时等待放行，通道或连接关闭时立即返回错误
func (p *Provider) wait(f *Files, op string) error {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-f.done:
		return errs.New(errs.KindConnectionClosed, op, "file channel is closed")
	case <-f.stream.done:
		return errs.New(errs.KindConnectionClosed, op, "connection is closed")
	}
}

// fault 检查 name 在传输到 pos 字节时是否触发故障
func (p *Provider) fault(name string, pos int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.faults {
		if !f.fired && f.Path == name && pos >= f.After {
			f.fired = true
			return f.Err
		}
	}
	return nil
}

// Stream 是内存连接
type Stream struct {
	provider *Provider
	Endpoint channel.Endpoint
	Ref      string

	mu     sync.Mutex
	open   int
	shells []*Shell
	done   chan struct{}
	err    error
	closed bool
}

// Drop 模拟连接意外断开
func (s *Stream) Drop(cause error) {
	s.finish(errs.Wrap(errs.KindConnectionClosed, "stream", cause))
}

// Shells 返回在该连接上打开过的终端
func (s *Stream) Shells() []*Shell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Shell(nil), s.shells...)
}

// OpenChannels 返回当前打开的子通道数
func (s *Stream) OpenChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	shells := append([]*Shell(nil), s.shells...)
	close(s.done)
	s.mu.Unlock()
	for _, sh := range shells {
		sh.closeRemote()
	}
}

func (s *Stream) acquire(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New(errs.KindConnectionClosed, op, "connection is closed")
	}
	s.provider.mu.Lock()
	limit := s.provider.maxChannels
	s.provider.mu.Unlock()
	if limit > 0 && s.open >= limit {
		return errs.New(errs.KindChannelLimitExceeded, op, "%d channels already open", limit)
	}
	s.open++
	return nil
}

func (s *Stream) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open--
}

func (s *Stream) OpenShell(ctx context.Context, size channel.WindowSize) (channel.Shell, error) {
	if err := s.acquire("open shell"); err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	sh := &Shell{stream: s, out: pr, outW: pw, Size: size}
	s.mu.Lock()
	s.shells = append(s.shells, sh)
	s.mu.Unlock()
	return sh, nil
}

func (s *Stream) OpenFiles(ctx context.Context) (channel.Files, error) {
	if err := s.acquire("open files"); err != nil {
		return nil, err
	}
	s.provider.mu.Lock()
	s.provider.opened++
	s.provider.mu.Unlock()
	return &Files{stream: s, done: make(chan struct{})}, nil
}

func (s *Stream) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return nil, errs.New(errs.KindProtocol, "dial", "forwarding is not supported")
}

func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Close() error {
	s.finish(nil)
	return nil
}

func (s *Stream) alive(op string) error {
	select {
	case <-s.done:
		return errs.New(errs.KindConnectionClosed, op, "connection is closed")
	default:
		return nil
	}
}

// Shell 是内存终端：Emit 模拟远程输出，Input 返回收到的输入
type Shell struct {
	stream *Stream
	out    *io.PipeReader
	outW   *io.PipeWriter
	Size   channel.WindowSize

	mu     sync.Mutex
	input  bytes.Buffer
	closed bool
}

// Emit 模拟远程输出，阻塞直到数据被读取
func (sh *Shell) Emit(data []byte) error {
	_, err := sh.outW.Write(data)
	return err
}

// Input 返回目前为止写入终端的全部数据
func (sh *Shell) Input() string {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.input.String()
}

func (sh *Shell) Read(p []byte) (int, error) { return sh.out.Read(p) }

func (sh *Shell) Write(p []byte) (int, error) {
	if err := sh.stream.alive("shell write"); err != nil {
		return 0, err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.closed {
		return 0, io.ErrClosedPipe
	}
	return sh.input.Write(p)
}

func (sh *Shell) Resize(size channel.WindowSize) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.Size = size
	return nil
}

func (sh *Shell) Close() error {
	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		return nil
	}
	sh.closed = true
	sh.mu.Unlock()
	_ = sh.outW.Close()
	sh.stream.release()
	return nil
}

// closeRemote 连接断开时远程输出以 EOF 结束
func (sh *Shell) closeRemote() {
	_ = sh.outW.CloseWithError(io.EOF)
}

// Files 是内存文件通道
type Files struct {
	stream *Stream
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func (f *Files) check(op, name string) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return errs.New(errs.KindConnectionClosed, op, "file channel is closed")
	}
	if err := f.stream.alive(op); err != nil {
		return err
	}
	p := f.stream.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.perms[name] {
		return errs.Wrap(errs.KindPermissionDenied, op, fs.ErrPermission)
	}
	return nil
}

func (f *Files) Stat(name string) (fs.FileInfo, error) {
	if err := f.check("stat", name); err != nil {
		return nil, err
	}
	p := f.stream.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if data, ok := p.files[name]; ok {
		return fileInfo{name: path.Base(name), size: int64(len(data))}, nil
	}
	prefix := strings.TrimSuffix(name, "/") + "/"
	for k := range p.files {
		if strings.HasPrefix(k, prefix) {
			return fileInfo{name: path.Base(name), dir: true}, nil
		}
	}
	return nil, errs.Wrap(errs.KindPathNotFound, "stat", fs.ErrNotExist)
}

func (f *Files) ReadDir(name string) ([]fs.FileInfo, error) {
	if err := f.check("readdir", name); err != nil {
		return nil, err
	}
	p := f.stream.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := strings.TrimSuffix(name, "/") + "/"
	seen := map[string]fileInfo{}
	for k, v := range p.files {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		if dir, _, nested := strings.Cut(rest, "/"); nested {
			seen[dir] = fileInfo{name: dir, dir: true}
		} else {
			seen[rest] = fileInfo{name: rest, size: int64(len(v))}
		}
	}
	out := make([]fs.FileInfo, 0, len(seen))
	for _, fi := range seen {
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (f *Files) Getwd() (string, error) { return "/", nil }

func (f *Files) Mkdir(name string) error { return f.check("mkdir", name) }

func (f *Files) Remove(name string) error {
	if err := f.check("remove", name); err != nil {
		return err
	}
	p := f.stream.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.files[name]; !ok {
		return errs.Wrap(errs.KindPathNotFound, "remove", fs.ErrNotExist)
	}
	delete(p.files, name)
	return nil
}

func (f *Files) OpenReader(name string, offset int64) (io.ReadCloser, error) {
	if err := f.check("open", name); err != nil {
		return nil, err
	}
	p := f.stream.provider
	p.mu.Lock()
	_, ok := p.files[name]
	p.mu.Unlock()
	if !ok {
		return nil, errs.Wrap(errs.KindPathNotFound, "open", fs.ErrNotExist)
	}
	return &reader{files: f, name: name, pos: offset}, nil
}

func (f *Files) OpenWriter(name string, offset int64) (io.WriteCloser, error) {
	if err := f.check("open", name); err != nil {
		return nil, err
	}
	p := f.stream.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	data := p.files[name]
	if offset == 0 {
		data = nil
	}
	if int64(len(data)) < offset {
		return nil, errs.New(errs.KindUnknown, "seek", "offset %d beyond end of file (%d bytes)", offset, len(data))
	}
	p.files[name] = data[:offset]
	return &writer{files: f, name: name, pos: offset}, nil
}

func (f *Files) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.done)
	f.stream.release()
	return nil
}

type reader struct {
	files *Files
	name  string
	pos   int64
}

func (r *reader) Read(b []byte) (int, error) {
	if err := r.files.check("read", r.name); err != nil {
		return 0, err
	}
	p := r.files.stream.provider
	if err := p.wait(r.files, "read"); err != nil {
		return 0, err
	}
	if err := p.fault(r.name, r.pos); err != nil {
		return 0, err
	}
	p.mu.Lock()
	data := p.files[r.name]
	p.mu.Unlock()
	if r.pos >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(b, data[r.pos:])
	r.pos += int64(n)
	return n, nil
}

func (r *reader) Close() error { return nil }

type writer struct {
	files *Files
	name  string
	pos   int64
}

func (w *writer) Write(b []byte) (int, error) {
	if err := w.files.check("write", w.name); err != nil {
		return 0, err
	}
	p := w.files.stream.provider
	if err := p.wait(w.files, "write"); err != nil {
		return 0, err
	}
	if err := p.fault(w.name, w.pos); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	data := p.files[w.name]
	if int64(len(data)) != w.pos {
		return 0, fmt.Errorf("fakeremote: non-sequential write at %d (size %d)", w.pos, len(data))
	}
	p.files[w.name] = append(data, b...)
	w.pos += int64(len(b))
	return len(b), nil
}

func (w *writer) Close() error { return nil }

type fileInfo struct {
	name string
	size int64
	dir  bool
}

func (fi fileInfo) Name() string { return fi.name }
func (fi fileInfo) Size() int64  { return fi.size }
func (fi fileInfo) Mode() fs.FileMode {
	if fi.dir {
		return fs.ModeDir | 0755
	}
	return 0644
}
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return fi.dir }
func (fi fileInfo) Sys() any           { return nil }

// ErrReset 是常用的瞬时故障
var ErrReset = errs.Wrap(errs.KindConnectionClosed, "read", errors.New("connection reset by peer"))
