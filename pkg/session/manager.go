// Package session 管理远程连接的生命周期：建立与复用、交互式终端 I/O、
// 为传输层提供文件通道，以及意外断开的检测。
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/errs"
	"github.com/wentf9/xops-remote/pkg/events"
	"github.com/wentf9/xops-remote/pkg/logger"
	"github.com/wentf9/xops-remote/pkg/utils/concurrent"
	"golang.org/x/sync/singleflight"
)

const shellBufferSize = 32 * 1024

// Manager 独占所有连接，其他组件只持有连接 ID
type Manager struct {
	provider channel.Provider
	clock    clockwork.Clock
	logger   *slog.Logger
	bus      *events.Bus[Event]

	conns *concurrent.Map[string, *conn]
	sf    singleflight.Group

	hooksMu sync.Mutex
	hooks   []CloseHook
}

// ManagerOption 定义 Manager 的配置函数
type ManagerOption func(*Manager)

// WithClock 替换时钟，测试中使用 clockwork.FakeClock
func WithClock(c clockwork.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithLogger 指定日志输出
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager 创建连接管理器
func NewManager(provider channel.Provider, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider: provider,
		clock:    clockwork.NewRealClock(),
		logger:   logger.Component("session"),
		conns:    concurrent.NewMap[string, *conn](concurrent.HashString),
	}
	for _, o := range opts {
		o(m)
	}
	m.bus = events.NewBus[Event](m.logger)
	return m
}

type conn struct {
	mu   sync.Mutex
	id   string
	opts Options

	state        State
	connectedAt  time.Time
	lastActivity time.Time
	lastError    error

	stream  channel.Stream
	shell   channel.Shell
	files   map[*fileChannel]struct{}
	gen     uint64 // 每次建立或断开连接时递增，旧的读循环据此丢弃事件
	closing bool
	abort   context.CancelFunc // 连接建立过程中用于中止
	dialing chan struct{}      // 连接建立结束时关闭
}

// AddCloseHook 注册断开连接时的回调，传输队列借此取消连接上的活动任务
func (m *Manager) AddCloseHook(h CloseHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Connect 建立连接并返回连接 ID。
// 失败时连接进入 Error 状态并保留在管理器中，返回的 ID 可用于查询或重连
func (m *Manager) Connect(ctx context.Context, opts Options) (string, error) {
	if opts.ID == "" {
		if err := validate(opts); err != nil {
			return "", err
		}
		opts.ID = uuid.NewString()
		c := &conn{id: opts.ID, opts: opts, state: StateDisconnected, files: make(map[*fileChannel]struct{})}
		m.conns.Set(c.id, c)
		return c.id, m.establish(ctx, c)
	}

	// 同一 ID 的并发复用请求只拨号一次
	_, err, _ := m.sf.Do(opts.ID, func() (any, error) {
		c, ok := m.conns.Get(opts.ID)
		if !ok {
			if err := validate(opts); err != nil {
				return nil, err
			}
			c, _ = m.conns.SetIfAbsent(opts.ID, &conn{id: opts.ID, opts: opts, state: StateDisconnected, files: make(map[*fileChannel]struct{})})
		}
		c.mu.Lock()
		switch {
		case c.state == StateConnected:
			c.mu.Unlock()
			return nil, nil
		case c.state == StateConnecting && c.dialing != nil:
			// 首次不带 ID 的 Connect 仍在拨号，等待其结果而不是重复拨号
			dialing := c.dialing
			c.mu.Unlock()
			return nil, m.awaitDial(ctx, c, dialing)
		}
		merged := merge(c.opts, opts)
		if err := validate(merged); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.opts = merged
		c.mu.Unlock()
		return nil, m.establish(ctx, c)
	})
	return opts.ID, err
}

func validate(opts Options) error {
	switch {
	case opts.Host == "":
		return errs.New(errs.KindInvalidArgument, "connect", "host is required")
	case opts.Port <= 0 || opts.Port > 65535:
		return errs.New(errs.KindInvalidArgument, "connect", "port %d out of range", opts.Port)
	case opts.CredentialRef == "":
		return errs.New(errs.KindInvalidArgument, "connect", "credential reference is required")
	}
	return nil
}

// merge 用新参数中的非空字段覆盖已有参数
func merge(old, upd Options) Options {
	if upd.Host != "" {
		old.Host = upd.Host
	}
	if upd.Port != 0 {
		old.Port = upd.Port
	}
	if upd.CredentialRef != "" {
		old.CredentialRef = upd.CredentialRef
	}
	if upd.Via != "" {
		old.Via = upd.Via
	}
	if upd.Window != (channel.WindowSize{}) {
		old.Window = upd.Window
	}
	return old
}

// establish 在连接实体上执行一次 Connecting -> Connected/Error 的状态转换
func (m *Manager) establish(ctx context.Context, c *conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	m.setState(c, StateConnecting, nil)
	c.abort = cancel
	dialing := make(chan struct{})
	c.dialing = dialing
	opts := c.opts
	c.mu.Unlock()

	ep := channel.Endpoint{Host: opts.Host, Port: opts.Port}
	var err error
	if opts.Via != "" {
		ep.Via, err = m.viaStream(opts.Via)
	}
	var stream channel.Stream
	if err == nil {
		stream, err = m.provider.OpenStream(ctx, ep, opts.CredentialRef)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(dialing)
	c.abort = nil
	if c.dialing == dialing {
		c.dialing = nil
	}
	if err != nil {
		err = classifyConnect(err)
		if c.state != StateConnecting {
			// 建立过程中被 Disconnect 中止
			return err
		}
		m.setState(c, StateError, err)
		m.logger.Warn("connect failed", "conn", c.id, "addr", ep.Addr(), "credential", opts.CredentialRef, "error", err)
		return err
	}
	if c.state != StateConnecting {
		_ = stream.Close()
		return errs.New(errs.KindCancelled, "connect", "connection aborted")
	}
	c.stream = stream
	c.gen++
	c.lastActivity = m.clock.Now()
	m.setState(c, StateConnected, nil)
	m.logger.Info("connected", "conn", c.id, "addr", ep.Addr(), "credential", opts.CredentialRef)
	go m.watch(c, c.gen, stream)
	return nil
}

// awaitDial 等待进行中的连接建立结束，返回其结果
func (m *Manager) awaitDial(ctx context.Context, c *conn, dialing <-chan struct{}) error {
	select {
	case <-dialing:
	case <-ctx.Done():
		return errs.Wrap(errs.KindCancelled, "connect", ctx.Err())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state == StateConnected:
		return nil
	case c.lastError != nil:
		return c.lastError
	}
	return errs.New(errs.KindCancelled, "connect", "connection aborted")
}

func (m *Manager) viaStream(id string) (channel.Stream, error) {
	via, ok := m.conns.Get(id)
	if !ok {
		return nil, errs.New(errs.KindNotConnected, "connect", "jump connection '%s' not found", id)
	}
	via.mu.Lock()
	defer via.mu.Unlock()
	if via.state != StateConnected {
		return nil, errs.New(errs.KindNotConnected, "connect", "jump connection '%s' is %s", id, via.state)
	}
	return via.stream, nil
}

// classifyConnect 保证连接错误属于认证失败、超时、不可达、协议错误之一
func classifyConnect(err error) error {
	switch errs.KindOf(err) {
	case errs.KindAuthFailure, errs.KindTimeout, errs.KindNetworkUnreachable,
		errs.KindProtocol, errs.KindCancelled, errs.KindNotConnected, errs.KindInvalidArgument:
		return err
	case errs.KindConnectionClosed:
		return errs.Wrap(errs.KindNetworkUnreachable, "connect", err)
	}
	return errs.FromNetwork("connect", err, errs.KindProtocol)
}

// setState 必须在持有 c.mu 时调用
func (m *Manager) setState(c *conn, s State, err error) {
	prev := c.state
	now := m.clock.Now()
	c.state = s
	c.lastError = nil
	if s != StateConnected {
		c.connectedAt = time.Time{}
	}
	switch s {
	case StateConnected:
		c.connectedAt = now
	case StateError:
		c.lastError = err
	}
	if prev != s {
		m.logger.Debug("state changed", "conn", c.id, "from", prev, "to", s)
		m.bus.Publish(c.id, Event{Kind: EventState, ConnID: c.id, At: now, State: s, Prev: prev, Err: err})
	}
}

// watch 检测连接意外断开
func (m *Manager) watch(c *conn, gen uint64, stream channel.Stream) {
	<-stream.Done()
	c.mu.Lock()
	if c.gen != gen || c.closing || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	cause := stream.Err()
	if cause == nil {
		cause = errs.New(errs.KindConnectionClosed, "stream", "connection closed by remote")
	}
	shell, files := c.detach()
	now := m.clock.Now()
	m.bus.Publish(c.id, Event{Kind: EventError, ConnID: c.id, At: now, Err: cause})
	m.setState(c, StateDisconnected, nil)
	m.bus.Publish(c.id, Event{Kind: EventClose, ConnID: c.id, At: now})
	c.mu.Unlock()

	m.logger.Warn("connection lost", "conn", c.id, "error", cause)
	closeChannels(shell, files)
}

// detach 取出连接上的全部子通道并使读循环失效，必须在持有 c.mu 时调用
func (c *conn) detach() (channel.Shell, []*fileChannel) {
	c.gen++
	shell := c.shell
	c.shell = nil
	files := make([]*fileChannel, 0, len(c.files))
	for f := range c.files {
		files = append(files, f)
	}
	clear(c.files)
	c.stream = nil
	return shell, files
}

func closeChannels(shell channel.Shell, files []*fileChannel) {
	if shell != nil {
		_ = shell.Close()
	}
	for _, f := range files {
		_ = f.Files.Close()
	}
}

// Disconnect 主动断开连接。
// 依次关闭终端与文件通道、等待依附的传输任务结束，再进入 Disconnected。
// 对已断开或不存在的连接是空操作
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	c, ok := m.conns.Get(id)
	if !ok {
		return nil
	}
	c.mu.Lock()
	switch {
	case c.state == StateDisconnected || c.closing:
		c.mu.Unlock()
		return nil
	case c.state == StateConnecting:
		abort := c.abort
		m.setState(c, StateDisconnected, nil)
		c.mu.Unlock()
		if abort != nil {
			abort()
		}
		return nil
	case c.state == StateError:
		m.setState(c, StateDisconnected, nil)
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	stream := c.stream
	shell, files := c.detach()
	c.mu.Unlock()

	m.hooksMu.Lock()
	hooks := append([]CloseHook(nil), m.hooks...)
	m.hooksMu.Unlock()
	waits := make([]func(context.Context), 0, len(hooks))
	for _, h := range hooks {
		if w := h(id); w != nil {
			waits = append(waits, w)
		}
	}

	closeChannels(shell, files)
	if err := stream.Close(); err != nil {
		m.logger.Debug("close stream", "conn", id, "error", err)
	}
	for _, w := range waits {
		w(ctx)
	}

	c.mu.Lock()
	c.closing = false
	m.setState(c, StateDisconnected, nil)
	m.bus.Publish(c.id, Event{Kind: EventClose, ConnID: c.id, At: m.clock.Now()})
	c.mu.Unlock()
	m.logger.Info("disconnected", "conn", id)
	return ctx.Err()
}

// Forget 断开连接并将其从管理器中移除，之后该 ID 的操作返回 NotConnected
func (m *Manager) Forget(ctx context.Context, id string) error {
	err := m.Disconnect(ctx, id)
	m.conns.Remove(id)
	return err
}

// State 返回连接状态
func (m *Manager) State(id string) (State, bool) {
	c, ok := m.conns.Get(id)
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, true
}

// Connection 返回连接快照
func (m *Manager) Connection(id string) (Connection, bool) {
	c, ok := m.conns.Get(id)
	if !ok {
		return Connection{}, false
	}
	return c.snapshot(), true
}

// Connections 返回全部连接的快照
func (m *Manager) Connections() []Connection {
	out := make([]Connection, 0, m.conns.Count())
	m.conns.IterCb(func(_ string, c *conn) bool {
		out = append(out, c.snapshot())
		return true
	})
	return out
}

func (c *conn) snapshot() Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Connection{
		ID:            c.id,
		Host:          c.opts.Host,
		Port:          c.opts.Port,
		CredentialRef: c.opts.CredentialRef,
		Via:           c.opts.Via,
		State:         c.state,
		ConnectedAt:   c.connectedAt,
		LastActivity:  c.lastActivity,
		LastError:     c.lastError,
	}
}

// connected 返回处于 Connected 状态的连接，调用方持有 c.mu
func (m *Manager) connected(op, id string) (*conn, error) {
	c, ok := m.conns.Get(id)
	if !ok {
		return nil, errs.New(errs.KindNotConnected, op, "connection '%s' not found", id)
	}
	c.mu.Lock()
	if c.state != StateConnected || c.closing {
		state := c.state
		c.mu.Unlock()
		return nil, errs.New(errs.KindNotConnected, op, "connection '%s' is %s", id, state)
	}
	return c, nil
}

func (m *Manager) touch(c *conn) {
	c.mu.Lock()
	c.lastActivity = m.clock.Now()
	c.mu.Unlock()
}

// Shell 返回连接的交互式终端，首次调用时打开。每个连接最多一个终端
func (m *Manager) Shell(ctx context.Context, id string) (*Shell, error) {
	c, err := m.connected("shell", id)
	if err != nil {
		return nil, err
	}
	if c.shell != nil {
		sh := &Shell{m: m, c: c, ch: c.shell}
		c.mu.Unlock()
		return sh, nil
	}
	stream, gen, window := c.stream, c.gen, c.opts.Window
	c.mu.Unlock()

	ch, err := stream.OpenShell(ctx, window)
	if err != nil {
		return nil, errs.FromNetwork("open shell", err, errs.KindProtocol)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != StateConnected {
		_ = ch.Close()
		return nil, errs.New(errs.KindNotConnected, "shell", "connection '%s' is %s", id, c.state)
	}
	if c.shell != nil {
		// 并发打开时保留先到的终端
		_ = ch.Close()
		return &Shell{m: m, c: c, ch: c.shell}, nil
	}
	c.shell = ch
	c.lastActivity = m.clock.Now()
	go m.pump(c, gen, ch)
	return &Shell{m: m, c: c, ch: ch}, nil
}

// pump 将终端输出转为 data 事件
func (m *Manager) pump(c *conn, gen uint64, ch channel.Shell) {
	buf := make([]byte, shellBufferSize)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.mu.Lock()
			if c.gen != gen {
				c.mu.Unlock()
				return
			}
			now := m.clock.Now()
			c.lastActivity = now
			m.bus.Publish(c.id, Event{Kind: EventData, ConnID: c.id, At: now, Data: data})
			c.mu.Unlock()
		}
		if err == nil {
			continue
		}

		c.mu.Lock()
		if c.gen != gen || c.shell != ch {
			c.mu.Unlock()
			return
		}
		now := m.clock.Now()
		if !errors.Is(err, io.EOF) {
			m.bus.Publish(c.id, Event{Kind: EventError, ConnID: c.id, At: now, Err: errs.FromNetwork("shell read", err, errs.KindUnknown)})
		}
		c.shell = nil
		m.bus.Publish(c.id, Event{Kind: EventShellExit, ConnID: c.id, At: now})
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
}

// OpenFileChannel 为传输任务打开一个文件通道，调用方负责关闭
func (m *Manager) OpenFileChannel(ctx context.Context, id string) (channel.Files, error) {
	c, err := m.connected("open file channel", id)
	if err != nil {
		return nil, err
	}
	stream, gen := c.stream, c.gen
	c.mu.Unlock()

	files, err := stream.OpenFiles(ctx)
	if err != nil {
		return nil, errs.FromNetwork("open file channel", err, errs.KindProtocol)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != StateConnected || c.closing {
		_ = files.Close()
		return nil, errs.New(errs.KindNotConnected, "open file channel", "connection '%s' is %s", id, c.state)
	}
	fc := &fileChannel{Files: files, m: m, c: c}
	c.files[fc] = struct{}{}
	c.lastActivity = m.clock.Now()
	return fc, nil
}

// OnData 订阅终端输出
func (m *Manager) OnData(id string, fn func(data []byte)) events.Subscription {
	return m.bus.SubscribeKey(id, func(e Event) {
		if e.Kind == EventData {
			fn(e.Data)
		}
	})
}

// OnError 订阅连接上的错误
func (m *Manager) OnError(id string, fn func(err error)) events.Subscription {
	return m.bus.SubscribeKey(id, func(e Event) {
		if e.Kind == EventError {
			fn(e.Err)
		}
	})
}

// OnClose 订阅连接关闭，关闭之后该连接不会再有 data 与 error 事件
func (m *Manager) OnClose(id string, fn func()) events.Subscription {
	return m.bus.SubscribeKey(id, func(e Event) {
		if e.Kind == EventClose {
			fn()
		}
	})
}

// Subscribe 订阅所有连接的全部事件
func (m *Manager) Subscribe(fn func(Event)) events.Subscription {
	return m.bus.Subscribe(fn)
}

// OnState 订阅所有连接的状态变化
func (m *Manager) OnState(fn func(Event)) events.Subscription {
	return m.bus.Subscribe(func(e Event) {
		if e.Kind == EventState {
			fn(e)
		}
	})
}

// Flush 等待已发生的事件全部投递
func (m *Manager) Flush() {
	m.bus.Flush()
}

// Close 断开全部连接
func (m *Manager) Close(ctx context.Context) error {
	var errList []error
	for _, id := range m.conns.Keys() {
		if err := m.Disconnect(ctx, id); err != nil {
			errList = append(errList, err)
		}
	}
	m.bus.Flush()
	m.bus.Close()
	return errors.Join(errList...)
}

// OnShellExit 订阅终端退出，退出后再次调用 Shell 会打开新的终端
func (m *Manager) OnShellExit(id string, fn func()) events.Subscription {
	return m.bus.SubscribeKey(id, func(e Event) {
		if e.Kind == EventShellExit {
			fn()
		}
	})
}
