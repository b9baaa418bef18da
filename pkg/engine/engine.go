// Package engine 把连接管理、传输队列与进度跟踪组装成一个显式的引擎实例，
// 作为界面层 (命令行、REPL) 唯一的入口。
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/config"
	"github.com/wentf9/xops-remote/pkg/events"
	"github.com/wentf9/xops-remote/pkg/logger"
	"github.com/wentf9/xops-remote/pkg/session"
	"github.com/wentf9/xops-remote/pkg/ssh"
	"github.com/wentf9/xops-remote/pkg/transfer"
)

// Engine 持有一组连接与传输任务，所有状态都属于实例本身
type Engine struct {
	cfg      config.EngineConfig
	sessions *session.Manager
	queue    *transfer.Queue
	tracker  *transfer.Tracker
	bus      *events.Bus[transfer.Event]
	logger   *slog.Logger

	clock clockwork.Clock
	local billy.Filesystem

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Option 定义 Engine 的配置函数
type Option func(*Engine)

// WithClock 替换时钟，测试中使用 clockwork.FakeClock
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger 指定日志输出
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithLocalFS 替换本地文件系统，默认是以根目录为基准的 osfs
func WithLocalFS(fs billy.Filesystem) Option {
	return func(e *Engine) { e.local = fs }
}

// New 使用给定的通道提供者创建引擎，cfg 中未设置的字段取默认值
func New(provider channel.Provider, cfg config.EngineConfig, opts ...Option) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: logger.Component("engine"),
	}
	for _, o := range opts {
		o(e)
	}
	if e.local == nil {
		e.local = osfs.New("/")
	}

	e.sessions = session.NewManager(provider,
		session.WithClock(e.clock),
		session.WithLogger(e.logger))
	e.bus = events.NewBus[transfer.Event](e.logger)
	e.tracker = transfer.NewTracker(cfg.Progress, e.clock, e.bus)
	queue, err := transfer.NewQueue(e.sessions, e.local, cfg,
		transfer.WithQueueClock(e.clock),
		transfer.WithQueueLogger(e.logger),
		transfer.WithBus(e.bus),
		transfer.WithTracker(e.tracker))
	if err != nil {
		return nil, err
	}
	e.queue = queue

	// 主动断开前先让连接上的传输停下，连接状态变化时唤醒调度器
	e.sessions.AddCloseHook(e.queue.ConnectionClosing)
	e.sessions.OnState(func(session.Event) { e.queue.Poke() })
	return e, nil
}

// NewSSH 创建基于 SSH/SFTP 的引擎，凭据引用通过 nodes 解析
func NewSSH(nodes config.ConfigProvider, cfg config.EngineConfig, opts ...Option) (*Engine, error) {
	cfg.ApplyDefaults()
	connector := ssh.NewConnector(nodes, cfg.Connect, ssh.WithLogger(logger.Component("ssh")))
	return New(connector, cfg, opts...)
}

// Config 返回引擎参数
func (e *Engine) Config() config.EngineConfig {
	return e.cfg
}

// Run 运行调度器与进度采样，直到 ctx 结束或 Close 被调用
func (e *Engine) Run(ctx context.Context) error {
	ctx, stopped, err := e.begin(ctx)
	if err != nil {
		return err
	}
	return e.run(ctx, stopped)
}

// Start 在后台运行引擎
func (e *Engine) Start(ctx context.Context) error {
	ctx, stopped, err := e.begin(ctx)
	if err != nil {
		return err
	}
	go func() { _ = e.run(ctx, stopped) }()
	return nil
}

func (e *Engine) begin(ctx context.Context) (context.Context, chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped != nil {
		return nil, nil, errors.New("engine is already running")
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.stopped = make(chan struct{})
	return ctx, e.stopped, nil
}

func (e *Engine) run(ctx context.Context, stopped chan struct{}) error {
	defer close(stopped)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.queue.Run(gctx) })
	g.Go(func() error { return e.tracker.Run(gctx) })
	return g.Wait()
}

// Close 停止调度器 (Active 任务在分块边界转为 Paused)，再断开全部连接
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	cancel, stopped := e.cancel, e.stopped
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	err := e.sessions.Close(ctx)
	e.bus.Flush()
	e.bus.Close()
	return err
}

// ---- 连接 ----

// Connect 建立或复用连接
func (e *Engine) Connect(ctx context.Context, opts session.Options) (string, error) {
	return e.sessions.Connect(ctx, opts)
}

// Disconnect 断开连接，连接上的 Active 任务以 connection-closed 失败
func (e *Engine) Disconnect(ctx context.Context, id string) error {
	return e.sessions.Disconnect(ctx, id)
}

// Forget 断开并移除连接
func (e *Engine) Forget(ctx context.Context, id string) error {
	return e.sessions.Forget(ctx, id)
}

func (e *Engine) Connection(id string) (session.Connection, bool) {
	return e.sessions.Connection(id)
}

func (e *Engine) Connections() []session.Connection {
	return e.sessions.Connections()
}

// Shell 返回连接的交互终端
func (e *Engine) Shell(ctx context.Context, id string) (*session.Shell, error) {
	return e.sessions.Shell(ctx, id)
}

// Files 借出一个文件通道用于浏览远程目录，用完必须 Close
func (e *Engine) Files(ctx context.Context, id string) (channel.Files, error) {
	return e.sessions.OpenFileChannel(ctx, id)
}

func (e *Engine) OnConnectionState(fn func(session.Event)) events.Subscription {
	return e.sessions.OnState(fn)
}

func (e *Engine) OnData(id string, fn func([]byte)) events.Subscription {
	return e.sessions.OnData(id, fn)
}

func (e *Engine) OnError(id string, fn func(error)) events.Subscription {
	return e.sessions.OnError(id, fn)
}

func (e *Engine) OnClose(id string, fn func()) events.Subscription {
	return e.sessions.OnClose(id, fn)
}

func (e *Engine) OnShellExit(id string, fn func()) events.Subscription {
	return e.sessions.OnShellExit(id, fn)
}

// ---- 传输 ----

// Enqueue 提交传输任务
func (e *Engine) Enqueue(d transfer.Descriptor) (string, error) {
	return e.queue.Enqueue(d)
}

// Pause 暂停任务，返回时任务已释放通道
func (e *Engine) Pause(ctx context.Context, id string) error {
	return e.queue.Pause(ctx, id)
}

func (e *Engine) Resume(id string) error {
	return e.queue.Resume(id)
}

// Cancel 取消任务，返回时任务已进入 Failed
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.queue.Cancel(ctx, id)
}

func (e *Engine) Acknowledge(id string) error {
	return e.queue.Acknowledge(id)
}

func (e *Engine) Task(id string) (transfer.Task, error) {
	return e.queue.Task(id)
}

func (e *Engine) Tasks(filter func(transfer.Task) bool) []transfer.Task {
	return e.queue.Tasks(filter)
}

func (e *Engine) Stats() transfer.Stats {
	return e.queue.Stats()
}

// OnProgress 订阅所有任务的进度事件
func (e *Engine) OnProgress(fn func(transfer.Event)) events.Subscription {
	return e.queue.Subscribe(func(ev transfer.Event) {
		if ev.Kind == transfer.EventProgress {
			fn(ev)
		}
	})
}

// OnTaskState 订阅所有任务的状态变化与重试通知
func (e *Engine) OnTaskState(fn func(transfer.Event)) events.Subscription {
	return e.queue.Subscribe(func(ev transfer.Event) {
		if ev.Kind != transfer.EventProgress {
			fn(ev)
		}
	})
}

// OnTaskDone 订阅任务进入终态的事件
func (e *Engine) OnTaskDone(fn func(transfer.Event)) events.Subscription {
	return e.queue.Subscribe(func(ev transfer.Event) {
		if ev.Kind == transfer.EventState && ev.State.Terminal() {
			fn(ev)
		}
	})
}

// SubscribeTask 按发生顺序订阅单个任务的全部事件
func (e *Engine) SubscribeTask(id string, fn func(transfer.Event)) events.Subscription {
	return e.queue.SubscribeTask(id, fn)
}

// Flush 等待已发生的连接与任务事件全部投递
func (e *Engine) Flush() {
	e.sessions.Flush()
	e.queue.Flush()
}
