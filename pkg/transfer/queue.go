package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/config"
	"github.com/wentf9/xops-remote/pkg/errs"
	"github.com/wentf9/xops-remote/pkg/events"
	"github.com/wentf9/xops-remote/pkg/logger"
	"github.com/wentf9/xops-remote/pkg/session"
	"github.com/wentf9/xops-remote/pkg/utils"
)

// Connections 是队列对连接层的依赖
type Connections interface {
	State(id string) (session.State, bool)
	OpenFileChannel(ctx context.Context, id string) (channel.Files, error)
}

// request 是对 Active 任务的中断请求，工作协程在分块边界处理
type request int

const (
	reqNone request = iota
	reqPause
	reqCancel
	reqDisconnect
)

// Queue 负责任务的准入、优先级排序、并发限制与状态转换。
// 所有任务状态与计数都在 mu 保护下修改
type Queue struct {
	mu      sync.Mutex
	conns   Connections
	local   billy.Filesystem
	tracker *Tracker
	retry   RetryPolicy
	clock   clockwork.Clock
	bus     *events.Bus[Event]
	logger  *slog.Logger
	pool    utils.WorkerPool

	maxActive int
	perConn   int
	chunkSize int64

	tasks       map[string]*task
	pending     []*task // 按优先级降序、提交顺序升序
	active      map[string]int
	activeTotal int
	seq         uint64
	wake        chan struct{}
}

type task struct {
	Task
	seq   uint64
	req   request
	done  chan struct{}   // Active 期间有效，工作协程退出时关闭
	timer clockwork.Timer // 退避定时器
}

// QueueOption 定义 Queue 的配置函数
type QueueOption func(*Queue)

// WithQueueClock 替换时钟
func WithQueueClock(c clockwork.Clock) QueueOption {
	return func(q *Queue) { q.clock = c }
}

// WithQueueLogger 指定日志输出
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithTracker 使用外部创建的进度跟踪器
func WithTracker(t *Tracker) QueueOption {
	return func(q *Queue) { q.tracker = t }
}

// WithBus 使用外部创建的事件总线
func WithBus(b *events.Bus[Event]) QueueOption {
	return func(q *Queue) { q.bus = b }
}

// NewQueue 创建传输队列，local 是本地文件系统 (生产环境为 osfs，测试中为 memfs)。
// cfg 中未设置的字段取默认值，取值越界时返回错误
func NewQueue(conns Connections, local billy.Filesystem, cfg config.EngineConfig, opts ...QueueOption) (*Queue, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer config: %w", err)
	}
	q := &Queue{
		conns:     conns,
		local:     local,
		retry:     NewRetryPolicy(cfg.Retry),
		clock:     clockwork.NewRealClock(),
		logger:    logger.Component("transfer"),
		maxActive: cfg.Transfer.MaxConcurrent,
		perConn:   cfg.Transfer.PerConnection,
		chunkSize: cfg.Transfer.ChunkSize,
		tasks:     make(map[string]*task),
		active:    make(map[string]int),
		wake:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	if q.bus == nil {
		q.bus = events.NewBus[Event](q.logger)
	}
	if q.tracker == nil {
		q.tracker = NewTracker(cfg.Progress, q.clock, q.bus)
	}
	q.pool = utils.NewWorkerPool(uint(q.maxActive), utils.WithPanicHandler(func(r any) {
		q.logger.Error("transfer worker panicked", "panic", r)
	}))
	return q, nil
}

// Tracker 返回队列使用的进度跟踪器
func (q *Queue) Tracker() *Tracker {
	return q.tracker
}

// Poke 唤醒调度器，连接状态变化时由外部调用
func (q *Queue) Poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run 运行调度循环直到 ctx 结束，返回前等待所有工作协程退出
func (q *Queue) Run(ctx context.Context) error {
	defer q.pool.Wait()
	for {
		q.dispatch(ctx)
		select {
		case <-ctx.Done():
			if n := q.pool.Running(); n > 0 {
				q.logger.Debug("transfer queue stopping, waiting for workers", "running", n)
			}
			return nil
		case <-q.wake:
		}
	}
}

// Enqueue 提交任务，返回任务 ID
func (q *Queue) Enqueue(d Descriptor) (string, error) {
	switch {
	case d.LocalPath == "":
		return "", errs.New(errs.KindInvalidTask, "enqueue", "local path is empty")
	case d.RemotePath == "":
		return "", errs.New(errs.KindInvalidTask, "enqueue", "remote path is empty")
	case d.Direction != Upload && d.Direction != Download:
		return "", errs.New(errs.KindInvalidTask, "enqueue", "unknown direction '%s'", d.Direction)
	case d.Size < 0:
		return "", errs.New(errs.KindInvalidTask, "enqueue", "negative size %d", d.Size)
	}
	if _, ok := q.conns.State(d.ConnID); !ok {
		return "", errs.New(errs.KindInvalidTask, "enqueue", "unknown connection '%s'", d.ConnID)
	}

	q.mu.Lock()
	q.seq++
	t := &task{
		Task: Task{
			ID:         uuid.NewString(),
			Descriptor: d,
			State:      StatePending,
			CreatedAt:  q.clock.Now(),
		},
		seq: q.seq,
	}
	q.tasks[t.ID] = t
	q.tracker.Track(t.ID, d.ConnID, d.Size)
	q.insertPending(t)
	q.publishState(t, "")
	q.mu.Unlock()

	q.logger.Debug("task enqueued", "task", t.ID, "conn", d.ConnID, "direction", d.Direction, "priority", d.Priority)
	q.Poke()
	return t.ID, nil
}

// insertPending 按优先级插入，相同优先级按提交顺序
func (q *Queue) insertPending(t *task) {
	i := sort.Search(len(q.pending), func(i int) bool {
		p := q.pending[i]
		if p.Priority != t.Priority {
			return p.Priority < t.Priority
		}
		return p.seq > t.seq
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = t
}

func (q *Queue) removePending(t *task) {
	for i, p := range q.pending {
		if p == t {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// dispatch 按优先级准入所有满足条件的任务：连接已连接、连接与全局的活动数都未达上限、不在退避期
func (q *Queue) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	q.mu.Lock()
	now := q.clock.Now()
	var admitted []*task
	var orphaned []*task
	for _, t := range q.pending {
		if q.activeTotal+len(admitted) >= q.maxActive {
			break
		}
		if t.NotBefore.After(now) {
			continue
		}
		if q.active[t.ConnID] >= q.perConn {
			continue
		}
		st, ok := q.conns.State(t.ConnID)
		if !ok {
			orphaned = append(orphaned, t)
			continue
		}
		if st != session.StateConnected {
			continue
		}
		q.active[t.ConnID]++
		admitted = append(admitted, t)
	}
	for _, t := range orphaned {
		q.removePending(t)
		q.fail(t, errs.New(errs.KindNotConnected, "dispatch", "connection '%s' no longer exists", t.ConnID))
	}
	for _, t := range admitted {
		q.removePending(t)
		q.activeTotal++
		prev := t.State
		t.State = StateActive
		t.NotBefore = time.Time{}
		t.timer = nil
		if t.StartedAt.IsZero() {
			t.StartedAt = now
		}
		t.req = reqNone
		t.done = make(chan struct{})
		q.tracker.Activate(t.ID)
		q.publishState(t, prev)
	}
	offsets := make([]int64, len(admitted))
	for i, t := range admitted {
		offsets[i] = t.Offset
	}
	q.mu.Unlock()

	for i, t := range admitted {
		offset := offsets[i]
		q.pool.Execute(func() { q.work(ctx, t, offset) })
	}
}

// finish 处理工作协程的结果，err 为 nil 表示传输完成
func (q *Queue) finish(t *task, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active[t.ConnID]--
	if q.active[t.ConnID] == 0 {
		delete(q.active, t.ConnID)
	}
	q.activeTotal--
	q.tracker.Stop(t.ID)
	p := q.tracker.Snapshot(t.ID)
	t.Offset = p.Transferred
	req := t.req
	t.req = reqNone
	done := t.done
	t.done = nil
	defer close(done)
	defer q.Poke()

	if err == nil {
		q.tracker.Flush(t.ID)
		t.State = StateCompleted
		t.CompletedAt = q.clock.Now()
		q.publishState(t, StateActive)
		q.logger.Info("transfer completed", "task", t.ID, "conn", t.ConnID, "bytes", p.Transferred)
		return
	}

	switch req {
	case reqPause:
		q.tracker.Flush(t.ID)
		t.State = StatePaused
		q.publishState(t, StateActive)
		q.logger.Debug("task paused", "task", t.ID, "offset", t.Offset)
		return
	case reqCancel:
		q.fail(t, errs.New(errs.KindCancelled, "transfer", "cancelled"))
		return
	case reqDisconnect:
		q.fail(t, errs.New(errs.KindConnectionClosed, "transfer", "connection closed"))
		return
	}

	d := q.retry.Decide(t.Attempts, err)
	if !d.Retry {
		q.fail(t, d.Err)
		return
	}
	t.Attempts++
	t.State = StatePending
	t.NotBefore = q.clock.Now().Add(d.Delay)
	t.timer = q.clock.AfterFunc(d.Delay, q.Poke)
	q.insertPending(t)
	q.tracker.Flush(t.ID)
	q.bus.Publish(t.ID, Event{
		Kind: EventRetry, TaskID: t.ID, ConnID: t.ConnID, At: q.clock.Now(),
		Err: d.Err, Attempt: t.Attempts, Delay: d.Delay,
	})
	q.publishState(t, StateActive)
	q.logger.Warn("transfer failed, retry scheduled", "task", t.ID, "attempt", t.Attempts, "delay", d.Delay, "error", d.Err)
}

// fail 将任务置为 Failed，错误在状态可见之前写入，必须在持有 q.mu 时调用
func (q *Queue) fail(t *task, err error) {
	prev := t.State
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.Error = err
	t.State = StateFailed
	t.NotBefore = time.Time{}
	t.CompletedAt = q.clock.Now()
	q.tracker.Flush(t.ID)
	q.publishState(t, prev)
	q.logger.Warn("transfer failed", "task", t.ID, "conn", t.ConnID, "error", err)
}

// publishState 必须在持有 q.mu 时调用
func (q *Queue) publishState(t *task, prev State) {
	q.bus.Publish(t.ID, Event{
		Kind: EventState, TaskID: t.ID, ConnID: t.ConnID, At: q.clock.Now(),
		State: t.State, Prev: prev, Err: t.Error, Progress: q.tracker.Snapshot(t.ID),
	})
}

func (q *Queue) lookup(op, id string) (*task, error) {
	t, ok := q.tasks[id]
	if !ok {
		return nil, errs.New(errs.KindInvalidTask, op, "task '%s' not found", id)
	}
	return t, nil
}

// interrupt 向 Active 任务发出请求并等待工作协程退出
func (q *Queue) interrupt(ctx context.Context, t *task, req request) error {
	if t.req == reqNone || req == reqCancel {
		t.req = req
	}
	done := t.done
	q.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause 暂停 Active 任务，在下一个分块边界生效，返回时通道已释放。对 Paused 任务是空操作
func (q *Queue) Pause(ctx context.Context, id string) error {
	q.mu.Lock()
	t, err := q.lookup("pause", id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	switch t.State {
	case StatePaused:
		q.mu.Unlock()
		return nil
	case StateActive:
		if err := q.interrupt(ctx, t, reqPause); err != nil {
			return err
		}
		q.mu.Lock()
		defer q.mu.Unlock()
		if t.State != StatePaused {
			return errs.New(errs.KindInvalidTask, "pause", "task reached %s before pause took effect", t.State)
		}
		return nil
	}
	state := t.State
	q.mu.Unlock()
	return errs.New(errs.KindInvalidTask, "pause", "cannot pause %s task", state)
}

// Resume 将 Paused 任务放回 Pending，保留优先级与断点
func (q *Queue) Resume(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, err := q.lookup("resume", id)
	if err != nil {
		return err
	}
	if t.State != StatePaused {
		return errs.New(errs.KindInvalidTask, "resume", "cannot resume %s task", t.State)
	}
	t.State = StatePending
	q.insertPending(t)
	q.publishState(t, StatePaused)
	q.Poke()
	return nil
}

// Cancel 取消任意非终态任务。Pending 与 Paused 任务立即失败，Active 任务在下一个分块边界失败
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	t, err := q.lookup("cancel", id)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	switch t.State {
	case StatePending:
		q.removePending(t)
		q.fail(t, errs.New(errs.KindCancelled, "cancel", "cancelled"))
		q.mu.Unlock()
		return nil
	case StatePaused:
		q.fail(t, errs.New(errs.KindCancelled, "cancel", "cancelled"))
		q.mu.Unlock()
		return nil
	case StateActive:
		return q.interrupt(ctx, t, reqCancel)
	}
	state := t.State
	q.mu.Unlock()
	return errs.New(errs.KindInvalidTask, "cancel", "task is already %s", state)
}

// Acknowledge 移除终态任务
func (q *Queue) Acknowledge(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, err := q.lookup("acknowledge", id)
	if err != nil {
		return err
	}
	if !t.State.Terminal() {
		return errs.New(errs.KindInvalidTask, "acknowledge", "task is still %s", t.State)
	}
	delete(q.tasks, id)
	q.tracker.Remove(id)
	return nil
}

// ConnectionClosing 在连接主动断开前调用：连接上的 Active 任务收到断开请求，
// 返回的函数等待这些任务结束
func (q *Queue) ConnectionClosing(connID string) func(ctx context.Context) {
	q.mu.Lock()
	var waits []chan struct{}
	for _, t := range q.tasks {
		if t.ConnID == connID && t.State == StateActive {
			if t.req == reqNone {
				t.req = reqDisconnect
			}
			waits = append(waits, t.done)
		}
	}
	q.mu.Unlock()
	if len(waits) == 0 {
		return nil
	}
	return func(ctx context.Context) {
		for _, done := range waits {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Task 返回任务快照
func (q *Queue) Task(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, err := q.lookup("task", id)
	if err != nil {
		return Task{}, err
	}
	return q.snapshot(t), nil
}

// Tasks 返回满足 filter 的任务快照，filter 为 nil 时返回全部，按提交顺序排列
func (q *Queue) Tasks(filter func(Task) bool) []Task {
	q.mu.Lock()
	all := make([]*task, 0, len(q.tasks))
	for _, t := range q.tasks {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	out := make([]Task, 0, len(all))
	for _, t := range all {
		s := q.snapshot(t)
		if filter == nil || filter(s) {
			out = append(out, s)
		}
	}
	q.mu.Unlock()
	return out
}

// Stats 统计各状态的任务数
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, t := range q.tasks {
		switch t.State {
		case StatePending:
			s.Pending++
		case StateActive:
			s.Active++
		case StatePaused:
			s.Paused++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		}
	}
	return s
}

func (q *Queue) snapshot(t *task) Task {
	s := t.Task
	s.Progress = q.tracker.Snapshot(t.ID)
	return s
}

// Subscribe 订阅所有任务的事件
func (q *Queue) Subscribe(fn func(Event)) events.Subscription {
	return q.bus.Subscribe(fn)
}

// SubscribeTask 订阅单个任务的事件
func (q *Queue) SubscribeTask(id string, fn func(Event)) events.Subscription {
	return q.bus.SubscribeKey(id, fn)
}

// Flush 等待已发生的事件全部投递
func (q *Queue) Flush() {
	q.bus.Flush()
}

// requested 返回任务当前的中断请求，工作协程在分块边界调用
func (q *Queue) requested(t *task) request {
	q.mu.Lock()
	defer q.mu.Unlock()
	return t.req
}

// suspend 在引擎停止时把 Active 任务转为 Paused，已有请求优先
func (q *Queue) suspend(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.req == reqNone {
		t.req = reqPause
	}
}
