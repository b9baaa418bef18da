package transfer

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wentf9/xops-remote/internal/fakeremote"
	"github.com/wentf9/xops-remote/pkg/config"
	"github.com/wentf9/xops-remote/pkg/errs"
	"github.com/wentf9/xops-remote/pkg/events"
	"github.com/wentf9/xops-remote/pkg/logger"
	"github.com/wentf9/xops-remote/pkg/session"
)

const waitFor = 2 * time.Second

type env struct {
	q      *Queue
	m      *session.Manager
	remote *fakeremote.Provider
	clk    *clockwork.FakeClock
	local  billy.Filesystem
	bus    *events.Bus[Event]
	log    *eventLog
	cancel context.CancelFunc
	done   chan struct{}
}

func newEnv(t *testing.T, tweak func(*config.EngineConfig)) *env {
	t.Helper()
	cfg := config.DefaultEngineConfig()
	cfg.Transfer.ChunkSize = 4
	if tweak != nil {
		tweak(&cfg)
	}
	e := &env{
		remote: fakeremote.New(),
		clk:    clockwork.NewFakeClockAt(epoch),
		local:  memfs.New(),
		bus:    events.NewBus[Event](logger.Discard()),
		log:    &eventLog{},
	}
	e.m = session.NewManager(e.remote, session.WithClock(e.clk), session.WithLogger(logger.Discard()))
	t.Cleanup(func() { _ = e.m.Close(context.Background()) })

	e.bus.Subscribe(e.log.add)
	q, err := NewQueue(e.m, e.local, cfg, WithQueueClock(e.clk), WithQueueLogger(logger.Discard()), WithBus(e.bus))
	require.NoError(t, err)
	e.q = q
	e.m.AddCloseHook(e.q.ConnectionClosing)
	e.m.OnState(func(session.Event) { e.q.Poke() })

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		_ = e.q.Run(ctx)
		close(e.done)
	}()
	t.Cleanup(func() {
		cancel()
		<-e.done
		e.bus.Close()
	})
	return e
}

func (e *env) connect(t *testing.T, id string) string {
	t.Helper()
	got, err := e.m.Connect(context.Background(), session.Options{ID: id, Host: "10.0.0.5", Port: 22, CredentialRef: "web"})
	require.NoError(t, err)
	return got
}

func (e *env) enqueue(t *testing.T, d Descriptor) string {
	t.Helper()
	id, err := e.q.Enqueue(d)
	require.NoError(t, err)
	return id
}

// waitTask 等待任务满足 cond 并返回其快照
func (e *env) waitTask(t *testing.T, id string, cond func(Task) bool, msg string) Task {
	t.Helper()
	require.Eventually(t, func() bool {
		tk, err := e.q.Task(id)
		return err == nil && cond(tk)
	}, waitFor, time.Millisecond, msg)
	tk, err := e.q.Task(id)
	require.NoError(t, err)
	return tk
}

func inState(s State) func(Task) bool {
	return func(tk Task) bool { return tk.State == s }
}

// feed 逐个放行 n 个分块
func feed(t *testing.T, gate chan<- struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case gate <- struct{}{}:
		case <-time.After(waitFor):
			t.Fatalf("chunk %d was never requested", i)
		}
	}
}

// feedUntil 持续放行分块直到 stop 关闭
func feedUntil(gate chan<- struct{}, stop <-chan struct{}) {
	for {
		select {
		case gate <- struct{}{}:
		case <-stop:
			return
		}
	}
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
}

func TestQueue_DownloadCompletes(t *testing.T) {
	e := newEnv(t, nil)
	conn := e.connect(t, "web")
	data := payload(10)
	e.remote.PutFile("/srv/a.bin", data)

	id := e.enqueue(t, Descriptor{ConnID: conn, Direction: Download, RemotePath: "/srv/a.bin", LocalPath: "/tmp/out/a.bin"})
	tk := e.waitTask(t, id, inState(StateCompleted), "download completes")

	assert.Equal(t, int64(10), tk.Progress.Transferred)
	assert.Equal(t, int64(10), tk.Progress.Total)
	assert.Equal(t, 100, tk.Progress.Percentage)
	assert.Nil(t, tk.Error)
	assert.False(t, tk.CompletedAt.IsZero())

	got, err := util.ReadFile(e.local, "/tmp/out/a.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, 0, e.remote.Streams()[0].OpenChannels(), "channel released on completion")

	e.bus.Flush()
	assert.Equal(t, []State{StatePending, StateActive, StateCompleted}, e.log.states())
}

func TestQueue_UploadCompletes(t *testing.T) {
	e := newEnv(t, nil)
	conn := e.connect(t, "web")
	data := payload(23)
	require.NoError(t, util.WriteFile(e.local, "/home/u/b.txt", data, 0644))

	id := e.enqueue(t, Descriptor{ConnID: conn, Direction: Upload, LocalPath: "/home/u/b.txt", RemotePath: "/srv/b.txt"})
	tk := e.waitTask(t, id, inState(StateCompleted), "upload completes")
	assert.Equal(t, int64(23), tk.Progress.Transferred)

	got, ok := e.remote.File("/srv/b.txt")
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestNewQueue_RejectsInvalidConfig(t *testing.T) {
	m := session.NewManager(fakeremote.New(), session.WithLogger(logger.Discard()))
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	cfg := config.DefaultEngineConfig()
	cfg.Transfer.ChunkSize = -1
	_, err := NewQueue(m, memfs.New(), cfg)
	assert.ErrorContains(t, err, "chunk_size")

	// 零值字段取默认值，不会以 0 字节分块空转
	q, err := NewQueue(m, memfs.New(), config.EngineConfig{})
	require.NoError(t, err)
	assert.Equal(t, int64(config.DefaultChunkSize), q.chunkSize)
	assert.Equal(t, config.DefaultMaxConcurrent, q.maxActive)
}

func TestQueue_EnqueueValidation(t *testing.T) {
	e := newEnv(t, nil)
	conn := e.connect(t, "web")
	valid := Descriptor{ConnID: conn, Direction: Upload, LocalPath: "/a", RemotePath: "/b"}

	cases := map[string]func(*Descriptor){
		"empty local path":   func(d *Descriptor) { d.LocalPath = "" },
		"empty remote path":  func(d *Descriptor) { d.RemotePath = "" },
		"unknown direction":  func(d *Descriptor) { d.Direction = "sideways" },
		"negative size":      func(d *Descriptor) { d.Size = -1 },
		"unknown connection": func(d *Descriptor) { d.ConnID = "nope" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := valid
			mutate(&d)
			_, err := e.q.Enqueue(d)
			assert.True(t, errs.Is(err, errs.KindInvalidTask), "got %v", err)
		})
	}
	assert.Empty(t, e.q.Tasks(nil))
}

func TestQueue_ConcurrencyLimits(t *testing.T) {
	e := newEnv(t, func(c *config.EngineConfig) {
		c.Transfer.MaxConcurrent = 3
		c.Transfer.PerConnection = 2
	})
	gate := e.remote.Gate()
	a := e.connect(t, "a")
	b := e.connect(t, "b")

	var ids []string
	for _, conn := range []string{a, a, a, a, b, b, b, b} {
		path := "/srv/" + conn + "-" + string(rune('0'+len(ids)))
		e.remote.PutFile(path, payload(8))
		ids = append(ids, e.enqueue(t, Descriptor{ConnID: conn, Direction: Download, RemotePath: path, LocalPath: "/tmp" + path}))
	}

	// 连接 a 达到上限后跳过，b 上的任务不被阻塞
	e.waitTask(t, ids[4], inState(StateActive), "task on b admitted past saturated a")
	assert.Equal(t, 3, e.q.Stats().Active)

	var violations atomic.Int32
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			perConn := map[string]int{}
			total := 0
			for _, tk := range e.q.Tasks(func(tk Task) bool { return tk.State == StateActive }) {
				perConn[tk.ConnID]++
				total++
			}
			if total > 3 || perConn[a] > 2 || perConn[b] > 2 {
				violations.Add(1)
			}
			time.Sleep(100 * time.Microsecond)
		}
	})
	wg.Go(func() { feedUntil(gate, stop) })

	require.Eventually(t, func() bool {
		return e.q.Stats().Completed == len(ids)
	}, waitFor, time.Millisecond)
	close(stop)
	wg.Wait()
	assert.Zero(t, violations.Load())
}

func TestQueue_PriorityAcrossIdleConnections(t *testing.T) {
	e := newEnv(t, func(c *config.EngineConfig) {
		c.Transfer.MaxConcurrent = 1
		c.Transfer.PerConnection = 1
	})
	gate := e.remote.Gate()
	busy := e.connect(t, "busy")
	low := e.connect(t, "low")
	high := e.connect(t, "high")
	for _, p := range []string{"/srv/blocker", "/srv/low", "/srv/high"} {
		e.remote.PutFile(p, payload(4))
	}

	blocker := e.enqueue(t, Descriptor{ConnID: busy, Direction: Download, RemotePath: "/srv/blocker", LocalPath: "/tmp/blocker"})
	e.waitTask(t, blocker, inState(StateActive), "blocker admitted")
	lowID := e.enqueue(t, Descriptor{ConnID: low, Direction: Download, RemotePath: "/srv/low", LocalPath: "/tmp/low", Priority: 1})
	highID := e.enqueue(t, Descriptor{ConnID: high, Direction: Download, RemotePath: "/srv/high", LocalPath: "/tmp/high", Priority: 9})

	feed(t, gate, 1)
	e.waitTask(t, highID, inState(StateActive), "higher priority dispatched first")
	tk, err := e.q.Task(lowID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, tk.State)

	feed(t, gate, 1)
	e.waitTask(t, lowID, inState(StateActive), "lower priority follows")
	feed(t, gate, 1)
	e.waitTask(t, lowID, inState(StateCompleted), "lower priority completes")
}

func TestQueue_HigherPriorityAdmittedFirstOnSameConnection(t *testing.T) {
	e := newEnv(t, func(c *config.EngineConfig) {
		c.Transfer.PerConnection = 1
		c.Transfer.ChunkSize = 256
	})
	gate := e.remote.Gate()
	conn := e.connect(t, "web")
	// 连接断开期间提交，两个任务同时等待调度
	require.NoError(t, e.m.Disconnect(context.Background(), conn))
	require.NoError(t, util.WriteFile(e.local, "/data/a", payload(1000), 0644))
	require.NoError(t, util.WriteFile(e.local, "/data/b", payload(1000), 0644))
	b := e.enqueue(t, Descriptor{ConnID: conn, Direction: Upload, LocalPath: "/data/b", RemotePath: "/srv/b", Size: 1000, Priority: 1})
	a := e.enqueue(t, Descriptor{ConnID: conn, Direction: Upload, LocalPath: "/data/a", RemotePath: "/srv/a", Size: 1000, Priority: 5})

	e.connect(t, conn)
	e.waitTask(t, a, inState(StateActive), "A admitted first")
	feed(t, gate, 2)
	tk, err := e.q.Task(b)
	require.NoError(t, err)
	assert.Equal(t, StatePending, tk.State, "B waits while A holds the only slot")

	feed(t, gate, 2)
	e.waitTask(t, a, inState(StateCompleted), "A completes")
	e.waitTask(t, b, inState(StateActive), "B admitted after A terminates")
	feed(t, gate, 4)
	e.waitTask(t, b, inState(StateCompleted), "B completes")

	got, ok := e.remote.File("/srv/a")
	require.True(t, ok)
	assert.Equal(t, payload(1000), got)
}

func TestQueue_PauseResume(t *testing.T) {
	e := newEnv(t, nil)
	gate := e.remote.Gate()
	conn := e.connect(t, "web")
	data := payload(64)
	e.remote.PutFile("/srv/big", data)
	id := e.enqueue(t, Descriptor{ConnID: conn, Direction: Download, RemotePath: "/srv/big", LocalPath: "/tmp/big"})

	feed(t, gate, 1)
	e.waitTask(t, id, func(tk Task) bool { return tk.Progress.Transferred == 4 }, "first chunk recorded")

	paused := make(chan error, 1)
	go func() { paused <- e.q.Pause(context.Background(), id) }()
	time.Sleep(20 * time.Millisecond)
	stop := make(chan struct{})
	go feedUntil(gate, stop)
	require.NoError(t, <-paused)
	close(stop)

	tk, err := e.q.Task(id)
	require.NoError(t, err)
	require.Equal(t, StatePaused, tk.State)
	atPause := tk.Progress.Transferred
	assert.Equal(t, atPause, tk.Offset)
	assert.Less(t, atPause, int64(64))
	assert.Zero(t, atPause%4, "pause lands on a chunk boundary")
	assert.Equal(t, 0, e.remote.Streams()[0].OpenChannels(), "paused task holds no channel")
	assert.Zero(t, tk.Progress.Speed)

	require.NoError(t, e.q.Pause(context.Background(), id), "pausing a paused task is a no-op")
	require.NoError(t, e.q.Resume(id))
	assert.True(t, errs.Is(e.q.Resume(id), errs.KindInvalidTask), "resume only from paused")

	stop = make(chan struct{})
	defer close(stop)
	go feedUntil(gate, stop)
	tk = e.waitTask(t, id, inState(StateCompleted), "resumed task completes")
	assert.Equal(t, int64(64), tk.Progress.Transferred)
	assert.GreaterOrEqual(t, tk.Progress.Transferred, atPause)

	got, err := util.ReadFile(e.local, "/tmp/big")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	e.bus.Flush()
	var last int64
	for _, ev := range e.log.of(EventProgress) {
		assert.GreaterOrEqual(t, ev.Progress.Transferred, last, "transferred never rewinds")
		last = ev.Progress.Transferred
	}
	assert.Equal(t, []State{StatePending, StateActive, StatePaused, StatePending, StateActive, StateCompleted}, e.log.states())

	assert.True(t, errs.Is(e.q.Pause(context.Background(), id), errs.KindInvalidTask))
}

func TestQueue_CancelPendingNeverOpensChannel(t *testing.T) {
	e := newEnv(t, nil)
	conn := e.connect(t, "web")
	require.NoError(t, e.m.Disconnect(context.Background(), conn))
	e.remote.PutFile("/srv/a", payload(8))

	id := e.enqueue(t, Descriptor{ConnID: conn, Direction: Download, RemotePath: "/srv/a", LocalPath: "/tmp/a"})
	require.NoError(t, e.q.Cancel(context.Background(), id))

	tk, err := e.q.Task(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, tk.State)
	assert.True(t, errs.Is(tk.Error, errs.KindCancelled))
	assert.Zero(t, e.remote.OpenedFileChannels())

	assert.True(t, errs.Is(e.q.Cancel(context.Background(), id), errs.KindInvalidTask), "terminal tasks cannot be cancelled")

	e.bus.Flush()
	failed := e.log.of(EventState)
	require.Len(t, failed, 2)
	assert.Equal(t, StateFailed, failed[1].State)
	assert.Equal(t, StatePending, failed[1].Prev)
	assert.NotNil(t, failed[1].Err, "terminal state carries its reason")

	// 重连后不会被调度
	e.connect(t, conn)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, e.remote.OpenedFileChannels())

	require.NoError(t, e.q.Acknowledge(id))
	_, err = e.q.Task(id)
	assert.True(t, errs.Is(err, errs.KindInvalidTask))
}

func TestQueue_CancelActive(t *testing.T) {
	e := newEnv(t, nil)
	gate := e.remote.Gate()
	conn := e.connect(t, "web")
	e.remote.PutFile("/srv/a", payload(64))
	id := e.enqueue(t, Descriptor{ConnID: conn, Direction: Download, RemotePath: "/srv/a", LocalPath: "/tmp/a"})
	e.waitTask(t, id, inState(StateActive), "admitted")

	cancelled := make(chan error, 1)
	go func() { cancelled <- e.q.Cancel(context.Background(), id) }()
	time.Sleep(20 * time.Millisecond)
	stop := make(chan struct{})
	defer close(stop)
	go feedUntil(gate, stop)
	require.NoError(t, <-cancelled)

	tk, err := e.q.Task(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, tk.State)
	assert.True(t, errs.Is(tk.Error, errs.KindCancelled))
	assert.Equal(t, 0, e.remote.Streams()[0].OpenChannels(), "channel released before terminal")
	assert.True(t, errs.Is(e.q.Resume(id), errs.KindInvalidTask))
}

func TestQueue_TransientFaultResumesAtOffset(t *testing.T) {
	e := newEnv(t, nil)
	conn := e.connect(t, "web")
	data := payload(16)
	e.remote.PutFile("/srv/a", data)
	e.remote.Inject(&fakeremote.Fault{Path: "/srv/a", After: 8, Err: fakeremote.ErrReset})

	id := e.enqueue(t, Descriptor{ConnID: conn, Direction: Download, RemotePath: "/srv/a", LocalPath: "/tmp/a"})
	tk := e.waitTask(t, id, func(tk Task) bool { return tk.Attempts == 1 }, "retry scheduled")
	assert.Equal(t, StatePending, tk.State)
	assert.Equal(t, int64(8), tk.Offset)
	assert.Equal(t, int64(8), tk.Progress.Transferred)
	assert.True(t, tk.NotBefore.Equal(epoch.Add(500*time.Millisecond)))

	// 退避期内不调度
	e.q.Poke()
	time.Sleep(20 * time.Millisecond)
	tk, err := e.q.Task(id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, tk.State)

	e.clk.Advance(500 * time.Millisecond)
	tk = e.waitTask(t, id, inState(StateCompleted), "completes after backoff")
	assert.Equal(t, int64(16), tk.Progress.Transferred, "no bytes transferred twice")
	assert.Nil(t, tk.Error)
	got, err := util.ReadFile(e.local, "/tmp/a")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	e.bus.Flush()
	retries := e.log.of(EventRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, 500*time.Millisecond, retries[0].Delay)
	assert.True(t, errs.Is(retries[0].Err, errs.KindConnectionClosed))
	assert.Equal(t, []State{StatePending, StateActive, StatePending, StateActive, StateCompleted}, e.log.states())
}

func TestQueue_RetriesExhausted(t *testing.T) {
	e := newEnv(t, func(c *config.EngineConfig) { c.Retry.MaxAttempts = 2 })
	conn := e.connect(t, "web")
	e.remote.PutFile("/srv/a", payload(8))
	for range 3 {
		e.remote.Inject(&fakeremote.Fault{Path: "/srv/a", After: 0, Err: fakeremote.ErrReset})
	}

	id := e.enqueue(t, Descriptor{ConnID: conn, Direction: Download, RemotePath: "/srv/a", LocalPath: "/tmp/a"})
	e.waitTask(t, id, func(tk Task) bool { return tk.Attempts == 1 && tk.State == StatePending }, "first retry")
	e.clk.Advance(500 * time.Millisecond)
	e.waitTask(t, id, func(tk Task) bool { return tk.Attempts == 2 && tk.State == StatePending }, "second retry")
	e.clk.Advance(time.Second)
	tk := e.waitTask(t, id, inState(StateFailed), "gives up")
	assert.True(t, errs.Is(tk.Error, errs.KindConnectionClosed), "original kind is kept")
	assert.Contains(t, tk.Error.Error(), "giving up after 2 attempts")
}

func TestQueue_FatalErrors(t *testing.T) {
	e := newEnv(t, nil)
	conn := e.connect(t, "web")
	e.remote.PutFile("/srv/secret", payload(8))
	e.remote.Deny("/srv/secret")

	denied := e.enqueue(t, Descriptor{ConnID: conn, Direction: Download, RemotePath: "/srv/secret", LocalPath: "/tmp/s"})
	missing := e.enqueue(t, Descriptor{ConnID: conn, Direction: Download, RemotePath: "/srv/none", LocalPath: "/tmp/n"})
	noLocal := e.enqueue(t, Descriptor{ConnID: conn, Direction: Upload, LocalPath: "/nowhere", RemotePath: "/srv/x"})

	tk := e.waitTask(t, denied, inState(StateFailed), "permission denied is fatal")
	assert.True(t, errs.Is(tk.Error, errs.KindPermissionDenied))
	assert.Zero(t, tk.Attempts)
	tk = e.waitTask(t, missing, inState(StateFailed), "missing remote path is fatal")
	assert.True(t, errs.Is(tk.Error, errs.KindPathNotFound))
	tk = e.waitTask(t, noLocal, inState(StateFailed), "missing local path is fatal")
	assert.True(t, errs.Is(tk.Error, errs.KindPathNotFound))

	assert.Equal(t, Stats{Failed: 3}, e.q.Stats())
	e.bus.Flush()
	assert.Empty(t, e.log.of(EventRetry), "no retry scheduled")
}

func TestQueue_DisconnectFailsActiveKeepsPaused(t *testing.T) {
	e := newEnv(t, nil)
	gate := e.remote.Gate()
	conn := e.connect(t, "web")
	e.remote.PutFile("/srv/x", payload(128))
	e.remote.PutFile("/srv/y", payload(128))

	// y 先运行并在分块边界暂停，放行协程退出后再提交 x，x 拿不到令牌而一直停在 Active
	y := e.enqueue(t, Descriptor{ConnID: conn, Direction: Download, RemotePath: "/srv/y", LocalPath: "/tmp/y"})
	e.waitTask(t, y, inState(StateActive), "y admitted")
	paused := make(chan error, 1)
	go func() { paused <- e.q.Pause(context.Background(), y) }()
	time.Sleep(20 * time.Millisecond)
	stop := make(chan struct{})
	fed := make(chan struct{})
	go func() {
		feedUntil(gate, stop)
		close(fed)
	}()
	require.NoError(t, <-paused)
	close(stop)
	<-fed

	x := e.enqueue(t, Descriptor{ConnID: conn, Direction: Download, RemotePath: "/srv/x", LocalPath: "/tmp/x"})
	e.waitTask(t, x, inState(StateActive), "x admitted")

	require.NoError(t, e.m.Disconnect(context.Background(), conn))
	tk, err := e.q.Task(x)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, tk.State, "active task fails before disconnect returns")
	assert.True(t, errs.Is(tk.Error, errs.KindConnectionClosed))
	assert.Less(t, tk.Progress.Transferred, int64(128))

	tk, err = e.q.Task(y)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, tk.State)
	assert.Nil(t, tk.Error)

	_, err = e.m.Shell(context.Background(), conn)
	assert.True(t, errs.Is(err, errs.KindNotConnected))
}

func TestQueue_ConnectionLossRetriesAfterReconnect(t *testing.T) {
	e := newEnv(t, nil)
	gate := e.remote.Gate()
	conn := e.connect(t, "web")
	data := payload(32)
	e.remote.PutFile("/srv/a", data)
	id := e.enqueue(t, Descriptor{ConnID: conn, Direction: Download, RemotePath: "/srv/a", LocalPath: "/tmp/a"})

	feed(t, gate, 2)
	e.waitTask(t, id, func(tk Task) bool { return tk.Progress.Transferred == 8 }, "two chunks done")
	e.remote.Streams()[0].Drop(fakeremote.ErrReset)

	e.waitTask(t, id, func(tk Task) bool { return tk.State == StatePending && tk.Attempts == 1 }, "retry scheduled")
	require.Eventually(t, func() bool {
		st, _ := e.m.State(conn)
		return st == session.StateDisconnected
	}, waitFor, time.Millisecond)
	e.clk.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)
	tk, err := e.q.Task(id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, tk.State, "not admitted while disconnected")

	e.connect(t, conn)
	stop := make(chan struct{})
	defer close(stop)
	go feedUntil(gate, stop)
	tk = e.waitTask(t, id, inState(StateCompleted), "completes on the new connection")
	assert.Equal(t, int64(32), tk.Progress.Transferred)
	got, err := util.ReadFile(e.local, "/tmp/a")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestQueue_ShutdownPausesActive(t *testing.T) {
	e := newEnv(t, nil)
	gate := e.remote.Gate()
	conn := e.connect(t, "web")
	e.remote.PutFile("/srv/a", payload(16))
	id := e.enqueue(t, Descriptor{ConnID: conn, Direction: Download, RemotePath: "/srv/a", LocalPath: "/tmp/a"})
	feed(t, gate, 1)
	e.waitTask(t, id, func(tk Task) bool { return tk.Progress.Transferred == 4 }, "first chunk")
	assert.Equal(t, 1, e.q.pool.Running())

	e.cancel()
	select {
	case <-e.done:
	case <-time.After(waitFor):
		t.Fatal("queue did not stop")
	}
	assert.Zero(t, e.q.pool.Running(), "run returns after workers exit")
	tk, err := e.q.Task(id)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, tk.State, "interrupted transfers stay resumable")
	assert.Equal(t, int64(4), tk.Offset)
	assert.Equal(t, 0, e.remote.Streams()[0].OpenChannels())
}
