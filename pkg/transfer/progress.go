package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/wentf9/xops-remote/pkg/config"
	"github.com/wentf9/xops-remote/pkg/events"
)

// speedEpsilon 以下的速度视为 0
const speedEpsilon = 1e-6

// Tracker 累计任务的传输字节数，按固定采样周期用 EWMA 平滑速度，并节流发布进度事件
type Tracker struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	bus      *events.Bus[Event]
	sample   time.Duration
	throttle time.Duration
	alpha    float64
	meters   map[string]*meter
}

type meter struct {
	connID      string
	transferred int64
	total       int64
	speed       float64
	window      int64 // 本采样周期内的字节数
	sampled     bool
	active      bool
	lastEmit    time.Time
	emitted     bool
}

// NewTracker 创建进度跟踪器，进度事件发布到 bus
func NewTracker(c config.ProgressConfig, clk clockwork.Clock, bus *events.Bus[Event]) *Tracker {
	return &Tracker{
		clock:    clk,
		bus:      bus,
		sample:   c.SampleInterval,
		throttle: c.ThrottleInterval,
		alpha:    c.Smoothing,
		meters:   make(map[string]*meter),
	}
}

// Track 登记任务
func (t *Tracker) Track(id, connID string, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meters[id] = &meter{connID: connID, total: total}
}

// Activate 开始对任务采样，速度从 0 重新估计
func (t *Tracker) Activate(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.meters[id]; ok {
		m.active = true
		m.speed = 0
		m.window = 0
		m.sampled = false
	}
}

// Stop 停止采样，速度归零
func (t *Tracker) Stop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.meters[id]; ok {
		m.active = false
		m.speed = 0
		m.window = 0
	}
}

// SetTotal 在得知实际大小后更新总字节数
func (t *Tracker) SetTotal(id string, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.meters[id]; ok {
		m.total = total
	}
}

// Record 累计 delta 字节，距上次发布超过节流间隔时发布进度事件
func (t *Tracker) Record(id string, delta int64) {
	if delta <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.meters[id]
	if !ok {
		return
	}
	m.transferred += delta
	m.window += delta
	now := t.clock.Now()
	if !m.emitted || now.Sub(m.lastEmit) >= t.throttle {
		t.emit(id, m, now)
	}
}

// Tick 完成一个采样周期：speed = alpha*本周期速度 + (1-alpha)*speed
func (t *Tracker) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	for id, m := range t.meters {
		if !m.active {
			continue
		}
		inst := float64(m.window) / t.sample.Seconds()
		m.window = 0
		if m.sampled {
			m.speed = t.alpha*inst + (1-t.alpha)*m.speed
		} else {
			m.speed = inst
			m.sampled = true
		}
		if now.Sub(m.lastEmit) >= t.throttle {
			t.emit(id, m, now)
		}
	}
}

// Flush 立即发布一次进度，用于暂停、完成与失败
func (t *Tracker) Flush(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.meters[id]; ok {
		t.emit(id, m, t.clock.Now())
	}
}

// Remove 注销任务
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.meters, id)
}

// Snapshot 返回任务当前进度
func (t *Tracker) Snapshot(id string) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.meters[id]; ok {
		return m.progress()
	}
	return Progress{ETA: -1}
}

// Run 按采样周期驱动 Tick，直到 ctx 结束
func (t *Tracker) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.sample)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			t.Tick()
		}
	}
}

// emit 必须在持有 t.mu 时调用
func (t *Tracker) emit(id string, m *meter, now time.Time) {
	m.lastEmit = now
	m.emitted = true
	t.bus.Publish(id, Event{Kind: EventProgress, TaskID: id, ConnID: m.connID, At: now, Progress: m.progress()})
}

func (m *meter) progress() Progress {
	p := Progress{
		Transferred: m.transferred,
		Total:       m.total,
		Percentage:  percentage(m.transferred, m.total),
		Speed:       m.speed,
		ETA:         -1,
	}
	if m.speed > speedEpsilon && m.total > 0 {
		remaining := max(m.total-m.transferred, 0)
		p.ETA = time.Duration(float64(remaining) / m.speed * float64(time.Second))
	}
	return p
}
