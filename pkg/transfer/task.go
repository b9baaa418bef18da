// Package transfer 实现可恢复的文件传输：任务模型、优先级队列与调度、
// 分块传输的工作协程、进度与速度估计以及瞬时故障的退避重试。
package transfer

import (
	"time"
)

// Direction 是传输方向
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// State 是任务状态，Completed 与 Failed 为终态
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal 报告状态是否为终态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Descriptor 描述一个待提交的传输
type Descriptor struct {
	ConnID     string
	Direction  Direction
	LocalPath  string
	RemotePath string
	// Size 是声明的总字节数，0 表示未知，开始传输时以实际大小为准
	Size     int64
	Priority int
}

// Progress 是任务进度
type Progress struct {
	Transferred int64
	Total       int64
	Percentage  int
	Speed       float64       // 平滑后的速度，字节/秒
	ETA         time.Duration // 速度为 0 时为 -1，表示无法估计
}

// ETAKnown 报告 ETA 是否可用
func (p Progress) ETAKnown() bool {
	return p.ETA >= 0
}

// Task 是任务快照
type Task struct {
	ID string
	Descriptor

	State    State
	Progress Progress
	// Offset 是任务离开 Active 时记录的断点，恢复时从这里继续
	Offset   int64
	Attempts int
	Error    error // 仅在 Failed 状态下非空

	CreatedAt   time.Time
	StartedAt   time.Time // 第一次进入 Active 的时间
	CompletedAt time.Time // 进入终态的时间
	// NotBefore 非零时表示任务处于重试退避期
	NotBefore time.Time
}

// Stats 是队列中各状态的任务数
type Stats struct {
	Pending   int
	Active    int
	Paused    int
	Completed int
	Failed    int
}

// EventKind 区分任务事件
type EventKind string

const (
	EventState    EventKind = "state"
	EventProgress EventKind = "progress"
	EventRetry    EventKind = "retry-scheduled"
)

// Event 是任务事件，同一任务的事件按发生顺序投递
type Event struct {
	Kind   EventKind
	TaskID string
	ConnID string
	At     time.Time

	State    State // EventState
	Prev     State // EventState
	Progress Progress
	Err      error         // EventState 进入 Failed 时的原因，或 EventRetry 的原因
	Attempt  int           // EventRetry: 第几次重试
	Delay    time.Duration // EventRetry: 退避时长
}

func percentage(transferred, total int64) int {
	if total <= 0 {
		return 0
	}
	p := (200*transferred + total) / (2 * total) // 四舍五入
	return int(min(p, 100))
}
