package session

import (
	"context"
	"time"

	"github.com/wentf9/xops-remote/pkg/channel"
)

// State 是连接的生命周期状态
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Options 是建立连接的参数
type Options struct {
	// ID 非空时复用该连接：已连接则直接返回，已断开或出错则原地重连
	ID            string
	Host          string
	Port          int
	CredentialRef string
	// Via 是一个已连接的连接 ID，经由它跳转到目标主机
	Via string
	// Window 是终端的初始尺寸
	Window channel.WindowSize
}

// Connection 是连接的只读快照
type Connection struct {
	ID            string
	Host          string
	Port          int
	CredentialRef string
	Via           string
	State         State
	ConnectedAt   time.Time // 仅在 Connected 状态下非零
	LastActivity  time.Time
	LastError     error // 仅在 Error 状态下非空
}

// EventKind 区分连接事件
type EventKind string

const (
	EventState     EventKind = "state"
	EventData      EventKind = "data"
	EventError     EventKind = "error"
	EventShellExit EventKind = "shell-exit"
	EventClose     EventKind = "close"
)

// Event 是连接上发生的事件，同一连接的事件按发生顺序投递
type Event struct {
	Kind   EventKind
	ConnID string
	At     time.Time

	State State // EventState: 新状态
	Prev  State // EventState: 旧状态
	Data  []byte
	Err   error
}

// CloseHook 在主动断开连接、关闭子通道之前调用，
// 返回的 wait 在子通道关闭之后调用，用于等待依附于该连接的工作结束
type CloseHook func(connID string) (wait func(ctx context.Context))
