// Package errs 定义会话与传输引擎的错误分类体系。
// 所有对外接口返回的错误都可以通过 KindOf 得到一个确定的 Kind。
package errs

import (
	"errors"
	"fmt"
)

// Kind 表示一类错误条件，字符串形式便于日志与序列化
type Kind string

const (
	// 连接建立阶段

	KindAuthFailure        Kind = "auth-failure"
	KindNetworkUnreachable Kind = "network-unreachable"
	KindTimeout            Kind = "timeout"
	KindProtocol           Kind = "protocol-error"
	KindInvalidArgument    Kind = "invalid-argument" // 连接参数缺失或非法

	// 通道与连接状态

	KindChannelLimitExceeded Kind = "channel-limit-exceeded"
	KindNotConnected         Kind = "not-connected"
	KindConnectionClosed     Kind = "connection-closed"

	// 传输任务

	KindInvalidTask      Kind = "invalid-task"
	KindPermissionDenied Kind = "permission-denied"
	KindPathNotFound     Kind = "path-not-found"
	KindLocalIO          Kind = "local-io-error"
	KindCancelled        Kind = "cancelled"

	KindUnknown Kind = "unknown"
)

// Error 是带分类的错误
type Error struct {
	Kind Kind
	Op   string // 出错的操作，如 "connect" "open file channel"
	Err  error  // 原始错误，可为空
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, &Error{Kind: k}) 可以按分类匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// New 创建一个不带原始错误的分类错误
func New(kind Kind, op string, format string, args ...any) *Error {
	var err error
	if format != "" {
		err = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap 为 err 附加分类；err 为空时返回 nil
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 返回错误链上第一个分类，未分类的错误返回 KindUnknown
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is 判断 err 是否属于 kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Sentinel 返回只用于 errors.Is 比较的分类错误
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// Retryable 报告该类错误是否属于可重试的瞬时故障
func Retryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindConnectionClosed, KindChannelLimitExceeded,
		KindNotConnected, KindNetworkUnreachable:
		return true
	}
	return false
}
