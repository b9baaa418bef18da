package transfer

import (
	"fmt"
	"time"

	"github.com/wentf9/xops-remote/pkg/config"
	"github.com/wentf9/xops-remote/pkg/errs"
)

// RetryPolicy 将工作协程的失败分为瞬时与致命两类，并给出退避时长
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewRetryPolicy 从配置创建重试策略，config.NoRetry 对应 0 次重试
func NewRetryPolicy(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{MaxAttempts: max(c.MaxAttempts, 0), BaseDelay: c.BaseDelay, MaxDelay: c.MaxDelay}
}

// Decision 是一次失败的处理结论
type Decision struct {
	Retry bool
	Delay time.Duration
	// Err 是分类后的错误，放弃重试时包含已尝试的次数
	Err error
}

// Decide 根据已重试次数与错误决定重试还是终止
func (p RetryPolicy) Decide(attempts int, err error) Decision {
	kind := errs.KindOf(err)
	if kind == errs.KindUnknown {
		err = errs.Wrap(errs.KindUnknown, "transfer", err)
	}
	if !errs.Retryable(kind) {
		return Decision{Err: err}
	}
	if attempts >= p.MaxAttempts {
		return Decision{Err: errs.Wrap(kind, "retry", fmt.Errorf("giving up after %d attempts: %w", attempts, err))}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempts), Err: err}
}

// Backoff 返回第 attempt 次重试前的等待时长：base * 2^attempt，不超过 MaxDelay
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	return min(d, p.MaxDelay)
}
