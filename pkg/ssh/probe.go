package ssh

import (
	"context"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Prober 判断主机在网络层是否可达
type Prober interface {
	Reachable(ctx context.Context, host string) bool
}

// ICMPProber 使用 ICMP echo 探测主机。
// 在 Linux/macOS 上 Privileged 模式需要 root 权限，非特权模式依赖 ping_group_range
type ICMPProber struct {
	Count      int
	Timeout    time.Duration
	Privileged bool
}

// NewICMPProber 创建默认参数的探测器：2 个包，2 秒超时
func NewICMPProber() *ICMPProber {
	return &ICMPProber{Count: 2, Timeout: 2 * time.Second}
}

// Reachable 收到任意回包即认为可达。探测本身出错时无法下结论，按可达处理
func (p *ICMPProber) Reachable(ctx context.Context, host string) bool {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		// 域名解析失败说明确实不可达
		return false
	}
	pinger.SetPrivileged(p.Privileged)
	pinger.Count = p.Count
	pinger.Interval = 200 * time.Millisecond
	pinger.Timeout = p.Timeout
	if err := pinger.RunWithContext(ctx); err != nil {
		return true
	}
	return pinger.Statistics().PacketsRecv > 0
}
