package ssh

import (
	"context"
	"net"

	"github.com/wentf9/xops-remote/pkg/channel"
)

// Dialer 统一 "直连" 和 "通过 SSH 跳板机连接" 的拨号行为
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// SSHProxyDialer 通过一条已建立的连接转发流量，用于跳板机
type SSHProxyDialer struct {
	Stream channel.Stream
}

func (s *SSHProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return s.Stream.Dial(ctx, network, addr)
}

// dialContext 为不支持 Context 的 ssh.Client.Dial 补上取消能力
func dialContext(ctx context.Context, dial func(network, addr string) (net.Conn, error), network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dial(network, addr)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		// 拨号最终成功时关闭多余的连接
		go func() {
			if res := <-ch; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		return res.conn, res.err
	}
}
