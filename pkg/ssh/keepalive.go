package ssh

import (
	"errors"
	"time"
)

var errKeepAliveTimeout = errors.New("keepalive: no reply from server")

// keepAlive 定期向服务器发送 keepalive@openssh.com 请求，
// 请求失败或在一个周期内没有回复时关闭连接并记录原因
func (c *Client) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		reply := make(chan error, 1)
		go func() {
			// wantReply = true: 服务器挂了或网络断了 SendRequest 会报错
			_, _, err := c.raw.SendRequest("keepalive@openssh.com", true, nil)
			reply <- err
		}()

		var err error
		select {
		case <-c.done:
			return
		case err = <-reply:
		case <-time.After(interval):
			err = errKeepAliveTimeout
		}
		if err != nil {
			c.logger.Warn("keepalive failed, closing connection", "error", err)
			c.fail(err)
			return
		}
	}
}
