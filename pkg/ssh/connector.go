// Package ssh 基于 golang.org/x/crypto/ssh 实现 channel.Provider
package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/config"
	"github.com/wentf9/xops-remote/pkg/errs"
	"github.com/wentf9/xops-remote/pkg/logger"
	"github.com/wentf9/xops-remote/pkg/models"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Connector 负责创建 SSH 连接，连接的生命周期由调用方 (会话层) 管理
type Connector struct {
	Config config.ConfigProvider
	opts   config.ConnectConfig
	prober Prober
	logger *slog.Logger
}

// Option 定义 Connector 的配置函数
type Option func(*Connector)

// WithProber 替换拨号超时后使用的可达性探测器
func WithProber(p Prober) Option {
	return func(c *Connector) { c.prober = p }
}

// WithLogger 指定日志输出
func WithLogger(l *slog.Logger) Option {
	return func(c *Connector) { c.logger = l }
}

// NewConnector 创建一个新的 Connector
func NewConnector(cfg config.ConfigProvider, opts config.ConnectConfig, options ...Option) *Connector {
	c := &Connector{
		Config: cfg,
		opts:   opts,
		logger: logger.Component("ssh"),
	}
	if opts.ProbeOnTimeout {
		c.prober = NewICMPProber()
	}
	for _, o := range options {
		o(c)
	}
	return c
}

var _ channel.Provider = (*Connector)(nil)

// OpenStream 根据凭据引用建立 SSH 连接。
// ep.Via 为空且节点配置了 ProxyJump 时，先递归连接跳板机，跳板连接随目标连接一起关闭
func (c *Connector) OpenStream(ctx context.Context, ep channel.Endpoint, credentialRef string) (channel.Stream, error) {
	resolved, err := c.Config.Resolve(credentialRef)
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthFailure, "resolve credentials", err)
	}
	sshConfig, err := c.buildSSHConfig(resolved.Identity)
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthFailure, "build ssh config", err)
	}

	var dialer Dialer = &net.Dialer{}
	var jump channel.Stream
	switch {
	case ep.Via != nil:
		dialer = &SSHProxyDialer{Stream: ep.Via}
	case resolved.Node.ProxyJump != "":
		jr, err := c.Config.Resolve(resolved.Node.ProxyJump)
		if err != nil {
			return nil, errs.Wrap(errs.KindAuthFailure, "resolve jump host", err)
		}
		jump, err = c.OpenStream(ctx, channel.Endpoint{Host: jr.Host.Address, Port: jr.Host.Port}, jr.NodeID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to jump host '%s': %w", resolved.Node.ProxyJump, err)
		}
		dialer = &SSHProxyDialer{Stream: jump}
	}

	stream, err := c.handshake(ctx, dialer, ep, sshConfig, jump)
	if err != nil {
		if jump != nil {
			_ = jump.Close()
		}
		return nil, err
	}
	c.logger.Debug("ssh connected", "addr", ep.Addr(), "node", resolved.NodeID, "user", resolved.Identity.User)
	return stream, nil
}

func (c *Connector) handshake(ctx context.Context, dialer Dialer, ep channel.Endpoint, sshConfig *ssh.ClientConfig, jump channel.Stream) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	addr := ep.Addr()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, c.classifyDial(ctx, ep, err)
	}

	// 握手阶段同样受超时与取消约束
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	interrupted := !stop()
	if err != nil {
		_ = conn.Close()
		if interrupted {
			err = errors.Join(err, ctx.Err())
		}
		return nil, classifyHandshake(err)
	}
	_ = conn.SetDeadline(time.Time{})

	return newClient(ssh.NewClient(ncc, chans, reqs), jump, c.opts, c.logger.With("addr", addr)), nil
}

// classifyDial 区分超时与网络不可达，开启探测时对超时做一次 ICMP 确认
func (c *Connector) classifyDial(ctx context.Context, ep channel.Endpoint, err error) error {
	err = errs.FromNetwork("dial", err, errs.KindNetworkUnreachable)
	switch errs.KindOf(err) {
	case errs.KindTimeout:
		if c.prober != nil {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
			defer cancel()
			if !c.prober.Reachable(pctx, ep.Host) {
				return errs.Wrap(errs.KindNetworkUnreachable, "dial", err)
			}
		}
		return err
	case errs.KindConnectionClosed:
		return errs.Wrap(errs.KindNetworkUnreachable, "dial", err)
	}
	return err
}

// classifyHandshake 将握手错误归类为认证失败、超时或协议错误
func classifyHandshake(err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") {
		return errs.Wrap(errs.KindAuthFailure, "handshake", err)
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return errs.Wrap(errs.KindAuthFailure, "handshake", err)
	}
	err = errs.FromNetwork("handshake", err, errs.KindProtocol)
	switch errs.KindOf(err) {
	case errs.KindTimeout, errs.KindProtocol, errs.KindCancelled:
		return err
	}
	// 握手中途断开通常是对端拒绝了协议协商
	return errs.Wrap(errs.KindProtocol, "handshake", err)
}

// buildSSHConfig 根据 Identity 模型构建 ssh.ClientConfig
func (c *Connector) buildSSHConfig(id models.Identity) (*ssh.ClientConfig, error) {
	auth, err := authFor(id)
	if err != nil {
		return nil, err
	}
	method, err := auth.GetMethod()
	if err != nil {
		return nil, err
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.opts.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(expandHomeDir(c.opts.KnownHosts))
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            id.User,
		Auth:            []ssh.AuthMethod{method},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.opts.Timeout,
	}, nil
}
