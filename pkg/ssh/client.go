package ssh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/config"
	"github.com/wentf9/xops-remote/pkg/errs"
	"github.com/wentf9/xops-remote/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Client 是一条已认证的 SSH 连接，实现 channel.Stream
type Client struct {
	raw         *ssh.Client
	jump        channel.Stream // 跳板连接，随本连接一起关闭
	maxChannels int32
	open        atomic.Int32
	closing     atomic.Bool
	done        chan struct{}
	once        sync.Once
	mu          sync.Mutex
	err         error
	logger      *slog.Logger
}

var _ channel.Stream = (*Client)(nil)

func newClient(raw *ssh.Client, jump channel.Stream, opts config.ConnectConfig, logger *slog.Logger) *Client {
	c := &Client{
		raw:         raw,
		jump:        jump,
		maxChannels: int32(opts.MaxChannels),
		done:        make(chan struct{}),
		logger:      logger,
	}
	go func() {
		err := raw.Wait()
		if c.closing.Load() {
			err = nil
		}
		c.finish(err)
	}()
	if jump != nil {
		go func() {
			select {
			case <-jump.Done():
				c.fail(errors.New("jump host connection lost"))
			case <-c.done:
			}
		}()
	}
	if opts.KeepAliveInterval > 0 {
		go c.keepAlive(opts.KeepAliveInterval)
	}
	return c
}

// SSHClient 暴露底层的 ssh.Client (供高级操作使用)
func (c *Client) SSHClient() *ssh.Client {
	return c.raw
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close 主动关闭连接，Err 保持为 nil
func (c *Client) Close() error {
	c.closing.Store(true)
	err := c.raw.Close()
	c.finish(nil)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// fail 以 cause 为原因关闭连接
func (c *Client) fail(cause error) {
	c.finish(cause)
	_ = c.raw.Close()
}

func (c *Client) finish(cause error) {
	c.once.Do(func() {
		if cause != nil {
			c.mu.Lock()
			c.err = errs.Wrap(errs.KindConnectionClosed, "stream", cause)
			c.mu.Unlock()
			c.logger.Warn("ssh connection lost", "error", cause)
		}
		close(c.done)
		if c.jump != nil {
			_ = c.jump.Close()
		}
	})
}

// acquire 占用一个子通道额度，返回的 release 可重复调用
func (c *Client) acquire(op string) (release func(), err error) {
	select {
	case <-c.done:
		return nil, errs.New(errs.KindConnectionClosed, op, "connection is closed")
	default:
	}
	if n := c.open.Add(1); c.maxChannels > 0 && n > c.maxChannels {
		c.open.Add(-1)
		return nil, errs.New(errs.KindChannelLimitExceeded, op, "%d channels already open", c.maxChannels)
	}
	var once sync.Once
	return func() { once.Do(func() { c.open.Add(-1) }) }, nil
}

// classifyOpen 将打开子通道的错误分类，服务端资源不足视为额度耗尽
func (c *Client) classifyOpen(op string, err error) error {
	var oce *ssh.OpenChannelError
	if errors.As(err, &oce) {
		if oce.Reason == ssh.ResourceShortage {
			return errs.Wrap(errs.KindChannelLimitExceeded, op, err)
		}
		return errs.Wrap(errs.KindProtocol, op, err)
	}
	select {
	case <-c.done:
		return errs.Wrap(errs.KindConnectionClosed, op, err)
	default:
	}
	return errs.FromNetwork(op, err, errs.KindProtocol)
}

// OpenShell 打开带 PTY 的交互式终端
func (c *Client) OpenShell(ctx context.Context, size channel.WindowSize) (channel.Shell, error) {
	release, err := c.acquire("open shell")
	if err != nil {
		return nil, err
	}
	session, err := c.raw.NewSession()
	if err != nil {
		release()
		return nil, c.classifyOpen("open shell", err)
	}
	sh, err := startShell(session, size)
	if err != nil {
		_ = session.Close()
		release()
		return nil, c.classifyOpen("open shell", err)
	}
	sh.release = release
	return sh, nil
}

// OpenFiles 在连接上打开一个 SFTP 子系统
func (c *Client) OpenFiles(ctx context.Context) (channel.Files, error) {
	release, err := c.acquire("open files")
	if err != nil {
		return nil, err
	}
	files, err := sftp.NewFiles(c.raw, release)
	if err != nil {
		release()
		return nil, c.classifyOpen("open files", err)
	}
	return files, nil
}

// Dial 经由本连接转发 TCP 连接
func (c *Client) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return dialContext(ctx, c.raw.Dial, network, addr)
}

type shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	release func()
	once    sync.Once
}

func startShell(session *ssh.Session, size channel.WindowSize) (*shell, error) {
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if size.Cols <= 0 || size.Rows <= 0 {
		size = channel.WindowSize{Cols: 80, Rows: 40}
	}
	if err := session.RequestPty("xterm-256color", size.Rows, size.Cols, modes); err != nil {
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, err
	}
	// PTY 模式下远端已合并 stderr
	if err := session.Shell(); err != nil {
		return nil, err
	}
	return &shell{session: session, stdin: stdin, stdout: stdout}, nil
}

func (s *shell) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *shell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *shell) Resize(size channel.WindowSize) error {
	return s.session.WindowChange(size.Rows, size.Cols)
}

func (s *shell) Close() error {
	var err error
	s.once.Do(func() {
		err = s.session.Close()
		if s.release != nil {
			s.release()
		}
	})
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
