package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/logger"
	"github.com/wentf9/xops-remote/pkg/session"
)

// resizePollInterval 是轮询本地终端尺寸的间隔
const resizePollInterval = 500 * time.Millisecond

type ShellOptions struct {
	SshOptions
	args []string
}

func NewCmdSsh() *cobra.Command {
	o := &ShellOptions{}
	cmd := &cobra.Command{
		Use:   "ssh [user@]host[:port]",
		Short: "通过SSH连接到指定主机",
		Long: `通过SSH连接到指定主机并提供交互式终端。
用法示例:
xops ssh user@host[:port]
xops ssh web            (使用已保存的别名)
xops ssh -H host -u user
用户和主机为必选参数,端口默认为22
通过flags提供主机和用户信息时会忽略参数提供的信息
如果未通过-w选项显式提供密码或-i选项提供私钥,将会从终端输入密码
成功登录过的主机和凭据会加密保存到配置文件 ~/.xops/config.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.args = args
			if err := o.Validate(); err != nil {
				return fmt.Errorf("参数错误: %v", err)
			}
			return o.Run(cmd.Context())
		},
	}
	o.AddFlags(cmd)
	return cmd
}

func (o *ShellOptions) Validate() error {
	addr := ""
	if len(o.args) == 1 {
		addr = o.args[0]
	}
	return o.fill(addr)
}

func (o *ShellOptions) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fd := int(os.Stdin.Fd())
	r, err := o.open(ctx, terminalSize())
	if err != nil {
		return err
	}
	defer r.Close()

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	var (
		mu   sync.Mutex
		lost error
	)
	r.eng.OnData(r.connID, func(data []byte) { _, _ = os.Stdout.Write(data) })
	r.eng.OnError(r.connID, func(err error) {
		logger.Logger.Debug("shell error", "conn", r.connID, "error", err)
		mu.Lock()
		lost = err
		mu.Unlock()
	})
	r.eng.OnShellExit(r.connID, finish)
	r.eng.OnClose(r.connID, finish)

	sh, err := r.eng.Shell(ctx, r.connID)
	if err != nil {
		return fmt.Errorf("启动交互式终端失败: %v", err)
	}

	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("无法设置终端为raw模式: %v", err)
		}
		defer term.Restore(fd, oldState)
		stop := watchResize(sh)
		defer stop()
	}

	go func() {
		_, _ = io.Copy(sh, os.Stdin)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	defer signal.Stop(sigs)
	select {
	case <-done:
	case <-sigs:
	case <-ctx.Done():
	}
	r.eng.Flush()
	mu.Lock()
	defer mu.Unlock()
	if c, ok := r.eng.Connection(r.connID); ok && c.State != session.StateConnected && lost != nil {
		return fmt.Errorf("连接已断开: %v", lost)
	}
	return nil
}

func terminalSize() channel.WindowSize {
	width, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return channel.WindowSize{Cols: 80, Rows: 40}
	}
	return channel.WindowSize{Cols: width, Rows: height}
}

// watchResize 轮询本地终端尺寸，变化时同步到远程终端
func watchResize(sh interface {
	Resize(channel.WindowSize) error
}) (stop func()) {
	ticker := time.NewTicker(resizePollInterval)
	quit := make(chan struct{})
	last := terminalSize()
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				if size := terminalSize(); size != last {
					last = size
					_ = sh.Resize(size)
				}
			}
		}
	}()
	return func() { close(quit) }
}

func init() {
	rootCmd.AddCommand(NewCmdSsh())
}
