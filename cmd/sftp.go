package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wentf9/xops-remote/pkg/channel"
)

type SftpOptions struct {
	SshOptions
	args []string
}

func NewCmdSftp() *cobra.Command {
	o := &SftpOptions{}
	cmd := &cobra.Command{
		Use:   "sftp [user@]host[:port]",
		Short: "交互式 SFTP 文件管理",
		Long: `通过SFTP连接到指定主机并进入交互式环境。
支持 ls/cd/get/put/mkdir/rm 等命令,get 与 put 通过传输队列执行,
末尾加 & 可在后台执行,并用 jobs/pause/resume/cancel 管理。
用法示例:
xops sftp user@host[:port]
xops sftp web`,
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

func (o *SftpOptions) Validate() error {
	addr := ""
	if len(o.args) == 1 {
		addr = o.args[0]
	}
	return o.fill(addr)
}

func (o *SftpOptions) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := o.open(ctx, channel.WindowSize{})
	if err != nil {
		return err
	}
	defer r.Close()

	files, err := r.eng.Files(ctx, r.connID)
	if err != nil {
		return fmt.Errorf("打开SFTP通道失败: %v", err)
	}
	defer files.Close()

	fmt.Printf("已连接到 %s\n", r.nodeID)
	return newSftpShell(r, files, os.Stdin, os.Stdout, os.Stderr).Run(ctx)
}

func init() {
	rootCmd.AddCommand(NewCmdSftp())
}
