package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/wentf9/xops-remote/cmd/utils"
	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/transfer"
)

type CpOptions struct {
	SshOptions
	Priority int

	target    string
	direction transfer.Direction
	sources   []string
	dest      string
}

func NewCmdCp() *cobra.Command {
	o := &CpOptions{}
	cmd := &cobra.Command{
		Use:   "cp <源路径>... <目标路径>",
		Short: "在本地与远程主机之间复制文件",
		Long: `在本地与远程主机之间复制文件,远程路径写作 [user@]host[:port]:path 或 别名:path。
源与目标必须一端是本地,另一端是远程;多个源文件时目标必须是目录。
每个文件作为一个传输任务进入队列,网络中断时自动重试并从断点继续。
用法示例:
xops cp ./app.tar web:/opt/releases/
xops cp root@10.0.0.5:/var/log/syslog ./logs/
xops cp a.txt b.txt web:/tmp`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(args); err != nil {
				return fmt.Errorf("参数错误: %v", err)
			}
			return o.Run(cmd.Context())
		},
	}
	o.AddFlags(cmd)
	cmd.Flags().IntVar(&o.Priority, "priority", 0, "任务优先级,数值越大越先开始")
	return cmd
}

// Complete 识别传输方向，并从远程路径中取出目标主机
func (o *CpOptions) Complete(args []string) error {
	srcs, dst := args[:len(args)-1], args[len(args)-1]
	dstTarget, dstPath, dstRemote := utils.SplitRemote(dst)

	var srcTarget string
	remoteSrcs := 0
	for _, s := range srcs {
		target, p, remote := utils.SplitRemote(s)
		if !remote {
			o.sources = append(o.sources, p)
			continue
		}
		if srcTarget != "" && target != srcTarget {
			return errors.New("所有远程源文件必须位于同一台主机")
		}
		srcTarget = target
		remoteSrcs++
		o.sources = append(o.sources, p)
	}

	switch {
	case dstRemote && remoteSrcs == 0:
		o.direction, o.target = transfer.Upload, dstTarget
	case !dstRemote && remoteSrcs == len(srcs):
		o.direction, o.target = transfer.Download, srcTarget
	case dstRemote:
		return errors.New("不支持在两台远程主机之间复制")
	default:
		return errors.New("源与目标必须一端是本地,一端是远程")
	}
	o.dest = dstPath
	if o.direction == transfer.Download {
		abs, err := filepath.Abs(dstPath)
		if err != nil {
			return err
		}
		o.dest = abs
	} else {
		for i, s := range o.sources {
			abs, err := filepath.Abs(s)
			if err != nil {
				return err
			}
			o.sources[i] = abs
		}
	}
	return o.fill(o.target)
}

func (o *CpOptions) Run(ctx context.Context) error {
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

	descs, err := o.plan(ctx, r)
	if err != nil {
		return err
	}
	return runTransfers(ctx, r, descs)
}

// plan 把源路径展开为传输描述，目标是目录时在其下沿用源文件名
func (o *CpOptions) plan(ctx context.Context, r *remote) ([]transfer.Descriptor, error) {
	intoDir, err := o.destIsDir(ctx, r)
	if err != nil {
		return nil, err
	}
	if len(o.sources) > 1 && !intoDir {
		return nil, fmt.Errorf("目标 %s 不是目录", o.dest)
	}

	descs := make([]transfer.Descriptor, 0, len(o.sources))
	for _, src := range o.sources {
		d := transfer.Descriptor{ConnID: r.connID, Direction: o.direction, Priority: o.Priority}
		if o.direction == transfer.Upload {
			d.LocalPath, d.RemotePath = src, o.dest
			if intoDir {
				d.RemotePath = path.Join(o.dest, filepath.Base(src))
			}
		} else {
			d.RemotePath, d.LocalPath = src, o.dest
			if intoDir {
				d.LocalPath = filepath.Join(o.dest, path.Base(src))
			}
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func (o *CpOptions) destIsDir(ctx context.Context, r *remote) (bool, error) {
	if o.direction == transfer.Download {
		if strings.HasSuffix(o.dest, string(filepath.Separator)) {
			return true, nil
		}
		info, err := os.Stat(o.dest)
		return err == nil && info.IsDir(), nil
	}
	if o.dest == "" || strings.HasSuffix(o.dest, "/") {
		return true, nil
	}
	files, err := r.eng.Files(ctx, r.connID)
	if err != nil {
		return false, err
	}
	defer files.Close()
	info, err := files.Stat(o.dest)
	return err == nil && info.IsDir(), nil
}

// runTransfers 提交任务并以一条汇总进度条展示，全部进入终态后返回
func runTransfers(ctx context.Context, r *remote, descs []transfer.Descriptor) error {
	var (
		mu       sync.Mutex
		done     = make(chan struct{})
		finished = 0
		sent     = map[string]int64{}
		totals   = map[string]int64{}
		failures []string
	)
	bar := progressbar.DefaultBytes(-1, "传输中")

	ids := make(map[string]transfer.Descriptor, len(descs))
	r.eng.OnProgress(func(ev transfer.Event) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := ids[ev.TaskID]; !ok {
			return
		}
		sent[ev.TaskID] = ev.Progress.Transferred
		if ev.Progress.Total > 0 && totals[ev.TaskID] != ev.Progress.Total {
			totals[ev.TaskID] = ev.Progress.Total
			if len(totals) == len(ids) {
				bar.ChangeMax64(sum(totals))
			}
		}
		_ = bar.Set64(sum(sent))
	})
	r.eng.OnTaskState(func(ev transfer.Event) {
		mu.Lock()
		defer mu.Unlock()
		d, ok := ids[ev.TaskID]
		if !ok {
			return
		}
		switch {
		case ev.Kind == transfer.EventRetry:
			bar.Describe(fmt.Sprintf("重试 %s (第%d次, %v 后)", taskName(d), ev.Attempt, ev.Delay))
		case ev.State == transfer.StateActive:
			bar.Describe("传输中")
		case ev.State.Terminal():
			if ev.State == transfer.StateFailed {
				failures = append(failures, fmt.Sprintf("%s: %v", taskName(d), ev.Err))
			}
			finished++
			if finished == len(ids) {
				close(done)
			}
		}
	})

	mu.Lock()
	for _, d := range descs {
		id, err := r.eng.Enqueue(d)
		if err != nil {
			mu.Unlock()
			return fmt.Errorf("提交任务失败: %v", err)
		}
		ids[id] = d
	}
	mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\n已中断,未完成的任务已暂停")
		return ctx.Err()
	}
	_ = bar.Finish()
	fmt.Println()

	mu.Lock()
	defer mu.Unlock()
	if len(failures) > 0 {
		for _, f := range failures {
			fmt.Fprintln(os.Stderr, f)
		}
		return fmt.Errorf("%d 个文件传输失败", len(failures))
	}
	fmt.Printf("%d 个文件传输完成\n", len(ids))
	return nil
}

func taskName(d transfer.Descriptor) string {
	if d.Direction == transfer.Upload {
		return d.LocalPath
	}
	return d.RemotePath
}

func sum(m map[string]int64) int64 {
	var n int64
	for _, v := range m {
		n += v
	}
	return n
}

func init() {
	rootCmd.AddCommand(NewCmdCp())
}
