package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"

	"github.com/wentf9/xops-remote/cmd/utils"
	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/transfer"
)

// sftpShell 是交互式文件浏览环境，get/put 通过引擎的传输队列执行
type sftpShell struct {
	r      *remote
	files  channel.Files // 浏览用的文件通道
	cwd    string        // 远程当前目录
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	jobs []string // 本次会话提交的任务，序号从 1 开始
}

func newSftpShell(r *remote, files channel.Files, stdin io.Reader, stdout, stderr io.Writer) *sftpShell {
	cwd, err := files.Getwd()
	if err != nil {
		cwd = "."
	}
	return &sftpShell{r: r, files: files, cwd: cwd, stdin: stdin, stdout: stdout, stderr: stderr}
}

// Run 启动交互式循环 (REPL)
func (s *sftpShell) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.stdin)
	s.printPrompt()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			s.printPrompt()
			continue
		}

		args := strings.Fields(line)
		cmd := args[0]
		params := args[1:]

		switch cmd {
		case "exit", "quit", "bye":
			return nil
		case "help", "?":
			s.printHelp()
		case "pwd":
			fmt.Fprintln(s.stdout, s.cwd)
		case "lpwd":
			wd, _ := os.Getwd()
			fmt.Fprintln(s.stdout, wd)
		case "ls", "ll":
			s.handleLs(params)
		case "lls":
			s.handleLocalLs(params)
		case "cd":
			s.handleCd(params)
		case "lcd":
			s.handleLocalCd(params)
		case "mkdir":
			s.handleMkdir(params)
		case "rm":
			s.handleRm(params)
		case "get":
			s.handleGet(ctx, params)
		case "put":
			s.handlePut(ctx, params)
		case "jobs":
			s.handleJobs()
		case "pause":
			s.handleJob(params, "pause", func(id string) error { return s.r.eng.Pause(ctx, id) })
		case "resume":
			s.handleJob(params, "resume", s.r.eng.Resume)
		case "cancel":
			s.handleJob(params, "cancel", func(id string) error { return s.r.eng.Cancel(ctx, id) })
		case "clear":
			s.handleClear()
		default:
			fmt.Fprintf(s.stderr, "未知命令: %s (输入 help 查看可用命令)\n", cmd)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.printPrompt()
	}
	return scanner.Err()
}

// ================= 命令处理逻辑 =================

func (s *sftpShell) printPrompt() {
	fmt.Fprintf(s.stdout, "sftp:%s> ", s.cwd)
}

func (s *sftpShell) resolvePath(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(s.cwd, p)
}

func (s *sftpShell) handleCd(args []string) {
	if len(args) == 0 {
		return
	}
	target := s.resolvePath(args[0])

	info, err := s.files.Stat(target)
	if err != nil {
		fmt.Fprintf(s.stderr, "cd: %v\n", err)
		return
	}
	if !info.IsDir() {
		fmt.Fprintf(s.stderr, "cd: '%s' 不是目录\n", args[0])
		return
	}
	s.cwd = target
}

func (s *sftpShell) handleLocalCd(args []string) {
	if len(args) == 0 {
		return
	}
	if err := os.Chdir(args[0]); err != nil {
		fmt.Fprintf(s.stderr, "lcd: %v\n", err)
	}
}

func (s *sftpShell) handleLs(args []string) {
	p := s.cwd
	if len(args) > 0 {
		p = s.resolvePath(args[0])
	}

	entries, err := s.files.ReadDir(p)
	if err != nil {
		fmt.Fprintf(s.stderr, "ls: %v\n", err)
		return
	}

	w := tabwriter.NewWriter(s.stdout, 0, 0, 1, ' ', 0)
	for _, f := range entries {
		name := f.Name()
		if f.IsDir() {
			name += "/"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Mode(), utils.FormatBytes(f.Size()), f.ModTime().Format("Jan 02 15:04"), name)
	}
	_ = w.Flush()
}

func (s *sftpShell) handleLocalLs(args []string) {
	p := "."
	if len(args) > 0 {
		p = args[0]
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		fmt.Fprintf(s.stderr, "lls: %v\n", err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintln(s.stdout, name)
	}
}

func (s *sftpShell) handleMkdir(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.stderr, "用法: mkdir <路径>")
		return
	}
	if err := s.files.Mkdir(s.resolvePath(args[0])); err != nil {
		fmt.Fprintf(s.stderr, "mkdir: %v\n", err)
	}
}

func (s *sftpShell) handleRm(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.stderr, "用法: rm <路径>")
		return
	}
	if err := s.files.Remove(s.resolvePath(args[0])); err != nil {
		fmt.Fprintf(s.stderr, "rm: %v\n", err)
	}
}

// background 去掉末尾的 & 并报告是否需要后台执行
func background(args []string) ([]string, bool) {
	if n := len(args); n > 0 && args[n-1] == "&" {
		return args[:n-1], true
	}
	return args, false
}

func (s *sftpShell) handleGet(ctx context.Context, args []string) {
	args, bg := background(args)
	if len(args) < 1 {
		fmt.Fprintln(s.stderr, "用法: get <远程文件> [本地路径] [&]")
		return
	}
	remotePath := s.resolvePath(args[0])
	local := path.Base(remotePath)
	if len(args) > 1 {
		local = args[1]
	}
	if info, err := os.Stat(local); err == nil && info.IsDir() {
		local = filepath.Join(local, path.Base(remotePath))
	}
	abs, err := filepath.Abs(local)
	if err != nil {
		fmt.Fprintf(s.stderr, "get: %v\n", err)
		return
	}

	fmt.Fprintf(s.stdout, "下载 %s -> %s\n", remotePath, abs)
	s.submit(ctx, transfer.Descriptor{
		ConnID:     s.r.connID,
		Direction:  transfer.Download,
		RemotePath: remotePath,
		LocalPath:  abs,
	}, bg)
}

func (s *sftpShell) handlePut(ctx context.Context, args []string) {
	args, bg := background(args)
	if len(args) < 1 {
		fmt.Fprintln(s.stderr, "用法: put <本地文件> [远程路径] [&]")
		return
	}
	local, err := filepath.Abs(args[0])
	if err != nil {
		fmt.Fprintf(s.stderr, "put: %v\n", err)
		return
	}
	remotePath := path.Join(s.cwd, filepath.Base(local))
	if len(args) > 1 {
		remotePath = s.resolvePath(args[1])
		if info, err := s.files.Stat(remotePath); err == nil && info.IsDir() {
			remotePath = path.Join(remotePath, filepath.Base(local))
		}
	}

	fmt.Fprintf(s.stdout, "上传 %s -> %s\n", local, remotePath)
	s.submit(ctx, transfer.Descriptor{
		ConnID:     s.r.connID,
		Direction:  transfer.Upload,
		LocalPath:  local,
		RemotePath: remotePath,
	}, bg)
}

// submit 提交任务，前台任务显示进度条并等待其结束或暂停
func (s *sftpShell) submit(ctx context.Context, d transfer.Descriptor, bg bool) {
	id, err := s.r.eng.Enqueue(d)
	if err != nil {
		fmt.Fprintf(s.stderr, "提交任务失败: %v\n", err)
		return
	}
	s.jobs = append(s.jobs, id)
	if bg {
		fmt.Fprintf(s.stdout, "[%d] 已在后台执行\n", len(s.jobs))
		return
	}

	bar := progressbar.DefaultBytes(-1, "传输中")
	var once sync.Once
	settled := make(chan transfer.Task, 1)
	settle := func() {
		if t, err := s.r.eng.Task(id); err == nil && (t.State.Terminal() || t.State == transfer.StatePaused) {
			once.Do(func() { settled <- t })
		}
	}
	sub := s.r.eng.SubscribeTask(id, func(ev transfer.Event) {
		switch ev.Kind {
		case transfer.EventProgress:
			if ev.Progress.Total > 0 {
				bar.ChangeMax64(ev.Progress.Total)
			}
			_ = bar.Set64(ev.Progress.Transferred)
		case transfer.EventRetry:
			bar.Describe(fmt.Sprintf("重试 (第%d次, %v 后)", ev.Attempt, ev.Delay))
		case transfer.EventState:
			settle()
		}
	})
	defer sub.Unsubscribe()
	// 订阅之前任务可能已经结束
	settle()

	var t transfer.Task
	select {
	case t = <-settled:
	case <-ctx.Done():
		return
	}
	_ = bar.Finish()
	fmt.Fprintln(s.stdout)
	switch t.State {
	case transfer.StateCompleted:
		fmt.Fprintln(s.stdout, "传输完成")
	case transfer.StatePaused:
		fmt.Fprintf(s.stdout, "[%d] 已暂停\n", len(s.jobs))
	default:
		fmt.Fprintf(s.stderr, "传输失败: %v\n", t.Error)
	}
}

func (s *sftpShell) handleJobs() {
	w := tabwriter.NewWriter(s.stdout, 0, 0, 2, ' ', 0)
	for i, id := range s.jobs {
		t, err := s.r.eng.Task(id)
		if err != nil {
			continue
		}
		name := t.RemotePath
		if t.Direction == transfer.Upload {
			name = t.LocalPath
		}
		progress := fmt.Sprintf("%s/%s", utils.FormatBytes(t.Progress.Transferred), utils.FormatBytes(t.Progress.Total))
		if t.Progress.Total > 0 {
			progress += fmt.Sprintf(" (%d%%)", t.Progress.Percentage)
		}
		status := string(t.State)
		if t.State == transfer.StateFailed && t.Error != nil {
			status += ": " + t.Error.Error()
		}
		fmt.Fprintf(w, "[%d]\t%s\t%s\t%s\t%s\n", i+1, t.Direction, name, progress, status)
	}
	_ = w.Flush()
}

// handleJob 按序号对任务执行暂停、恢复或取消
func (s *sftpShell) handleJob(args []string, op string, fn func(id string) error) {
	if len(args) < 1 {
		fmt.Fprintf(s.stderr, "用法: %s <任务序号>\n", op)
		return
	}
	n, err := strconv.Atoi(strings.TrimPrefix(args[0], "%"))
	if err != nil || n < 1 || n > len(s.jobs) {
		fmt.Fprintf(s.stderr, "%s: 无效的任务序号 %s\n", op, args[0])
		return
	}
	if err := fn(s.jobs[n-1]); err != nil {
		fmt.Fprintf(s.stderr, "%s: %v\n", op, err)
	}
}

// handleClear 移除已结束的任务记录，序号保持不变
func (s *sftpShell) handleClear() {
	for _, id := range s.jobs {
		if t, err := s.r.eng.Task(id); err == nil && t.State.Terminal() {
			_ = s.r.eng.Acknowledge(id)
		}
	}
}

func (s *sftpShell) printHelp() {
	help := `
可用命令:
  cd <path>     切换远程目录
  lcd <path>    切换本地目录
  pwd           显示远程当前目录
  lpwd          显示本地当前目录
  ls [path]     列出远程文件
  lls [path]    列出本地文件
  get <remote> [local] [&]  下载文件,末尾加 & 在后台执行
  put <local> [remote] [&]  上传文件,末尾加 & 在后台执行
  jobs          列出本次会话的传输任务
  pause <n>     暂停任务
  resume <n>    恢复已暂停的任务
  cancel <n>    取消任务
  clear         清除已结束的任务
  mkdir <path>  创建远程目录
  rm <path>     删除远程文件或空目录
  exit/quit     退出
`
	fmt.Fprintln(s.stdout, help)
}
