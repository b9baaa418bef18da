// Package channel 定义会话层所依赖的安全通道能力。
//
// Provider 建立经过认证与加密的字节流 (Stream)，Stream 之上再复用出交互式 Shell
// 通道与文件操作通道。pkg/ssh 与 pkg/sftp 提供基于 SSH/SFTP 的实现，
// internal/fakeremote 提供测试用的内存实现。
package channel

import (
	"context"
	"io"
	"io/fs"
	"net"
	"strconv"
)

// Endpoint 描述一个远程端点
type Endpoint struct {
	Host string
	Port int
	// Via 非空时经由该 Stream 转发建立连接 (跳板机)
	Via Stream
}

// Addr 返回 host:port
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Provider 负责建立到远程主机的安全字节流。
// 失败时返回的错误应当已按 errs.Kind 分类 (认证失败、不可达、超时、协议错误)
type Provider interface {
	OpenStream(ctx context.Context, ep Endpoint, credentialRef string) (Stream, error)
}

// Stream 是一条已认证的连接
type Stream interface {
	// OpenShell 打开交互式终端通道
	OpenShell(ctx context.Context, size WindowSize) (Shell, error)
	// OpenFiles 打开文件操作通道，子通道额度耗尽时返回 ChannelLimitExceeded
	OpenFiles(ctx context.Context) (Files, error)
	// Dial 通过本连接转发 TCP 连接，用于跳板
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
	// Done 在连接关闭 (主动或意外) 后关闭
	Done() <-chan struct{}
	// Err 返回连接意外断开的原因，主动关闭或仍存活时返回 nil
	Err() error
	Close() error
}

// WindowSize 终端尺寸
type WindowSize struct {
	Cols int
	Rows int
}

// Shell 是交互式终端通道，Read 读取远程输出，Write 写入用户输入
type Shell interface {
	io.ReadWriteCloser
	Resize(size WindowSize) error
}

// Files 是文件操作通道
type Files interface {
	Stat(path string) (fs.FileInfo, error)
	ReadDir(path string) ([]fs.FileInfo, error)
	Getwd() (string, error)
	Mkdir(path string) error
	// Remove 删除文件或空目录
	Remove(path string) error
	// OpenReader 从 offset 处开始读取远程文件
	OpenReader(path string, offset int64) (io.ReadCloser, error)
	// OpenWriter 从 offset 处开始写入远程文件，offset 为 0 时截断已有内容
	OpenWriter(path string, offset int64) (io.WriteCloser, error)
	Close() error
}
