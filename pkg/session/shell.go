package session

import (
	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/errs"
)

// Shell 是连接上交互式终端的句柄，输出通过 Manager.OnData 订阅
type Shell struct {
	m  *Manager
	c  *conn
	ch channel.Shell
}

// active 检查终端仍归属于一个已连接的连接
func (s *Shell) active(op string) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if s.c.state != StateConnected || s.c.closing || s.c.shell != s.ch {
		return errs.New(errs.KindNotConnected, op, "shell of connection '%s' is closed", s.c.id)
	}
	return nil
}

// Write 发送用户输入
func (s *Shell) Write(p []byte) (int, error) {
	if err := s.active("shell write"); err != nil {
		return 0, err
	}
	n, err := s.ch.Write(p)
	if n > 0 {
		s.m.touch(s.c)
	}
	if err != nil {
		return n, errs.FromNetwork("shell write", err, errs.KindUnknown)
	}
	return n, nil
}

// Resize 调整远程终端尺寸
func (s *Shell) Resize(size channel.WindowSize) error {
	if err := s.active("shell resize"); err != nil {
		return err
	}
	return errs.FromNetwork("shell resize", s.ch.Resize(size), errs.KindProtocol)
}

// ConnID 返回终端所属的连接
func (s *Shell) ConnID() string {
	return s.c.id
}
