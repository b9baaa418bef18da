package errs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"syscall"
)

// FromNetwork 对网络层错误进行分类，无法识别时返回 fallback
func FromNetwork(op string, err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(networkKind(err, fallback), op, err)
}

func networkKind(err error, fallback Kind) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindNetworkUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTDOWN) {
		return KindNetworkUnreachable
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return KindConnectionClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return fallback
}

// FromRemote 对远端文件通道返回的错误分类
func FromRemote(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Wrap(KindPathNotFound, op, err)
	case errors.Is(err, fs.ErrPermission):
		return Wrap(KindPermissionDenied, op, err)
	}
	return Wrap(networkKind(err, KindUnknown), op, err)
}

// FromLocal 对本地文件系统错误分类，磁盘写满等都归为 LocalIOError
func FromLocal(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Wrap(KindPathNotFound, op, err)
	case errors.Is(err, fs.ErrPermission):
		return Wrap(KindPermissionDenied, op, err)
	}
	return Wrap(KindLocalIO, op, err)
}
