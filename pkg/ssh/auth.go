package ssh

import (
	"fmt"
	"os"

	"github.com/wentf9/xops-remote/pkg/models"
	"golang.org/x/crypto/ssh"
)

// AuthMethod 定义获取 SSH 认证方法的接口
type AuthMethod interface {
	GetMethod() (ssh.AuthMethod, error)
}

// PasswordAuth 实现密码认证
type PasswordAuth struct {
	Password string
}

func (p *PasswordAuth) GetMethod() (ssh.AuthMethod, error) {
	if p.Password == "" {
		return nil, fmt.Errorf("auth type is password but password is empty")
	}
	return ssh.Password(p.Password), nil
}

// KeyAuth 实现私钥认证
type KeyAuth struct {
	Path       string
	Passphrase string
}

func (k *KeyAuth) GetMethod() (ssh.AuthMethod, error) {
	if k.Path == "" {
		return nil, fmt.Errorf("auth type is key but key_path is empty")
	}
	keyData, err := os.ReadFile(expandHomeDir(k.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var signer ssh.Signer
	if k.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(k.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

// authFor 根据 Identity 的认证方式选择 AuthMethod
func authFor(id models.Identity) (AuthMethod, error) {
	switch id.AuthType {
	case models.AuthPassword:
		return &PasswordAuth{Password: id.Password}, nil
	case models.AuthKey:
		return &KeyAuth{Path: id.KeyPath, Passphrase: id.Passphrase}, nil
	default:
		return nil, fmt.Errorf("unsupported auth type: '%s'", id.AuthType)
	}
}

// expandHomeDir 展开路径开头的 ~
func expandHomeDir(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
