package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/wentf9/xops-remote/pkg/crypto"
	"github.com/wentf9/xops-remote/pkg/models"
	"github.com/wentf9/xops-remote/pkg/utils/file"
	"gopkg.in/yaml.v3"
)

type Store interface {
	Load() (*Configuration, error)
	Save(cfg *Configuration) error
}

type defaultStore struct {
	Path    string
	KeyPath string // 用于加解密配置文件中敏感字段的密钥文件
}

// NewDefaultStore 创建基于 yaml 文件的配置存储
func NewDefaultStore(path, keyPath string) Store {
	return &defaultStore{
		Path:    path,
		KeyPath: keyPath,
	}
}

// Load 读取配置文件并解密 Identity 中的密码字段。
// 文件不存在时返回默认配置
func (s *defaultStore) Load() (*Configuration, error) {
	cfg := NewConfiguration()
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config '%s': %w", s.Path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config '%s': %w", s.Path, err)
	}
	cfg.Engine.ApplyDefaults()
	if err := cfg.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	crypter, err := s.crypter()
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.Identities.Keys() {
		id, _ := cfg.Identities.Get(name)
		plain, err := transformSecrets(id, crypter.Decrypt, crypto.IsEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt identity '%s': %w", name, err)
		}
		cfg.Identities.Set(name, plain)
	}
	return cfg, nil
}

// Save 加密敏感字段后写回配置文件，内存中的配置保持明文
func (s *defaultStore) Save(cfg *Configuration) error {
	crypter, err := s.crypter()
	if err != nil {
		return err
	}
	out := NewConfiguration()
	out.Engine = cfg.Engine
	for _, name := range cfg.Identities.Keys() {
		id, _ := cfg.Identities.Get(name)
		enc, err := transformSecrets(id, crypter.Encrypt, func(s string) bool { return !crypto.IsEncrypted(s) })
		if err != nil {
			return fmt.Errorf("encrypt identity '%s': %w", name, err)
		}
		out.Identities.Set(name, enc)
	}
	cfg.Hosts.IterCb(func(k string, v models.Host) bool {
		out.Hosts.Set(k, v)
		return true
	})
	cfg.Nodes.IterCb(func(k string, v models.Node) bool {
		out.Nodes.Set(k, v)
		return true
	})

	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return file.WriteFileAtomic(s.Path, data, 0600)
}

func (s *defaultStore) crypter() (*crypto.Crypter, error) {
	key, err := crypto.LoadOrGenerateKey(s.KeyPath)
	if err != nil {
		return nil, err
	}
	return crypto.NewCrypter(key)
}

// transformSecrets 对 Password 与 Passphrase 应用 fn，need 决定字段是否需要处理
func transformSecrets(id models.Identity, fn func(string) (string, error), need func(string) bool) (models.Identity, error) {
	var err error
	if id.Password != "" && need(id.Password) {
		if id.Password, err = fn(id.Password); err != nil {
			return id, err
		}
	}
	if id.Passphrase != "" && need(id.Passphrase) {
		if id.Passphrase, err = fn(id.Passphrase); err != nil {
			return id, err
		}
	}
	return id, nil
}
