package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/wentf9/xops-remote/pkg/utils/file"
)

const KeySize = 32 // AES-256

// LoadOrGenerateKey 读取密钥文件，不存在时生成随机密钥并以 0600 权限原子写入
func LoadOrGenerateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(key) != KeySize {
			return nil, fmt.Errorf("invalid key file size in '%s': expected %d, got %d", path, KeySize, len(key))
		}
		return key, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read key file '%s': %w", path, err)
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := file.WriteFileAtomic(path, key, 0600); err != nil {
		return nil, fmt.Errorf("save key file '%s': %w", path, err)
	}
	return key, nil
}
