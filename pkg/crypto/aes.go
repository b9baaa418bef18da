// Package crypto 负责配置文件中敏感字段 (登录密码、私钥口令) 的加解密
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// Prefix 标识已加密的字段值
const Prefix = "ENC:"

// Crypter 使用 AES-256-GCM 加解密字符串
type Crypter struct {
	gcm cipher.AEAD
}

// NewCrypter 创建加解密实例，key 必须为 KeySize 字节
func NewCrypter(key []byte) (*Crypter, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size: expected %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Crypter{gcm: gcm}, nil
}

// Encrypt 输出 ENC:<base64(nonce|ciphertext)>
func (c *Crypter) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 是 Encrypt 的逆操作
func (c *Crypter) Decrypt(encoded string) (string, error) {
	raw, ok := strings.CutPrefix(encoded, Prefix)
	if !ok {
		return "", fmt.Errorf("invalid format: missing '%s' prefix", Prefix)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	n := c.gcm.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := c.gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted 判断字段值是否为密文
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, Prefix)
}
