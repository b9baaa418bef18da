package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrypterRoundTrip(t *testing.T) {
	key, err := LoadOrGenerateKey(filepath.Join(t.TempDir(), "sub", "key"))
	require.NoError(t, err)
	c, err := NewCrypter(key)
	require.NoError(t, err)

	enc, err := c.Encrypt("hunter2")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(enc))
	assert.NotContains(t, enc, "hunter2")

	enc2, err := c.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, enc, enc2, "nonce must differ")

	plain, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestDecryptRejectsBadInput(t *testing.T) {
	c, err := NewCrypter(make([]byte, KeySize))
	require.NoError(t, err)

	_, err = c.Decrypt("plain")
	assert.ErrorContains(t, err, "missing")
	_, err = c.Decrypt(Prefix + "AAAA")
	assert.Error(t, err)

	other, err := NewCrypter(append(make([]byte, KeySize-1), 1))
	require.NoError(t, err)
	enc, err := other.Encrypt("x")
	require.NoError(t, err)
	_, err = c.Decrypt(enc)
	assert.ErrorContains(t, err, "decryption failed")
}

func TestLoadOrGenerateKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	k1, err := LoadOrGenerateKey(path)
	require.NoError(t, err)
	k2, err := LoadOrGenerateKey(path)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))
	_, err = LoadOrGenerateKey(path)
	assert.ErrorContains(t, err, "invalid key file size")
}

func TestNewCrypterKeySize(t *testing.T) {
	_, err := NewCrypter([]byte("short"))
	assert.Error(t, err)
}
