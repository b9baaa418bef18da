package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/config"
	"github.com/wentf9/xops-remote/pkg/errs"
	"github.com/wentf9/xops-remote/pkg/logger"
	"github.com/wentf9/xops-remote/pkg/models"
)

func testConnectConfig() config.ConnectConfig {
	return config.ConnectConfig{Timeout: 5 * time.Second, MaxChannels: 4}
}

// newNodes 保存一个名为 node 的节点，指向 127.0.0.1:port
func newNodes(node string, port int, id models.Identity) config.ConfigProvider {
	p := config.NewProvider(config.NewConfiguration())
	p.AddHost(node, models.Host{Address: "127.0.0.1", Port: port})
	p.AddIdentity(node, id)
	p.AddNode(node, models.Node{HostRef: node, IdentityRef: node})
	return p
}

func open(t *testing.T, nodes config.ConfigProvider, port int, cc config.ConnectConfig) (channel.Stream, error) {
	t.Helper()
	c := NewConnector(nodes, cc, WithLogger(logger.Discard()))
	stream, err := c.OpenStream(context.Background(), channel.Endpoint{Host: "127.0.0.1", Port: port}, "web")
	if err == nil {
		t.Cleanup(func() { _ = stream.Close() })
	}
	return stream, err
}

func TestConnector_ShellEcho(t *testing.T) {
	srv := newTestServer(t, "s3cret", nil)
	nodes := newNodes("web", srv.port(), models.Identity{User: "ops", Password: "s3cret", AuthType: models.AuthPassword})
	stream, err := open(t, nodes, srv.port(), testConnectConfig())
	require.NoError(t, err)

	sh, err := stream.OpenShell(context.Background(), channel.WindowSize{Cols: 120, Rows: 30})
	require.NoError(t, err)
	defer sh.Close()
	require.NoError(t, sh.Resize(channel.WindowSize{Cols: 100, Rows: 20}))

	_, err = sh.Write([]byte("hello\n"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	var got strings.Builder
	for !strings.Contains(got.String(), "hello") {
		n, err := sh.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
}

func TestConnector_FilesAtOffset(t *testing.T) {
	srv := newTestServer(t, "s3cret", nil)
	nodes := newNodes("web", srv.port(), models.Identity{User: "ops", Password: "s3cret", AuthType: models.AuthPassword})
	stream, err := open(t, nodes, srv.port(), testConnectConfig())
	require.NoError(t, err)

	files, err := stream.OpenFiles(context.Background())
	require.NoError(t, err)
	defer files.Close()

	dir := t.TempDir()
	target := filepath.ToSlash(filepath.Join(dir, "data.txt"))

	w, err := files.OpenWriter(target, 0)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// 从断点续写
	w, err = files.OpenWriter(target, 6)
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	info, err := files.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size())

	r, err := files.OpenReader(target, 6)
	require.NoError(t, err)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "world", string(rest))

	entries, err := files.ReadDir(filepath.ToSlash(dir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "data.txt", entries[0].Name())

	_, err = files.Stat(target + ".missing")
	assert.True(t, errs.Is(err, errs.KindPathNotFound), "got %v", err)

	require.NoError(t, files.Remove(target))
	_, err = os.Stat(filepath.Join(dir, "data.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestConnector_ChannelLimit(t *testing.T) {
	srv := newTestServer(t, "s3cret", nil)
	nodes := newNodes("web", srv.port(), models.Identity{User: "ops", Password: "s3cret", AuthType: models.AuthPassword})
	cc := testConnectConfig()
	cc.MaxChannels = 1
	stream, err := open(t, nodes, srv.port(), cc)
	require.NoError(t, err)

	first, err := stream.OpenFiles(context.Background())
	require.NoError(t, err)
	_, err = stream.OpenFiles(context.Background())
	assert.True(t, errs.Is(err, errs.KindChannelLimitExceeded), "got %v", err)

	require.NoError(t, first.Close())
	second, err := stream.OpenFiles(context.Background())
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestConnector_KeyAuth(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("pp"))
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600))

	srv := newTestServer(t, "", sshPub)
	nodes := newNodes("web", srv.port(), models.Identity{User: "ops", KeyPath: keyPath, Passphrase: "pp", AuthType: models.AuthKey})
	_, err = open(t, nodes, srv.port(), testConnectConfig())
	require.NoError(t, err)
}

func TestConnector_Failures(t *testing.T) {
	srv := newTestServer(t, "s3cret", nil)

	t.Run("wrong password", func(t *testing.T) {
		nodes := newNodes("web", srv.port(), models.Identity{User: "ops", Password: "nope", AuthType: models.AuthPassword})
		_, err := open(t, nodes, srv.port(), testConnectConfig())
		assert.True(t, errs.Is(err, errs.KindAuthFailure), "got %v", err)
	})

	t.Run("unknown credential reference", func(t *testing.T) {
		nodes := config.NewProvider(config.NewConfiguration())
		_, err := open(t, nodes, srv.port(), testConnectConfig())
		assert.True(t, errs.Is(err, errs.KindAuthFailure), "got %v", err)
	})

	t.Run("connection refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		require.NoError(t, ln.Close())

		nodes := newNodes("web", port, models.Identity{User: "ops", Password: "s3cret", AuthType: models.AuthPassword})
		_, err = open(t, nodes, port, testConnectConfig())
		assert.True(t, errs.Is(err, errs.KindNetworkUnreachable), "got %v", err)
	})

	t.Run("cancelled", func(t *testing.T) {
		nodes := newNodes("web", srv.port(), models.Identity{User: "ops", Password: "s3cret", AuthType: models.AuthPassword})
		c := NewConnector(nodes, testConnectConfig(), WithLogger(logger.Discard()))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.OpenStream(ctx, channel.Endpoint{Host: "127.0.0.1", Port: srv.port()}, "web")
		assert.True(t, errs.Is(err, errs.KindCancelled), "got %v", err)
	})
}

func TestConnector_RemoteDropEndsStream(t *testing.T) {
	srv := newTestServer(t, "s3cret", nil)
	nodes := newNodes("web", srv.port(), models.Identity{User: "ops", Password: "s3cret", AuthType: models.AuthPassword})
	stream, err := open(t, nodes, srv.port(), testConnectConfig())
	require.NoError(t, err)

	// 服务端可能还未登记这条连接，重复断开直到客户端感知
	require.Eventually(t, func() bool {
		srv.dropAll()
		select {
		case <-stream.Done():
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, errs.Is(stream.Err(), errs.KindConnectionClosed), "got %v", stream.Err())

	_, err = stream.OpenFiles(context.Background())
	assert.True(t, errs.Is(err, errs.KindConnectionClosed), "got %v", err)
}

func TestConnector_CloseIsNotAnError(t *testing.T) {
	srv := newTestServer(t, "s3cret", nil)
	nodes := newNodes("web", srv.port(), models.Identity{User: "ops", Password: "s3cret", AuthType: models.AuthPassword})
	stream, err := open(t, nodes, srv.port(), testConnectConfig())
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	<-stream.Done()
	assert.NoError(t, stream.Err())
}
