package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wentf9/xops-remote/cmd/utils"
	"github.com/wentf9/xops-remote/pkg/channel"
	"github.com/wentf9/xops-remote/pkg/config"
	"github.com/wentf9/xops-remote/pkg/engine"
	"github.com/wentf9/xops-remote/pkg/models"
	"github.com/wentf9/xops-remote/pkg/session"
)

// SshOptions 是各子命令共用的目标主机参数
type SshOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
	KeyPass  string
	Alias    string
	JumpHost string
}

func (o *SshOptions) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.Host, "host", "H", "", "目标主机/连接别名")
	cmd.Flags().IntVarP(&o.Port, "port", "P", 0, "SSH端口")
	cmd.Flags().StringVarP(&o.User, "user", "u", "", "SSH用户名")
	cmd.Flags().StringVarP(&o.Password, "password", "w", "", "SSH密码")
	cmd.Flags().StringVarP(&o.KeyFile, "key", "i", "", "SSH私钥文件路径")
	cmd.Flags().StringVarP(&o.KeyPass, "key_pass", "W", "", "SSH私钥密码")
	cmd.Flags().StringVarP(&o.JumpHost, "jump", "j", "", "跳板机地址或别名")
	cmd.Flags().StringVarP(&o.Alias, "alias", "a", "", "连接别名")
	cmd.MarkFlagsMutuallyExclusive("password", "key")
}

// fill 用 [user@]host[:port] 补全未通过 flags 提供的字段
func (o *SshOptions) fill(addr string) error {
	if addr == "" && o.Host == "" {
		return errors.New("未提供主机地址")
	}
	if addr != "" {
		u, h, p := utils.ParseAddr(addr)
		if h == "" && o.Host == "" {
			return errors.New("无效的主机地址")
		}
		if o.Host == "" {
			o.Host = h
		}
		if o.User == "" {
			o.User = u
		}
		if o.Port == 0 {
			o.Port = p
		}
	}
	if o.User == "" {
		o.User = utils.GetCurrentUser()
	}
	if o.Port == 0 {
		o.Port = 22
	}
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("无效的端口: %d", o.Port)
	}
	if strings.Contains(o.Alias, "@") || strings.Contains(o.Alias, ":") {
		return errors.New("别名中不可含有<@>或<:>符号!")
	}
	return nil
}

// resolveNode 在配置中查找目标节点，找不到时按参数新建。
// updated 表示配置被修改，需要在连接成功后保存
func (o *SshOptions) resolveNode(provider config.ConfigProvider) (nodeId string, updated bool, err error) {
	if nodeId = provider.Find(o.Host); nodeId != "" {
		updated, err = o.update(nodeId, provider)
		return nodeId, updated, err
	}
	if nodeId = provider.Find(fmt.Sprintf("%s@%s:%d", o.User, o.Host, o.Port)); nodeId != "" {
		updated, err = o.update(nodeId, provider)
		return nodeId, updated, err
	}

	nodeId = fmt.Sprintf("%s@%s:%d", o.User, o.Host, o.Port)
	node := models.Node{
		HostRef:     fmt.Sprintf("%s:%d", o.Host, o.Port),
		IdentityRef: fmt.Sprintf("%s@%s", o.User, o.Host),
	}
	if o.JumpHost != "" {
		jumpHost := provider.Find(o.JumpHost)
		if jumpHost == "" {
			return "", false, fmt.Errorf("跳板机 %s 信息不存在,请先保存跳板机信息", o.JumpHost)
		}
		node.ProxyJump = jumpHost
	}
	if o.Alias != "" {
		node.Alias = append(node.Alias, o.Alias)
	}
	identity := models.Identity{User: o.User}
	switch {
	case o.Password != "":
		identity.Password = o.Password
		identity.AuthType = models.AuthPassword
	case o.KeyFile != "":
		identity.KeyPath = o.KeyFile
		identity.Passphrase = o.KeyPass
		identity.AuthType = models.AuthKey
	default:
		pass, err := utils.ReadPasswordFromTerminal("请输入密码: ")
		if err != nil {
			return "", false, err
		}
		identity.Password = pass
		identity.AuthType = models.AuthPassword
	}
	provider.AddHost(node.HostRef, models.Host{Address: o.Host, Port: o.Port})
	provider.AddIdentity(node.IdentityRef, identity)
	provider.AddNode(nodeId, node)
	return nodeId, true, nil
}

// update 将命令行显式提供的认证信息、跳板机与别名写入已有节点
func (o *SshOptions) update(nodeId string, provider config.ConfigProvider) (bool, error) {
	node, _ := provider.GetNode(nodeId)
	identity, _ := provider.GetIdentity(nodeId)
	nodeUpdated := false
	identityUpdated := false

	if o.JumpHost != "" {
		jumpHost := provider.Find(o.JumpHost)
		if jumpHost == "" {
			return false, fmt.Errorf("跳板机 %s 信息不存在,请先保存跳板机信息", o.JumpHost)
		}
		if jumpHost != node.ProxyJump {
			node.ProxyJump = jumpHost
			nodeUpdated = true
		}
	}
	if o.Alias != "" && !contains(node.Alias, o.Alias) {
		node.Alias = append(node.Alias, o.Alias)
		nodeUpdated = true
	}
	if o.Password != "" {
		identity.Password = o.Password
		identity.AuthType = models.AuthPassword
		identityUpdated = true
	} else if o.KeyFile != "" {
		identity.KeyPath = o.KeyFile
		identity.AuthType = models.AuthKey
		identityUpdated = true
	}
	if o.KeyPass != "" {
		identity.Passphrase = o.KeyPass
		identityUpdated = true
	}

	if identityUpdated {
		provider.AddIdentity(node.IdentityRef, identity)
	}
	if nodeUpdated {
		provider.AddNode(nodeId, node)
	}
	return nodeUpdated || identityUpdated, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// remote 是一次命令执行期间持有的引擎与目标连接
type remote struct {
	eng    *engine.Engine
	connID string
	nodeID string
}

// open 加载配置、解析目标节点并建立连接，新建或修改过的节点在连接成功后保存
func (o *SshOptions) open(ctx context.Context, window channel.WindowSize) (*remote, error) {
	configPath, keyPath := utils.GetConfigFilePath(configFile)
	store := config.NewDefaultStore(configPath, keyPath)
	cfg, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置文件失败: %v", err)
	}
	provider := config.NewProvider(cfg)

	nodeId, updated, err := o.resolveNode(provider)
	if err != nil {
		return nil, err
	}
	host, ok := provider.GetHost(nodeId)
	if !ok {
		return nil, fmt.Errorf("节点 %s 缺少主机信息", nodeId)
	}

	eng, err := engine.NewSSH(provider, cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("初始化失败: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		return nil, err
	}
	connID, err := eng.Connect(ctx, session.Options{
		Host:          host.Address,
		Port:          host.Port,
		CredentialRef: nodeId,
		Window:        window,
	})
	if err != nil {
		_ = closeEngine(eng)
		return nil, fmt.Errorf("连接失败: %v", err)
	}

	if updated {
		if err := store.Save(cfg); err != nil {
			_ = closeEngine(eng)
			return nil, fmt.Errorf("保存配置文件失败: %v", err)
		}
	}
	return &remote{eng: eng, connID: connID, nodeID: nodeId}, nil
}

func (r *remote) Close() error {
	return closeEngine(r.eng)
}

func closeEngine(eng *engine.Engine) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return eng.Close(ctx)
}
