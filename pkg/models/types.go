package models

import "fmt"

// 认证方式
const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// Identity 定义认证信息，Password/Passphrase 在配置文件中以密文保存
type Identity struct {
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"` // 私钥密码
	Password   string `yaml:"password,omitempty"`   // 登录密码
	AuthType   string `yaml:"auth_type"`            // "key", "password"
}

// Host 定义网络连接信息
type Host struct {
	Alias   []string `yaml:"alias,omitempty"`
	Address string   `yaml:"address"` // IP 或 域名
	Port    int      `yaml:"port"`
}

// Addr 返回 host:port 形式的地址
func (h Host) Addr() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// Node 是用户操作的最小单元，聚合了 Host 和 Identity。
// 节点名同时作为连接时的凭据引用 (credential reference)
type Node struct {
	Alias []string `yaml:"alias,omitempty"`
	Tags  []string `yaml:"tags,omitempty"`

	HostRef     string `yaml:"host_ref"`
	IdentityRef string `yaml:"identity_ref"`

	// 指向另一个 Node 的名称，连接时先经由该节点跳转
	ProxyJump string `yaml:"proxy_jump,omitempty"`
}
