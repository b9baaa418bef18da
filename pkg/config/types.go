package config

import (
	"github.com/wentf9/xops-remote/pkg/models"
	"github.com/wentf9/xops-remote/pkg/utils/concurrent"
)

// Configuration 对应 yaml 文件的顶层结构
type Configuration struct {
	Engine     EngineConfig                             `yaml:"engine"`
	Identities *concurrent.Map[string, models.Identity] `yaml:"identities"`
	Hosts      *concurrent.Map[string, models.Host]     `yaml:"hosts"`
	Nodes      *concurrent.Map[string, models.Node]     `yaml:"nodes"`
}

// NewConfiguration 创建一个空配置，引擎参数取默认值
func NewConfiguration() *Configuration {
	return &Configuration{
		Engine:     DefaultEngineConfig(),
		Identities: concurrent.NewMap[string, models.Identity](concurrent.HashString),
		Hosts:      concurrent.NewMap[string, models.Host](concurrent.HashString),
		Nodes:      concurrent.NewMap[string, models.Node](concurrent.HashString),
	}
}

// ConfigProvider 定义连接层获取配置数据的接口
type ConfigProvider interface {
	GetNode(name string) (models.Node, bool)
	GetHost(name string) (models.Host, bool)
	GetIdentity(name string) (models.Identity, bool)
	AddHost(name string, host models.Host)
	AddIdentity(name string, identity models.Identity)
	AddNode(name string, node models.Node)
	DeleteNode(name string)
	ListNodes() map[string]models.Node
	Find(input string) string
	// Resolve 将凭据引用 (节点名、别名或 user@host:port) 解析为完整的连接信息
	Resolve(ref string) (Resolved, error)
}

// Resolved 是凭据引用解析后的结果
type Resolved struct {
	NodeID   string
	Node     models.Node
	Host     models.Host
	Identity models.Identity
}
