package config

import (
	"fmt"

	"github.com/wentf9/xops-remote/pkg/models"
	"github.com/wentf9/xops-remote/pkg/utils/concurrent"
)

type Provider struct {
	cfg         *Configuration
	lookupIndex *concurrent.Map[string, string]
}

// NewProvider 基于已加载的配置创建 Provider，并为所有节点建立查找索引
func NewProvider(cfg *Configuration) ConfigProvider {
	provider := Provider{
		cfg:         cfg,
		lookupIndex: concurrent.NewMap[string, string](concurrent.HashString),
	}
	for _, nodeId := range cfg.Nodes.Keys() {
		provider.index(nodeId)
	}
	return provider
}

// index 将节点的 ID、别名以及 user@address:port 形式加入索引
func (cp Provider) index(nodeId string) {
	node, ok := cp.GetNode(nodeId)
	if !ok {
		return
	}
	identity, ok := cp.GetIdentity(nodeId)
	if !ok {
		return
	}
	host, ok := cp.GetHost(nodeId)
	if !ok {
		return
	}
	cp.lookupIndex.Set(nodeId, nodeId)
	if user := identity.User; user != "" {
		cp.lookupIndex.Set(fmt.Sprintf("%s@%s:%d", user, host.Address, host.Port), nodeId)
		for _, addr := range host.Alias {
			if addr == "" {
				continue
			}
			cp.lookupIndex.Set(fmt.Sprintf("%s@%s:%d", user, addr, host.Port), nodeId)
		}
	}
	for _, alias := range node.Alias {
		if alias == "" {
			continue
		}
		cp.lookupIndex.Set(alias, nodeId)
	}
}

// Find 匹配用户输入，返回节点 ID，找不到时返回空字符串
func (cp Provider) Find(input string) string {
	if nodeId, ok := cp.lookupIndex.Get(input); ok {
		return nodeId
	}
	return ""
}

func (cp Provider) GetNode(nodeId string) (models.Node, bool) {
	return cp.cfg.Nodes.Get(nodeId)
}

func (cp Provider) GetHost(nodeId string) (models.Host, bool) {
	if node, ok := cp.cfg.Nodes.Get(nodeId); ok {
		return cp.cfg.Hosts.Get(node.HostRef)
	}
	return models.Host{}, false
}

func (cp Provider) GetIdentity(nodeId string) (models.Identity, bool) {
	if node, ok := cp.cfg.Nodes.Get(nodeId); ok {
		return cp.cfg.Identities.Get(node.IdentityRef)
	}
	return models.Identity{}, false
}

// AddNode 写入节点并更新索引，Host 与 Identity 需要先行写入
func (cp Provider) AddNode(nodeId string, node models.Node) {
	cp.cfg.Nodes.Set(nodeId, node)
	cp.index(nodeId)
}

func (cp Provider) AddHost(hostId string, host models.Host) {
	cp.cfg.Hosts.Set(hostId, host)
}

func (cp Provider) AddIdentity(identityId string, identity models.Identity) {
	cp.cfg.Identities.Set(identityId, identity)
}

// DeleteNode 删除节点及其索引项，引用的 Host 和 Identity 可能被其他节点共享，保留不删
func (cp Provider) DeleteNode(nodeId string) {
	if _, ok := cp.cfg.Nodes.Pop(nodeId); !ok {
		return
	}
	for _, key := range cp.lookupIndex.Keys() {
		if val, ok := cp.lookupIndex.Get(key); ok && val == nodeId {
			cp.lookupIndex.Remove(key)
		}
	}
}

func (cp Provider) ListNodes() map[string]models.Node {
	nodes := make(map[string]models.Node)
	cp.cfg.Nodes.IterCb(func(k string, v models.Node) bool {
		nodes[k] = v
		return true
	})
	return nodes
}

// Resolve 将凭据引用解析为节点、主机与认证信息
func (cp Provider) Resolve(ref string) (Resolved, error) {
	nodeId := cp.Find(ref)
	if nodeId == "" {
		return Resolved{}, fmt.Errorf("credential reference '%s' not found", ref)
	}
	node, _ := cp.GetNode(nodeId)
	host, ok := cp.GetHost(nodeId)
	if !ok {
		return Resolved{}, fmt.Errorf("host ref '%s' not found for node '%s'", node.HostRef, nodeId)
	}
	identity, ok := cp.GetIdentity(nodeId)
	if !ok {
		return Resolved{}, fmt.Errorf("identity ref '%s' not found for node '%s'", node.IdentityRef, nodeId)
	}
	return Resolved{NodeID: nodeId, Node: node, Host: host, Identity: identity}, nil
}
