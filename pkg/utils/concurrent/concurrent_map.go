package concurrent

import (
	"maps"
	"sync"

	"gopkg.in/yaml.v3"
)

// 默认分片数量
const DEFAULT_SHARD_COUNT = 32

// Option 定义配置函数的类型
type Option[K comparable, V any] func(*Map[K, V])

// WithShardCount 自定义分片数量，建议为 2 的幂
func WithShardCount[K comparable, V any](count uint32) Option[K, V] {
	return func(m *Map[K, V]) {
		if count > 0 {
			m.shardCount = count
		}
	}
}

// Map 是按 key 哈希分片的并发 Map，每个分片独立加锁
type Map[K comparable, V any] struct {
	shards     []*shard[K, V]
	hashFunc   func(K) uint32
	shardCount uint32
}

type shard[K comparable, V any] struct {
	sync.RWMutex
	items map[K]V
}

// NewMap 创建一个新的并发 Map，hashFunc 决定 key 落在哪个分片
func NewMap[K comparable, V any](hashFunc func(K) uint32, opts ...Option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		shardCount: DEFAULT_SHARD_COUNT,
		hashFunc:   hashFunc,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.shards = make([]*shard[K, V], m.shardCount)
	for i := range m.shardCount {
		m.shards[i] = &shard[K, V]{items: make(map[K]V)}
	}
	return m
}

func (m *Map[K, V]) getShard(key K) *shard[K, V] {
	return m.shards[m.hashFunc(key)%m.shardCount]
}

// Set 写入键值对
func (m *Map[K, V]) Set(key K, value V) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	s.items[key] = value
}

// Get 读取键值对
func (m *Map[K, V]) Get(key K) (V, bool) {
	s := m.getShard(key)
	s.RLock()
	defer s.RUnlock()
	val, ok := s.items[key]
	return val, ok
}

// Remove 删除键值对
func (m *Map[K, V]) Remove(key K) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	delete(s.items, key)
}

// Pop 删除 key 并返回删除前的值
func (m *Map[K, V]) Pop(key K) (V, bool) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	val, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return val, ok
}

// SetIfAbsent 仅在 key 不存在时写入，返回 (实际存储的值, 是否新写入)
func (m *Map[K, V]) SetIfAbsent(key K, value V) (V, bool) {
	s := m.getShard(key)
	s.Lock()
	defer s.Unlock()
	if old, ok := s.items[key]; ok {
		return old, false
	}
	s.items[key] = value
	return value, true
}

// Count 统计元素数量，高并发下是近似值
func (m *Map[K, V]) Count() int {
	count := 0
	for _, s := range m.shards {
		s.RLock()
		count += len(s.items)
		s.RUnlock()
	}
	return count
}

// Keys 获取所有的 Key
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.Count())
	for _, s := range m.shards {
		s.RLock()
		for k := range s.items {
			keys = append(keys, k)
		}
		s.RUnlock()
	}
	return keys
}

// Values 获取所有的 Value 快照
func (m *Map[K, V]) Values() []V {
	values := make([]V, 0, m.Count())
	m.IterCb(func(_ K, v V) bool {
		values = append(values, v)
		return true
	})
	return values
}

// IterCb 逐个分片遍历，fn 返回 false 时提前结束。
// 遍历期间持有当前分片的读锁，fn 中不能写同一个 Map
func (m *Map[K, V]) IterCb(fn func(key K, v V) bool) {
	for _, s := range m.shards {
		s.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.RUnlock()
				return
			}
		}
		s.RUnlock()
	}
}

// Clear 清空所有数据
func (m *Map[K, V]) Clear() {
	for _, s := range m.shards {
		s.Lock()
		s.items = make(map[K]V)
		s.Unlock()
	}
}

func (m *Map[K, V]) snapshot() map[K]V {
	tmp := make(map[K]V)
	for _, s := range m.shards {
		s.RLock()
		maps.Copy(tmp, s.items)
		s.RUnlock()
	}
	return tmp
}

// MarshalYAML 实现 yaml.Marshaler 接口
func (m *Map[K, V]) MarshalYAML() (interface{}, error) {
	return m.snapshot(), nil
}

// UnmarshalYAML 实现 yaml.Unmarshaler 接口
// Map 必须已经通过 NewMap 初始化
func (m *Map[K, V]) UnmarshalYAML(value *yaml.Node) error {
	tmp := make(map[K]V)
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	for k, v := range tmp {
		m.Set(k, v)
	}
	return nil
}
