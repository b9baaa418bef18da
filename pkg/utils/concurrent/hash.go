package concurrent

import (
	"hash/fnv"
)

// HashString 针对 string 类型的 FNV-1a 哈希，连接 ID、任务 ID 与配置名都用它分片
func HashString(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
