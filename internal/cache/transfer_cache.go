package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultTransferCacheSize = 4096

// TransferCache 缓存 Transfer 句柄，按容量与 TTL 淘汰；淘汰只影响句柄复用，
// 不影响磁盘内容。
type TransferCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, *Transfer]
}

// NewTransferCache 创建句柄缓存；size<=0 使用默认容量，ttl<=0 表示不过期。
func NewTransferCache(size int, ttl time.Duration) *TransferCache {
	if size <= 0 {
		size = defaultTransferCacheSize
	}
	return &TransferCache{lru: expirable.NewLRU[string, *Transfer](size, nil, ttl)}
}

// GetOrCreate 返回 key 对应的句柄，不存在时调用 create 并缓存结果。
func (c *TransferCache) GetOrCreate(key string, create func() *Transfer) *Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.lru.Get(key); ok {
		return t
	}
	t := create()
	c.lru.Add(key, t)
	return t
}

func (c *TransferCache) Remove(key string) {
	c.lru.Remove(key)
}

func (c *TransferCache) Len() int {
	return c.lru.Len()
}

func (c *TransferCache) Purge() {
	c.lru.Purge()
}
