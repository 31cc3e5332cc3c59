// Package nfc is the not-found cache: it remembers remote URLs that recently
// answered "missing" so the transfer manager does not hit a dead remote again
// until the entry expires.
package nfc

import (
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache 记录近期确认不存在的远端 URL。
type Cache interface {
	HasEntry(url string) bool
	AddMissing(url string)
	Clear(url string)
	ClearAll()
	Entries() []string
}

const defaultSize = 10000

// Expiring 基于带过期的 LRU 实现 Cache，容量与 TTL 同时生效。
type Expiring struct {
	lru *expirable.LRU[string, time.Time]
}

var _ Cache = (*Expiring)(nil)

// New 创建 NFC；size<=0 使用默认容量，ttl<=0 表示只按容量淘汰。
func New(size int, ttl time.Duration) *Expiring {
	if size <= 0 {
		size = defaultSize
	}
	return &Expiring{lru: expirable.NewLRU[string, time.Time](size, nil, ttl)}
}

func (c *Expiring) HasEntry(url string) bool {
	_, ok := c.lru.Get(url)
	return ok
}

func (c *Expiring) AddMissing(url string) {
	c.lru.Add(url, time.Now())
}

func (c *Expiring) Clear(url string) {
	c.lru.Remove(url)
}

func (c *Expiring) ClearAll() {
	c.lru.Purge()
}

// Entries 返回当前有效条目，按 URL 排序。
func (c *Expiring) Entries() []string {
	keys := c.lru.Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if c.HasEntry(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// NoOp 从不记录任何条目。
type NoOp struct{}

func (NoOp) HasEntry(string) bool { return false }
func (NoOp) AddMissing(string)    {}
func (NoOp) Clear(string)         {}
func (NoOp) ClearAll()            {}
func (NoOp) Entries() []string    { return nil }
