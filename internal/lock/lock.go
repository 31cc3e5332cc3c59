// Package lock provides the ownership table shared by the tiers of a dual-tier
// cache: an exclusive lock per storage key plus a record of which node last
// committed a write under that key. Records only change through a Txn, so a
// write that fails half way never leaves a phantom owner behind.
package lock

import (
	"context"
	"errors"
)

// ErrNotLocked 表示对未加锁的键调用 Unlock。
var ErrNotLocked = errors.New("lock: key not locked")

// ErrTxnDone 表示事务已经提交或回滚。
var ErrTxnDone = errors.New("lock: transaction already finished")

// Locker 是分布式锁与归属记录的抽象。进程内实现见 Memory，真实后端只需实现同一接口。
type Locker interface {
	// Lock 独占 key，直到 Unlock；阻塞期间尊重 ctx 的超时与取消。
	Lock(ctx context.Context, key string) error
	// Unlock 释放 key 并唤醒所有等待者。
	Unlock(key string) error
	// IsLocked 报告 key 当前是否被持有。
	IsLocked(key string) bool
	// Owner 返回最后一次提交写入的节点标识。
	Owner(key string) (string, bool)
	// Begin 在 key 上开启一次归属记录事务。
	Begin(key string) Txn
	// Node 返回当前进程的节点标识。
	Node() string
}

// Txn 暂存对归属记录的修改，Commit 后才对其他节点可见。
type Txn interface {
	SetOwner(node string)
	Remove()
	Commit() error
	Rollback() error
}
