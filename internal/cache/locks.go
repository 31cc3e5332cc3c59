package cache

import (
	"context"
	"sync"

	galleyerrors "github.com/any-hub/galley/internal/errors"
)

// PathLocks 是按字符串键的读写锁表。等待方阻塞在条目的 changed 通道上，
// 每次解锁都会关闭并替换该通道，从而一次唤醒所有等待者重新检查状态。
// 空闲条目立即回收，锁表大小只与当前持锁的路径数相关。
// 有写者排队时新的读者等待，持续的读流量不会饿死写者。
type PathLocks struct {
	mu      sync.Mutex
	entries map[string]*pathLock
}

type pathLock struct {
	readers int
	writer  bool
	// pending 是正在等待的写者数。
	pending int
	changed chan struct{}
}

func (e *pathLock) idle() bool {
	return e.readers == 0 && !e.writer && e.pending == 0
}

// NewPathLocks 创建空锁表。
func NewPathLocks() *PathLocks {
	return &PathLocks{entries: make(map[string]*pathLock)}
}

func (l *PathLocks) entry(key string) *pathLock {
	e := l.entries[key]
	if e == nil {
		e = &pathLock{changed: make(chan struct{})}
		l.entries[key] = e
	}
	return e
}

func (l *PathLocks) release(key string, e *pathLock) {
	close(e.changed)
	e.changed = make(chan struct{})
	if e.idle() {
		delete(l.entries, key)
	}
}

// acquire 在 ready 返回 true 时执行 take，否则等待下一次状态变化。
func (l *PathLocks) acquire(ctx context.Context, key string, ready func(*pathLock) bool, take func(*pathLock)) error {
	for {
		l.mu.Lock()
		e := l.entry(key)
		if ready(e) {
			if take != nil {
				take(e)
			} else if e.idle() {
				delete(l.entries, key)
			}
			l.mu.Unlock()
			return nil
		}
		wait := e.changed
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return galleyerrors.Wrap(galleyerrors.Other, "lock", ctx.Err(), "waiting for %s", key)
		}
	}
}

func (l *PathLocks) LockRead(ctx context.Context, key string) error {
	return l.acquire(ctx, key,
		func(e *pathLock) bool { return !e.writer && e.pending == 0 },
		func(e *pathLock) { e.readers++ })
}

func (l *PathLocks) LockWrite(ctx context.Context, key string) error {
	l.mu.Lock()
	l.entry(key).pending++
	l.mu.Unlock()

	err := l.acquire(ctx, key,
		func(e *pathLock) bool { return !e.writer && e.readers == 0 },
		func(e *pathLock) {
			e.pending--
			e.writer = true
		})
	if err != nil {
		l.mu.Lock()
		if e := l.entries[key]; e != nil {
			e.pending--
			l.release(key, e)
		}
		l.mu.Unlock()
	}
	return err
}

func (l *PathLocks) UnlockRead(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	if e == nil || e.readers == 0 {
		return
	}
	e.readers--
	l.release(key, e)
}

func (l *PathLocks) UnlockWrite(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	if e == nil || !e.writer {
		return
	}
	e.writer = false
	l.release(key, e)
}

func (l *PathLocks) IsReadLocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	return e != nil && e.readers > 0
}

func (l *PathLocks) IsWriteLocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	return e != nil && e.writer
}

// WaitForReadUnlock 阻塞到没有读者。
func (l *PathLocks) WaitForReadUnlock(ctx context.Context, key string) error {
	return l.acquire(ctx, key, func(e *pathLock) bool { return e.readers == 0 }, nil)
}

// WaitForWriteUnlock 阻塞到没有写者。
func (l *PathLocks) WaitForWriteUnlock(ctx context.Context, key string) error {
	return l.acquire(ctx, key, func(e *pathLock) bool { return !e.writer }, nil)
}

// Len 返回当前持锁的路径数。
func (l *PathLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
