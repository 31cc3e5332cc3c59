package cache

import (
	"context"
	"testing"
	"time"

	galleyerrors "github.com/any-hub/galley/internal/errors"
)

func TestPathLocksReadersShareWritersExclude(t *testing.T) {
	l := NewPathLocks()
	ctx := context.Background()
	if err := l.LockRead(ctx, "k"); err != nil {
		t.Fatalf("read lock error: %v", err)
	}
	if err := l.LockRead(ctx, "k"); err != nil {
		t.Fatalf("second read lock error: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.LockWrite(short, "k"); !galleyerrors.Is(galleyerrors.Timeout, err) {
		t.Fatalf("writer must wait for readers, got %v", err)
	}

	got := make(chan struct{})
	go func() {
		if err := l.LockWrite(ctx, "k"); err == nil {
			close(got)
		}
	}()
	l.UnlockRead("k")
	select {
	case <-got:
		t.Fatalf("writer acquired while a reader remains")
	case <-time.After(20 * time.Millisecond):
	}
	l.UnlockRead("k")
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatalf("writer not woken")
	}
	if !l.IsWriteLocked("k") || l.IsReadLocked("k") {
		t.Fatalf("unexpected lock state")
	}
	l.UnlockWrite("k")
	if l.Len() != 0 {
		t.Fatalf("idle entries must be reclaimed, have %d", l.Len())
	}
}

func TestPathLocksWaitForWriteUnlock(t *testing.T) {
	l := NewPathLocks()
	ctx := context.Background()
	if err := l.WaitForWriteUnlock(ctx, "free"); err != nil {
		t.Fatalf("unlocked key should not block: %v", err)
	}
	_ = l.LockWrite(ctx, "k")
	done := make(chan error, 1)
	go func() { done <- l.WaitForWriteUnlock(ctx, "k") }()
	select {
	case <-done:
		t.Fatalf("wait returned while locked")
	case <-time.After(20 * time.Millisecond):
	}
	l.UnlockWrite("k")
	if err := <-done; err != nil {
		t.Fatalf("wait error: %v", err)
	}
	if l.IsWriteLocked("k") {
		t.Fatalf("waiting must not take the lock")
	}
}

func TestLockPairOrdering(t *testing.T) {
	l := NewPathLocks()
	ctx := context.Background()
	unlock, err := LockPair(ctx, l, "b", "a")
	if err != nil {
		t.Fatalf("lock pair error: %v", err)
	}
	if !l.IsReadLocked("b") || !l.IsWriteLocked("a") {
		t.Fatalf("expected read on b and write on a")
	}
	unlock()
	if l.Len() != 0 {
		t.Fatalf("expected all locks released")
	}
}

func TestPathLocksQueuedWriterBlocksNewReaders(t *testing.T) {
	l := NewPathLocks()
	ctx := context.Background()
	if err := l.LockRead(ctx, "k"); err != nil {
		t.Fatalf("read lock error: %v", err)
	}
	writer := make(chan error, 1)
	go func() { writer <- l.LockWrite(ctx, "k") }()
	time.Sleep(20 * time.Millisecond)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.LockRead(short, "k"); !galleyerrors.Is(galleyerrors.Timeout, err) {
		t.Fatalf("new reader should queue behind the writer, got %v", err)
	}
	l.UnlockRead("k")
	if err := <-writer; err != nil {
		t.Fatalf("writer error: %v", err)
	}
	l.UnlockWrite("k")
	if err := l.LockRead(ctx, "k"); err != nil {
		t.Fatalf("reader after writer error: %v", err)
	}
	l.UnlockRead("k")
	if l.Len() != 0 {
		t.Fatalf("idle entries must be reclaimed, have %d", l.Len())
	}
}
