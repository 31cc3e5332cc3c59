package lock

import (
	"context"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"

	galleyerrors "github.com/any-hub/galley/internal/errors"
)

// Store 是进程内的锁表与归属记录，可通过 Node 派生多个"节点"视图模拟集群。
type Store struct {
	mu    sync.Mutex
	locks map[string]*held

	owners *xsync.Map[string, string]
}

type held struct {
	node     string
	released chan struct{}
}

// NewStore 创建空的进程内存储。
func NewStore() *Store {
	return &Store{
		locks:  make(map[string]*held),
		owners: xsync.NewMap[string, string](),
	}
}

// NewMemory 创建独立存储并返回绑定 node 的视图。
func NewMemory(node string) *Memory {
	return NewStore().Node(node)
}

// Node 返回绑定指定节点标识的 Locker。
func (s *Store) Node(node string) *Memory {
	return &Memory{store: s, node: node}
}

// Records 返回已提交归属记录的快照，按键排序，供诊断输出。
func (s *Store) Records() []Record {
	var out []Record
	s.owners.Range(func(key, node string) bool {
		out = append(out, Record{Key: key, Node: node})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Record 是一条归属记录。
type Record struct {
	Key  string `json:"key"`
	Node string `json:"node"`
}

// Memory 是 Store 上某个节点的 Locker 视图。
type Memory struct {
	store *Store
	node  string
}

var _ Locker = (*Memory)(nil)

func (m *Memory) Node() string { return m.node }

// Store 返回底层存储，便于多个节点共享。
func (m *Memory) Store() *Store { return m.store }

func (m *Memory) Lock(ctx context.Context, key string) error {
	s := m.store
	for {
		s.mu.Lock()
		h, busy := s.locks[key]
		if !busy {
			s.locks[key] = &held{node: m.node, released: make(chan struct{})}
			s.mu.Unlock()
			return nil
		}
		wait := h.released
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return galleyerrors.Wrap(galleyerrors.Other, "lock", ctx.Err(), "waiting for %s held by %s", key, h.node)
		}
	}
}

func (m *Memory) Unlock(key string) error {
	s := m.store
	s.mu.Lock()
	h, ok := s.locks[key]
	if ok {
		delete(s.locks, key)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotLocked
	}
	close(h.released)
	return nil
}

func (m *Memory) IsLocked(key string) bool {
	s := m.store
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks[key]
	return ok
}

func (m *Memory) Owner(key string) (string, bool) {
	return m.store.owners.Load(key)
}

func (m *Memory) Begin(key string) Txn {
	return &memTxn{store: m.store, key: key}
}

type txnOp int

const (
	txnNone txnOp = iota
	txnSet
	txnRemove
)

type memTxn struct {
	store *Store
	key   string
	op    txnOp
	value string
	done  bool
}

func (t *memTxn) SetOwner(node string) {
	t.op = txnSet
	t.value = node
}

func (t *memTxn) Remove() {
	t.op = txnRemove
	t.value = ""
}

func (t *memTxn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	switch t.op {
	case txnSet:
		t.store.owners.Store(t.key, t.value)
	case txnRemove:
		t.store.owners.Delete(t.key)
	}
	return nil
}

func (t *memTxn) Rollback() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	return nil
}
