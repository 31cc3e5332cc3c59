package pathdb

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory 是进程内的 DB 实现。
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	children map[string]map[string]struct{}
	refs     map[string]map[string]struct{}
	reclaim  map[string]time.Time
	now      func() time.Time

	// file 非空时 Flush 把快照写到该路径；dirty 记录上次 Flush 后是否有改动。
	file  string
	dirty bool
}

var _ DB = (*Memory)(nil)

// NewMemory 创建空库。
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]Entry),
		children: make(map[string]map[string]struct{}),
		refs:     make(map[string]map[string]struct{}),
		reclaim:  make(map[string]time.Time),
		now:      time.Now,
	}
}

func entryKey(fileSystem, p string) string {
	return fileSystem + "\x00" + p
}

func cleanPath(p string) string {
	return path.Clean("/" + p)
}

func (m *Memory) Insert(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.Path = cleanPath(e.Path)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(e)
}

func (m *Memory) put(e Entry) error {
	if e.Path != "/" {
		if err := m.mkdirs(e.FileSystem, path.Dir(e.Path), e.CreatedAt); err != nil {
			return err
		}
	}
	key := entryKey(e.FileSystem, e.Path)
	if old, ok := m.entries[key]; ok {
		if old.Dir && !e.Dir {
			return ErrNotDirectory
		}
		m.unref(old.FileID, key)
	}
	m.entries[key] = e
	m.dirty = true
	if e.Path != "/" {
		m.link(e.FileSystem, e.Path)
	}
	m.ref(e.FileID, key)
	return nil
}

func (m *Memory) mkdirs(fileSystem, p string, at time.Time) error {
	p = cleanPath(p)
	key := entryKey(fileSystem, p)
	if e, ok := m.entries[key]; ok {
		if !e.Dir {
			return ErrNotDirectory
		}
		return nil
	}
	if p != "/" {
		if err := m.mkdirs(fileSystem, path.Dir(p), at); err != nil {
			return err
		}
		m.link(fileSystem, p)
	}
	m.entries[key] = Entry{FileSystem: fileSystem, Path: p, Dir: true, CreatedAt: at}
	m.dirty = true
	return nil
}

func (m *Memory) link(fileSystem, p string) {
	parent := entryKey(fileSystem, path.Dir(p))
	set := m.children[parent]
	if set == nil {
		set = make(map[string]struct{})
		m.children[parent] = set
	}
	set[path.Base(p)] = struct{}{}
}

func (m *Memory) unlink(fileSystem, p string) {
	parent := entryKey(fileSystem, path.Dir(p))
	if set := m.children[parent]; set != nil {
		delete(set, path.Base(p))
		if len(set) == 0 {
			delete(m.children, parent)
		}
	}
}

func (m *Memory) ref(fileID, key string) {
	if fileID == "" {
		return
	}
	set := m.refs[fileID]
	if set == nil {
		set = make(map[string]struct{})
		m.refs[fileID] = set
	}
	set[key] = struct{}{}
	delete(m.reclaim, fileID)
}

func (m *Memory) unref(fileID, key string) {
	if fileID == "" {
		return
	}
	set := m.refs[fileID]
	delete(set, key)
	if len(set) == 0 {
		delete(m.refs, fileID)
		m.reclaim[fileID] = m.now()
	}
}

func (m *Memory) Get(ctx context.Context, fileSystem, p string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[entryKey(fileSystem, cleanPath(p))]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Delete(ctx context.Context, fileSystem, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p = cleanPath(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entryKey(fileSystem, p)]; !ok {
		return false, nil
	}
	m.remove(fileSystem, p)
	return true, nil
}

func (m *Memory) remove(fileSystem, p string) {
	key := entryKey(fileSystem, p)
	e, ok := m.entries[key]
	if !ok {
		return
	}
	if e.Dir {
		for name := range m.children[key] {
			m.remove(fileSystem, path.Join(p, name))
		}
		delete(m.children, key)
	}
	delete(m.entries, key)
	m.dirty = true
	m.unref(e.FileID, key)
	if p != "/" {
		m.unlink(fileSystem, p)
	}
}

func (m *Memory) Copy(ctx context.Context, fromFS, fromPath, toFS, toPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fromPath, toPath = cleanPath(fromPath), cleanPath(toPath)
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.entries[entryKey(fromFS, fromPath)]
	if !ok {
		return ErrNotFound
	}
	if src.Dir {
		return m.mkdirs(toFS, toPath, m.now())
	}
	dst := src
	dst.FileSystem = toFS
	dst.Path = toPath
	return m.put(dst)
}

func (m *Memory) List(ctx context.Context, fileSystem, p string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p = cleanPath(p)
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := entryKey(fileSystem, p)
	e, ok := m.entries[key]
	if !ok || !e.Dir {
		return nil, nil
	}
	names := make([]string, 0, len(m.children[key]))
	for name := range m.children[key] {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		out = append(out, m.entries[entryKey(fileSystem, path.Join(p, name))])
	}
	return out, nil
}

func (m *Memory) MakeDirs(ctx context.Context, fileSystem, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mkdirs(fileSystem, p, m.now())
}

func (m *Memory) Exists(ctx context.Context, fileSystem, p string) (bool, error) {
	_, err := m.Get(ctx, fileSystem, p)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (m *Memory) StorageFile(ctx context.Context, fileSystem, p string) (string, error) {
	e, err := m.Get(ctx, fileSystem, p)
	if err != nil {
		return "", err
	}
	if e.Dir {
		return "", ErrNotFound
	}
	return e.FileID, nil
}

func (m *Memory) References(ctx context.Context, fileID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.refs[fileID]), nil
}

func (m *Memory) ListOrphanedFiles(ctx context.Context, grace time.Duration) ([]Orphan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cutoff := m.now().Add(-grace)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Orphan
	for id, since := range m.reclaim {
		if !since.After(cutoff) {
			out = append(out, Orphan{FileID: id, Since: since})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return strings.Compare(out[i].FileID, out[j].FileID) < 0
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out, nil
}

func (m *Memory) RemoveFromReclaim(ctx context.Context, fileID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, pending := m.reclaim[fileID]
	if pending {
		delete(m.reclaim, fileID)
		m.dirty = true
	}
	return pending && len(m.refs[fileID]) == 0, nil
}
