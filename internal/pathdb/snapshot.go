package pathdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Flusher 由可以把映射落盘的 DB 实现。
type Flusher interface {
	Flush(ctx context.Context) error
}

var _ Flusher = (*Memory)(nil)

type snapshot struct {
	Entries []Entry  `json:"entries"`
	Reclaim []Orphan `json:"reclaim"`
}

// OpenMemory 从 file 载入快照（文件不存在时为空库），之后 Flush 写回同一路径。
func OpenMemory(file string) (*Memory, error) {
	m := NewMemory()
	m.file = file
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read path db snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode path db snapshot %s: %w", file, err)
	}
	if err := m.restore(snap); err != nil {
		return nil, fmt.Errorf("restore path db snapshot %s: %w", file, err)
	}
	return m, nil
}

func (m *Memory) restore(snap snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// 目录先于文件载入，父目录保留快照里的创建时间。
	sort.SliceStable(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Dir && !snap.Entries[j].Dir
	})
	for _, e := range snap.Entries {
		e.Path = cleanPath(e.Path)
		if e.Dir {
			if err := m.mkdirs(e.FileSystem, e.Path, e.CreatedAt); err != nil {
				return err
			}
			m.entries[entryKey(e.FileSystem, e.Path)] = e
			continue
		}
		if err := m.put(e); err != nil {
			return err
		}
	}
	for _, o := range snap.Reclaim {
		if len(m.refs[o.FileID]) == 0 {
			m.reclaim[o.FileID] = o.Since
		}
	}
	m.dirty = false
	return nil
}

// Flush 在有改动时把全部映射与回收表原子写入快照文件；未绑定文件时什么都不做。
func (m *Memory) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.file == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return nil
	}
	snap := snapshot{Entries: make([]Entry, 0, len(m.entries))}
	for _, e := range m.entries {
		snap.Entries = append(snap.Entries, e)
	}
	sort.Slice(snap.Entries, func(i, j int) bool {
		a, b := snap.Entries[i], snap.Entries[j]
		if a.FileSystem != b.FileSystem {
			return a.FileSystem < b.FileSystem
		}
		return a.Path < b.Path
	})
	for id, since := range m.reclaim {
		snap.Reclaim = append(snap.Reclaim, Orphan{FileID: id, Since: since})
	}
	sort.Slice(snap.Reclaim, func(i, j int) bool { return snap.Reclaim[i].FileID < snap.Reclaim[j].FileID })

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := writeAtomic(m.file, data); err != nil {
		return fmt.Errorf("write path db snapshot: %w", err)
	}
	m.dirty = false
	return nil
}

func writeAtomic(file string, data []byte) error {
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(file)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, file)
}
