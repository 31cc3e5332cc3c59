// Package pathmapped implements a content-addressed CacheProvider. File
// content is stored once per sha256 digest under <root>/<aa>/<rest-of-digest>
// and paths are mapped to digests through a pathdb.DB. Deleting a path only
// removes its mapping; a reclaimer removes content that stayed unreferenced
// longer than a grace period.
//
// Mappings are only durable when the DB implements pathdb.Flusher: the
// provider flushes it on every reclaim tick and on Close. Content written after
// the last flush survives a crash as an unmapped file.
package pathmapped

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/galley/internal/cache"
	"github.com/any-hub/galley/internal/logging"
	"github.com/any-hub/galley/internal/pathdb"
	"github.com/any-hub/galley/internal/resource"
)

// Options 配置内容寻址 Provider。
type Options struct {
	Root string
	DB   pathdb.DB

	Events            cache.EventManager
	Decorator         cache.Decorator
	Logger            *logrus.Logger
	ReclaimGrace      time.Duration
	ReclaimInterval   time.Duration
	TransferCacheSize int
	TransferCacheTTL  time.Duration
}

// Provider 把路径映射到按摘要存放的内容文件。
type Provider struct {
	root      string
	db        pathdb.DB
	locks     *cache.PathLocks
	transfers *cache.TransferCache
	events    cache.EventManager
	decorator cache.Decorator
	logger    *logrus.Logger
	grace     time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ cache.Provider = (*Provider)(nil)

// New 创建内容目录；ReclaimInterval>0 时启动后台回收。
func New(opts Options) (*Provider, error) {
	if opts.Root == "" {
		return nil, errors.New("storage path required")
	}
	if opts.DB == nil {
		return nil, errors.New("path db required")
	}
	abs, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	p := &Provider{
		root:      abs,
		db:        opts.DB,
		locks:     cache.NewPathLocks(),
		transfers: cache.NewTransferCache(opts.TransferCacheSize, opts.TransferCacheTTL),
		events:    opts.Events,
		decorator: opts.Decorator,
		logger:    logging.OrDiscard(opts.Logger),
		grace:     opts.ReclaimGrace,
		stop:      make(chan struct{}),
	}
	if opts.ReclaimInterval > 0 {
		p.wg.Add(1)
		go p.reclaimLoop(opts.ReclaimInterval)
	}
	return p, nil
}

func fileSystem(r resource.ConcreteResource) string {
	if loc := r.Location(); loc != nil {
		return loc.Key()
	}
	return ""
}

// ContentPath 返回摘要对应的内容文件路径。
func (p *Provider) ContentPath(fileID string) string {
	if len(fileID) < 3 {
		return filepath.Join(p.root, "_", fileID)
	}
	return filepath.Join(p.root, fileID[:2], fileID[2:])
}

func digestKey(fileID string) string { return "digest:" + fileID }

func (p *Provider) Transfer(r resource.ConcreteResource) *cache.Transfer {
	return p.transfers.GetOrCreate(r.Key(), func() *cache.Transfer {
		return cache.NewTransfer(r, p, p.events, p.decorator)
	})
}

func (p *Provider) entry(r resource.ConcreteResource) (pathdb.Entry, bool) {
	e, err := p.db.Get(context.Background(), fileSystem(r), r.Path())
	if err != nil {
		return pathdb.Entry{}, false
	}
	return e, true
}

func (p *Provider) OpenInputStream(ctx context.Context, r resource.ConcreteResource) (io.ReadCloser, error) {
	e, err := p.db.Get(ctx, fileSystem(r), r.Path())
	if err != nil {
		if errors.Is(err, pathdb.ErrNotFound) {
			return nil, cache.ErrNotFound
		}
		return nil, err
	}
	if e.Dir {
		return nil, cache.ErrNotFound
	}
	f, err := os.Open(p.ContentPath(e.FileID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cache.ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// OpenOutputStream 写入临时文件并同步计算摘要，Close 时安装内容并更新映射。
func (p *Provider) OpenOutputStream(ctx context.Context, r resource.ConcreteResource) (cache.Writer, error) {
	key := r.Key()
	if err := p.locks.LockWrite(ctx, key); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Join(p.root, "tmp"), "write-*")
	if err != nil {
		p.locks.UnlockWrite(key)
		return nil, err
	}
	return &contentWriter{p: p, r: r, key: key, tmp: tmp, digest: sha256.New()}, nil
}

// install 在摘要锁内把临时文件移动为内容文件并写入映射，与回收互斥。
func (p *Provider) install(r resource.ConcreteResource, tempName, fileID string, size int64) error {
	dk := digestKey(fileID)
	if err := p.locks.LockWrite(context.Background(), dk); err != nil {
		return err
	}
	defer p.locks.UnlockWrite(dk)

	target := p.ContentPath(fileID)
	if _, err := os.Stat(target); err == nil {
		os.Remove(tempName)
	} else {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.Rename(tempName, target); err != nil {
			return err
		}
	}
	return p.db.Insert(context.Background(), pathdb.Entry{
		FileSystem: fileSystem(r),
		Path:       r.Path(),
		FileID:     fileID,
		Size:       size,
		CreatedAt:  time.Now().UTC(),
	})
}

func (p *Provider) Exists(r resource.ConcreteResource) bool {
	_, ok := p.entry(r)
	return ok
}

func (p *Provider) IsDirectory(r resource.ConcreteResource) bool {
	e, ok := p.entry(r)
	return ok && e.Dir
}

func (p *Provider) IsFile(r resource.ConcreteResource) bool {
	e, ok := p.entry(r)
	return ok && !e.Dir
}

// Delete 只删除映射，内容文件交给回收器处理。
func (p *Provider) Delete(ctx context.Context, r resource.ConcreteResource) (bool, error) {
	key := r.Key()
	if err := p.locks.LockWrite(ctx, key); err != nil {
		return false, err
	}
	defer p.locks.UnlockWrite(key)
	return p.db.Delete(ctx, fileSystem(r), r.Path())
}

func (p *Provider) List(r resource.ConcreteResource) ([]string, error) {
	entries, err := p.db.List(context.Background(), fileSystem(r), r.Path())
	if err != nil || entries == nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.Dir {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

func (p *Provider) Mkdirs(r resource.ConcreteResource) error {
	return p.db.MakeDirs(context.Background(), fileSystem(r), r.Path())
}

func (p *Provider) Length(r resource.ConcreteResource) int64 {
	e, ok := p.entry(r)
	if !ok || e.Dir {
		return -1
	}
	return e.Size
}

func (p *Provider) LastModified(r resource.ConcreteResource) time.Time {
	e, ok := p.entry(r)
	if !ok {
		return time.Time{}
	}
	return e.CreatedAt
}

// FilePath 返回当前映射的内容文件；未映射或目录返回空字符串。
func (p *Provider) FilePath(r resource.ConcreteResource) string {
	e, ok := p.entry(r)
	if !ok || e.Dir {
		return ""
	}
	return p.ContentPath(e.FileID)
}

func (p *Provider) DetachedFile(ctx context.Context, r resource.ConcreteResource) (string, error) {
	fileID, err := p.db.StorageFile(ctx, fileSystem(r), r.Path())
	if err != nil {
		if errors.Is(err, pathdb.ErrNotFound) {
			return "", cache.ErrNotFound
		}
		return "", err
	}
	return p.ContentPath(fileID), nil
}

// Copy 只复制映射，两条路径共享内容文件。
func (p *Provider) Copy(ctx context.Context, from, to resource.ConcreteResource) error {
	if from.Equal(to) {
		return nil
	}
	unlock, err := cache.LockPair(ctx, p.locks, from.Key(), to.Key())
	if err != nil {
		return err
	}
	defer unlock()
	err = p.db.Copy(ctx, fileSystem(from), from.Path(), fileSystem(to), to.Path())
	if errors.Is(err, pathdb.ErrNotFound) {
		return cache.ErrNotFound
	}
	return err
}

func (p *Provider) CreateAlias(ctx context.Context, from, to resource.ConcreteResource) error {
	return cache.CreateAlias(ctx, p, from, to)
}

func (p *Provider) LockRead(ctx context.Context, r resource.ConcreteResource) error {
	return p.locks.LockRead(ctx, r.Key())
}

func (p *Provider) UnlockRead(r resource.ConcreteResource) { p.locks.UnlockRead(r.Key()) }

func (p *Provider) LockWrite(ctx context.Context, r resource.ConcreteResource) error {
	return p.locks.LockWrite(ctx, r.Key())
}

func (p *Provider) UnlockWrite(r resource.ConcreteResource) { p.locks.UnlockWrite(r.Key()) }

func (p *Provider) IsReadLocked(r resource.ConcreteResource) bool {
	return p.locks.IsReadLocked(r.Key())
}

func (p *Provider) IsWriteLocked(r resource.ConcreteResource) bool {
	return p.locks.IsWriteLocked(r.Key())
}

func (p *Provider) WaitForReadUnlock(ctx context.Context, r resource.ConcreteResource) error {
	return p.locks.WaitForReadUnlock(ctx, r.Key())
}

func (p *Provider) WaitForWriteUnlock(ctx context.Context, r resource.ConcreteResource) error {
	return p.locks.WaitForWriteUnlock(ctx, r.Key())
}

// Close 停止后台回收并落盘路径映射。
func (p *Provider) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
	p.transfers.Purge()
	return p.flush(context.Background())
}

type contentWriter struct {
	p      *Provider
	r      resource.ConcreteResource
	key    string
	tmp    *os.File
	digest hash.Hash
	size   int64
	err    error
	done   bool
}

func (w *contentWriter) Write(b []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	n, err := w.tmp.Write(b)
	w.digest.Write(b[:n])
	w.size += int64(n)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

func (w *contentWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.p.locks.UnlockWrite(w.key)

	tempName := w.tmp.Name()
	err := w.err
	if closeErr := w.tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = w.p.install(w.r, tempName, hex.EncodeToString(w.digest.Sum(nil)), w.size)
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (w *contentWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.p.locks.UnlockWrite(w.key)
	w.tmp.Close()
	if err := os.Remove(w.tmp.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
