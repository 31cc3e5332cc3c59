// Package fastlocal implements a dual-tier CacheProvider: a fast local disk
// in front of a durable (typically NFS-mounted) store shared by a cluster.
//
// Reads prefer the fast tier and fall back to the durable tier, scheduling an
// asynchronous warm-up copy into the fast tier. Writes go to both tiers under
// an exclusive lock on the durable parent directory; the ownership record for
// that directory is committed only after both tiers closed successfully.
package fastlocal

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/galley/internal/cache"
	galleyerrors "github.com/any-hub/galley/internal/errors"
	"github.com/any-hub/galley/internal/lock"
	"github.com/any-hub/galley/internal/logging"
	"github.com/any-hub/galley/internal/resource"
)

const defaultWarmupWorkers = 4

// Options 配置双层 Provider。Fast 与 Durable 通常是两个不同根目录的 FileProvider。
type Options struct {
	Fast    cache.Provider
	Durable cache.Provider
	Locker  lock.Locker

	Events            cache.EventManager
	Decorator         cache.Decorator
	Logger            *logrus.Logger
	WarmupWorkers     int
	TransferCacheSize int
	TransferCacheTTL  time.Duration
}

// Provider 组合快速层与持久层。
type Provider struct {
	fast    cache.Provider
	durable cache.Provider
	locker  lock.Locker

	events    cache.EventManager
	decorator cache.Decorator
	logger    *logrus.Logger
	transfers *cache.TransferCache

	warming *xsync.Map[string, struct{}]
	pool    *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
}

var _ cache.Provider = (*Provider)(nil)

// New 校验依赖并启动预热池。
func New(opts Options) (*Provider, error) {
	if opts.Fast == nil || opts.Durable == nil {
		return nil, galleyerrors.E(galleyerrors.Invalid, "fastlocal.new", "both fast and durable tiers are required")
	}
	if opts.Locker == nil {
		return nil, galleyerrors.E(galleyerrors.Invalid, "fastlocal.new", "an ownership locker is required")
	}
	workers := opts.WarmupWorkers
	if workers <= 0 {
		workers = defaultWarmupWorkers
	}
	pool := new(errgroup.Group)
	pool.SetLimit(workers)
	ctx, cancel := context.WithCancel(context.Background())

	p := &Provider{
		fast:      opts.Fast,
		durable:   opts.Durable,
		locker:    opts.Locker,
		events:    opts.Events,
		decorator: opts.Decorator,
		logger:    logging.OrDiscard(opts.Logger),
		transfers: cache.NewTransferCache(opts.TransferCacheSize, opts.TransferCacheTTL),
		warming:   xsync.NewMap[string, struct{}](),
		pool:      pool,
		ctx:       ctx,
		cancel:    cancel,
	}
	return p, nil
}

// OwnerKey 返回资源在持久层的父目录路径，作为锁与归属记录的键。
func (p *Provider) OwnerKey(r resource.ConcreteResource) string {
	return filepath.Dir(p.durable.FilePath(r))
}

// Owner 返回该资源所在目录最后一次提交写入的节点。
func (p *Provider) Owner(r resource.ConcreteResource) (string, bool) {
	return p.locker.Owner(p.OwnerKey(r))
}

func (p *Provider) Transfer(r resource.ConcreteResource) *cache.Transfer {
	return p.transfers.GetOrCreate(r.Key(), func() *cache.Transfer {
		return cache.NewTransfer(r, p, p.events, p.decorator)
	})
}

// OpenInputStream 优先读快速层；快速层缺失时读取持久层并安排异步预热。
func (p *Provider) OpenInputStream(ctx context.Context, r resource.ConcreteResource) (io.ReadCloser, error) {
	if p.fast.IsFile(r) {
		rc, err := p.fast.OpenInputStream(ctx, r)
		if err == nil {
			return rc, nil
		}
		if !cache.IsNotFound(err) {
			p.logTier("fast", r, err).Warn("fast_tier_read_failed")
		}
	}
	rc, err := p.durable.OpenInputStream(ctx, r)
	if err != nil {
		return nil, err
	}
	p.scheduleWarmup(r)
	return rc, nil
}

// scheduleWarmup 同一资源同时只会有一个预热任务；池满时直接放弃，下次读取再尝试。
func (p *Provider) scheduleWarmup(r resource.ConcreteResource) {
	key := r.Key()
	if _, loaded := p.warming.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	started := p.pool.TryGo(func() error {
		defer p.warming.Delete(key)
		if err := p.warm(p.ctx, r); err != nil {
			p.logTier("fast", r, err).Warn("fast_tier_warmup_failed")
		}
		return nil
	})
	if !started {
		p.warming.Delete(key)
		p.logger.WithField("resource", r.String()).Debug("fast_tier_warmup_skipped")
	}
}

func (p *Provider) warm(ctx context.Context, r resource.ConcreteResource) error {
	key := p.OwnerKey(r)
	if err := p.locker.Lock(ctx, key); err != nil {
		return err
	}
	defer p.unlock(key)

	if p.fast.IsFile(r) {
		return nil
	}
	in, err := p.durable.OpenInputStream(ctx, r)
	if err != nil {
		if cache.IsNotFound(err) {
			return nil
		}
		return err
	}
	defer in.Close()

	out, err := p.fast.OpenOutputStream(ctx, r)
	if err != nil {
		return err
	}
	if _, err := cache.CopyWithContext(ctx, out, in); err != nil {
		out.Abort()
		return err
	}
	return out.Close()
}

// Warming 报告资源当前是否有预热任务。
func (p *Provider) Warming(r resource.ConcreteResource) bool {
	_, ok := p.warming.Load(r.Key())
	return ok
}

// OpenOutputStream 获取目录归属锁后同时打开两层写入端。
func (p *Provider) OpenOutputStream(ctx context.Context, r resource.ConcreteResource) (cache.Writer, error) {
	key := p.OwnerKey(r)
	if err := p.locker.Lock(ctx, key); err != nil {
		return nil, err
	}
	txn := p.locker.Begin(key)
	txn.SetOwner(p.locker.Node())

	durable, err := p.durable.OpenOutputStream(ctx, r)
	if err != nil {
		p.rollback(txn, r)
		p.unlock(key)
		return nil, err
	}
	fast, err := p.fast.OpenOutputStream(ctx, r)
	if err != nil {
		durable.Abort()
		p.rollback(txn, r)
		p.unlock(key)
		return nil, err
	}
	return &dualWriter{p: p, r: r, key: key, txn: txn, fast: fast, durable: durable}, nil
}

func (p *Provider) Exists(r resource.ConcreteResource) bool {
	return p.fast.Exists(r) || p.durable.Exists(r)
}

func (p *Provider) IsDirectory(r resource.ConcreteResource) bool {
	return p.fast.IsDirectory(r) || p.durable.IsDirectory(r)
}

func (p *Provider) IsFile(r resource.ConcreteResource) bool {
	return p.fast.IsFile(r) || p.durable.IsFile(r)
}

// TierResult 是单层删除的结果。
type TierResult struct {
	Deleted bool
	Err     error
}

// DeleteResult 分别记录两层的删除结果。
type DeleteResult struct {
	Fast    TierResult
	Durable TierResult
}

// Deleted 为真当且仅当至少一层删除了内容且两层都没有失败。
func (d DeleteResult) Deleted() bool {
	if d.Fast.Err != nil || d.Durable.Err != nil {
		return false
	}
	return d.Fast.Deleted || d.Durable.Deleted
}

// Err 合并两层的错误。
func (d DeleteResult) Err() error {
	return multierr.Combine(d.Fast.Err, d.Durable.Err)
}

// DeleteTiers 在目录归属锁内依次删除快速层与持久层，返回每层的结果。
// 只在两层都没有失败时更新归属记录。
func (p *Provider) DeleteTiers(ctx context.Context, r resource.ConcreteResource) (DeleteResult, error) {
	var res DeleteResult
	key := p.OwnerKey(r)
	if err := p.locker.Lock(ctx, key); err != nil {
		return res, err
	}
	defer p.unlock(key)

	txn := p.locker.Begin(key)
	txn.SetOwner(p.locker.Node())

	res.Fast.Deleted, res.Fast.Err = p.fast.Delete(ctx, r)
	res.Durable.Deleted, res.Durable.Err = p.durable.Delete(ctx, r)

	if err := res.Err(); err != nil {
		p.rollback(txn, r)
		return res, galleyerrors.Wrap(galleyerrors.Partial, "fastlocal.delete", err, "delete of %s failed on at least one tier", r)
	}
	if !res.Deleted() {
		p.rollback(txn, r)
		return res, nil
	}
	if err := txn.Commit(); err != nil {
		p.logTier("durable", r, err).Error("ownership_commit_failed")
	}
	return res, nil
}

// Delete 见 DeleteResult.Deleted；任一层失败时返回 false 与 Partial 错误。
func (p *Provider) Delete(ctx context.Context, r resource.ConcreteResource) (bool, error) {
	res, err := p.DeleteTiers(ctx, r)
	if err != nil {
		return false, err
	}
	return res.Deleted(), nil
}

// List 合并两层的目录项。
func (p *Provider) List(r resource.ConcreteResource) ([]string, error) {
	fast, fastErr := p.fast.List(r)
	durable, durableErr := p.durable.List(r)
	if durableErr != nil {
		return nil, durableErr
	}
	if fastErr != nil {
		p.logTier("fast", r, fastErr).Warn("fast_tier_list_failed")
	}
	if fast == nil && durable == nil {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(fast)+len(durable))
	out := make([]string, 0, len(fast)+len(durable))
	for _, name := range append(durable, fast...) {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (p *Provider) Mkdirs(r resource.ConcreteResource) error {
	return multierr.Combine(p.durable.Mkdirs(r), p.fast.Mkdirs(r))
}

func (p *Provider) Length(r resource.ConcreteResource) int64 {
	if p.fast.IsFile(r) {
		return p.fast.Length(r)
	}
	return p.durable.Length(r)
}

// LastModified 以持久层为准，快速层副本的时间只反映预热时刻。
func (p *Provider) LastModified(r resource.ConcreteResource) time.Time {
	if p.durable.Exists(r) {
		return p.durable.LastModified(r)
	}
	return p.fast.LastModified(r)
}

// FilePath 返回快速层路径。
func (p *Provider) FilePath(r resource.ConcreteResource) string {
	return p.fast.FilePath(r)
}

// DurablePath 返回持久层路径。
func (p *Provider) DurablePath(r resource.ConcreteResource) string {
	return p.durable.FilePath(r)
}

func (p *Provider) DetachedFile(ctx context.Context, r resource.ConcreteResource) (string, error) {
	if p.fast.IsFile(r) {
		return p.fast.DetachedFile(ctx, r)
	}
	return p.durable.DetachedFile(ctx, r)
}

// Copy 按字典序获取两个目录的归属锁，先复制持久层，再同步快速层。
func (p *Provider) Copy(ctx context.Context, from, to resource.ConcreteResource) error {
	if from.Equal(to) {
		return nil
	}
	keys := []string{p.OwnerKey(from), p.OwnerKey(to)}
	sort.Strings(keys)
	if keys[0] == keys[1] {
		keys = keys[:1]
	}
	for i, key := range keys {
		if err := p.locker.Lock(ctx, key); err != nil {
			for _, held := range keys[:i] {
				p.unlock(held)
			}
			return err
		}
	}
	defer func() {
		for _, key := range keys {
			p.unlock(key)
		}
	}()

	toKey := p.OwnerKey(to)
	txn := p.locker.Begin(toKey)
	txn.SetOwner(p.locker.Node())

	if err := p.durable.Copy(ctx, from, to); err != nil {
		p.rollback(txn, to)
		return err
	}
	var fastErr error
	if p.fast.IsFile(from) {
		fastErr = p.fast.Copy(ctx, from, to)
	} else {
		_, fastErr = p.fast.Delete(ctx, to)
	}
	if fastErr != nil {
		if _, err := p.fast.Delete(ctx, to); err != nil {
			p.logTier("fast", to, err).Error("fast_tier_cleanup_failed")
		}
		p.rollback(txn, to)
		return galleyerrors.Wrap(galleyerrors.Partial, "fastlocal.copy", fastErr, "copy %s -> %s reached only the durable tier", from, to)
	}
	if err := txn.Commit(); err != nil {
		p.logTier("durable", to, err).Error("ownership_commit_failed")
		return galleyerrors.Wrap(galleyerrors.Transaction, "fastlocal.copy", err, "commit ownership of %s", toKey)
	}
	return nil
}

func (p *Provider) CreateAlias(ctx context.Context, from, to resource.ConcreteResource) error {
	return cache.CreateAlias(ctx, p, from, to)
}

func (p *Provider) LockRead(ctx context.Context, r resource.ConcreteResource) error {
	return p.fast.LockRead(ctx, r)
}

func (p *Provider) UnlockRead(r resource.ConcreteResource) { p.fast.UnlockRead(r) }

func (p *Provider) LockWrite(ctx context.Context, r resource.ConcreteResource) error {
	return p.fast.LockWrite(ctx, r)
}

func (p *Provider) UnlockWrite(r resource.ConcreteResource) { p.fast.UnlockWrite(r) }

func (p *Provider) IsReadLocked(r resource.ConcreteResource) bool {
	return p.fast.IsReadLocked(r)
}

func (p *Provider) IsWriteLocked(r resource.ConcreteResource) bool {
	return p.fast.IsWriteLocked(r) || p.durable.IsWriteLocked(r)
}

func (p *Provider) WaitForReadUnlock(ctx context.Context, r resource.ConcreteResource) error {
	return p.fast.WaitForReadUnlock(ctx, r)
}

func (p *Provider) WaitForWriteUnlock(ctx context.Context, r resource.ConcreteResource) error {
	if err := p.durable.WaitForWriteUnlock(ctx, r); err != nil {
		return err
	}
	return p.fast.WaitForWriteUnlock(ctx, r)
}

// Close 取消进行中的预热并等待其退出。
func (p *Provider) Close() error {
	p.cancel()
	_ = p.pool.Wait()
	p.transfers.Purge()
	return multierr.Combine(p.fast.Close(), p.durable.Close())
}

func (p *Provider) unlock(key string) {
	if err := p.locker.Unlock(key); err != nil {
		p.logger.WithFields(logrus.Fields{"key": key}).WithError(err).Error("ownership_unlock_failed")
	}
}

func (p *Provider) rollback(txn lock.Txn, r resource.ConcreteResource) {
	if err := txn.Rollback(); err != nil {
		p.logTier("durable", r, err).Error("ownership_rollback_failed")
	}
}

func (p *Provider) logTier(tier string, r resource.ConcreteResource, err error) *logrus.Entry {
	return p.logger.WithFields(logrus.Fields{"tier": tier, "resource": r.String()}).WithError(err)
}
