// Package transfer is the join/dedup engine at the heart of galley. It
// resolves retrieval, storage and publish requests against ordered lists of
// Locations, consults the cache provider and the not-found cache first, and
// starts at most one network job per distinct URL: concurrent callers for the
// same URL join the in-flight job instead of starting their own.
//
// Jobs run on a context detached from any single caller. A waiter is bounded
// by the Location timeout; the job itself gets JobTimeoutFactor times that, so
// a caller that gives up gets a Timeout error while the job keeps running and
// remains usable by more patient callers.
package transfer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/galley/internal/cache"
	galleyerrors "github.com/any-hub/galley/internal/errors"
	"github.com/any-hub/galley/internal/logging"
	"github.com/any-hub/galley/internal/nfc"
	"github.com/any-hub/galley/internal/resource"
	"github.com/any-hub/galley/internal/transport"
)

const (
	defaultWorkers          = 8
	defaultTimeout          = 30 * time.Second
	defaultJobTimeoutFactor = 10
)

// Options 配置 Manager。Cache 与 Transports 必填。
type Options struct {
	Cache      cache.Provider
	Transports *transport.Manager
	NFC        nfc.Cache
	Events     cache.EventManager
	Logger     *logrus.Logger
	// Workers 限制同时运行的网络任务数。
	Workers int
	// DefaultTimeout 用于未配置超时的 Location。
	DefaultTimeout time.Duration
	// JobTimeoutFactor 是共享任务期限相对等待超时的倍数，默认 10。
	JobTimeoutFactor int
}

// Manager 是传输管理器。
type Manager struct {
	cache      cache.Provider
	transports *transport.Manager
	nfc        nfc.Cache
	events     cache.EventManager
	logger     *logrus.Logger

	workers          int
	pool             *semaphore.Weighted
	defaultTimeout   time.Duration
	jobTimeoutFactor int
	inflight         jobTracker

	downloads singleflight.Group
	uploads   singleflight.Group
	existence singleflight.Group

	started atomic.Int64
}

// New 校验依赖并填充默认值。
func New(opts Options) (*Manager, error) {
	if opts.Cache == nil {
		return nil, errors.New("transfer: cache provider required")
	}
	if opts.Transports == nil {
		return nil, errors.New("transfer: transport manager required")
	}
	m := &Manager{
		cache:          opts.Cache,
		transports:     opts.Transports,
		nfc:            opts.NFC,
		events:         opts.Events,
		logger:         opts.Logger,
		workers:          opts.Workers,
		defaultTimeout:   opts.DefaultTimeout,
		jobTimeoutFactor: opts.JobTimeoutFactor,
	}
	if m.nfc == nil {
		m.nfc = nfc.NoOp{}
	}
	if m.events == nil {
		m.events = cache.NoOpEvents{}
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	if m.workers <= 0 {
		m.workers = defaultWorkers
	}
	if m.defaultTimeout <= 0 {
		m.defaultTimeout = defaultTimeout
	}
	if m.jobTimeoutFactor <= 0 {
		m.jobTimeoutFactor = defaultJobTimeoutFactor
	}
	m.pool = semaphore.NewWeighted(int64(m.workers))
	return m, nil
}

// Cache 返回底层 Provider。
func (m *Manager) Cache() cache.Provider { return m.cache }

// NFC 返回未命中缓存。
func (m *Manager) NFC() nfc.Cache { return m.nfc }

// JobsStarted 返回自启动以来实际执行的网络任务数。
func (m *Manager) JobsStarted() int64 { return m.started.Load() }

// CacheReference 返回资源在缓存中的句柄，不触发任何网络操作。
func (m *Manager) CacheReference(r resource.ConcreteResource) *cache.Transfer {
	return m.cache.Transfer(r)
}

func (m *Manager) timeout(loc *resource.Location) time.Duration {
	if loc != nil && loc.Timeout() > 0 {
		return loc.Timeout()
	}
	return m.defaultTimeout
}

// jobTimeout 是共享任务自身的期限，长于任何一个等待者的超时。
func (m *Manager) jobTimeout(loc *resource.Location) time.Duration {
	return m.timeout(loc) * time.Duration(m.jobTimeoutFactor)
}

// Drain 等待所有已启动的共享任务结束，ctx 结束时提前返回其错误。
func (m *Manager) Drain(ctx context.Context) error {
	return m.inflight.wait(ctx)
}

// jobTracker 统计运行中的共享任务，计数归零时关闭 idle。
type jobTracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (j *jobTracker) start() {
	j.mu.Lock()
	if j.n == 0 {
		j.idle = make(chan struct{})
	}
	j.n++
	j.mu.Unlock()
}

func (j *jobTracker) done() {
	j.mu.Lock()
	j.n--
	if j.n == 0 {
		close(j.idle)
	}
	j.mu.Unlock()
}

func (j *jobTracker) wait(ctx context.Context) error {
	j.mu.Lock()
	if j.n == 0 {
		j.mu.Unlock()
		return nil
	}
	idle := j.idle
	j.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// join 让同一 key 的调用方共享一次执行。fn 运行在脱离调用方取消信号的 context 上，
// 期限为 jobTimeout；调用方最多等待 timeout 或自身 ctx 结束，放弃等待不会取消 fn。
func (m *Manager) join(ctx context.Context, group *singleflight.Group, key, op string, loc *resource.Location,
	fn func(context.Context) (interface{}, error)) (interface{}, error) {
	timeout := m.timeout(loc)
	jobTimeout := m.jobTimeout(loc)
	detached := context.WithoutCancel(ctx)
	ch := group.DoChan(key, func() (interface{}, error) {
		m.inflight.start()
		defer m.inflight.done()
		jobCtx, cancel := context.WithTimeout(detached, jobTimeout)
		defer cancel()
		return fn(jobCtx)
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-timer.C:
		return nil, galleyerrors.E(galleyerrors.Timeout, op, "waited %s for in-flight transfer", timeout).
			WithURL(key).WithLocation(locationName(loc))
	case <-ctx.Done():
		return nil, galleyerrors.Wrap(galleyerrors.Other, op, ctx.Err(), "caller stopped waiting").
			WithURL(key).WithLocation(locationName(loc))
	}
}

// acquire 在任务池中占用一个名额。
func (m *Manager) acquire(ctx context.Context) (func(), error) {
	if err := m.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	m.started.Add(1)
	return func() { m.pool.Release(1) }, nil
}

func (m *Manager) fields(r resource.ConcreteResource, url string) logrus.Fields {
	return logging.TransferFields(locationName(r.Location()), r.Path(), url)
}

func locationName(loc *resource.Location) string {
	if loc == nil {
		return ""
	}
	return loc.Name()
}

// asTransferError 保留已分类的错误，其余包装为 Transfer。
func asTransferError(op string, err error, r resource.ConcreteResource, url string) error {
	var ge *galleyerrors.Error
	if errors.As(err, &ge) {
		return err
	}
	kind := galleyerrors.Transfer
	if errors.Is(err, context.DeadlineExceeded) {
		kind = galleyerrors.Timeout
	}
	return galleyerrors.Wrap(kind, op, err, "%s", r.Path()).WithURL(url).WithLocation(locationName(r.Location()))
}
