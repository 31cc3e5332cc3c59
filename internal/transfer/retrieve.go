package transfer

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/galley/internal/cache"
	galleyerrors "github.com/any-hub/galley/internal/errors"
	"github.com/any-hub/galley/internal/resource"
	"github.com/any-hub/galley/internal/transport"
)

// Retrieve 返回资源的缓存句柄，必要时从远端下载。远端不存在时返回 (nil, nil)。
func (m *Manager) Retrieve(ctx context.Context, r resource.ConcreteResource) (*cache.Transfer, error) {
	return m.retrieve(ctx, r, false)
}

// retrieve 在 suppressInvalid 为真时把非法 URL 与无可用 Transport 视为未命中，
// 供按顺序尝试多个 Location 时跳过配置有误的条目。
func (m *Manager) retrieve(ctx context.Context, r resource.ConcreteResource, suppressInvalid bool) (*cache.Transfer, error) {
	target := m.cache.Transfer(r)
	if m.fresh(target) {
		return target, nil
	}
	if !r.AllowsDownloading() {
		if target.Exists() {
			return target, nil
		}
		return nil, nil
	}

	url, err := transport.URL(r)
	if err != nil {
		return nil, m.invalid(err, r, suppressInvalid)
	}
	if m.nfc.HasEntry(url) {
		return nil, nil
	}
	tp, err := m.transports.Transport(r.Location())
	if err != nil {
		return nil, m.invalid(err, r, suppressInvalid)
	}

	val, err := m.join(ctx, &m.downloads, url, "transfer.retrieve", r.Location(), func(jobCtx context.Context) (interface{}, error) {
		return m.download(jobCtx, tp, url, target)
	})
	if err != nil {
		return nil, err
	}
	result, _ := val.(*cache.Transfer)
	if result == nil {
		return nil, nil
	}
	if !result.Resource().Equal(r) {
		if err := m.cache.CreateAlias(ctx, result.Resource(), r); err != nil {
			return nil, asTransferError("transfer.retrieve", err, r, url)
		}
	}
	if !target.Exists() {
		return nil, nil
	}
	return target, nil
}

// download 是每个 URL 唯一执行的下载任务体。
func (m *Manager) download(ctx context.Context, tp transport.Transport, url string, target *cache.Transfer) (*cache.Transfer, error) {
	r := target.Resource()
	if m.fresh(target) {
		return target, nil
	}
	release, err := m.acquire(ctx)
	if err != nil {
		return nil, asTransferError("transfer.download", err, r, url)
	}
	defer release()

	job, err := tp.CreateDownloadJob(url, r.Location(), target)
	if err != nil {
		return nil, asTransferError("transfer.download", err, r, url)
	}
	m.logger.WithFields(m.fields(r, url)).Debug("download_started")
	result, err := job.Call(ctx)
	if err != nil {
		m.logger.WithFields(m.fields(r, url)).WithError(err).Warn("download_failed")
		return nil, asTransferError("transfer.download", err, r, url)
	}
	if result == nil {
		m.nfc.AddMissing(url)
		m.logger.WithFields(m.fields(r, url)).Debug("download_not_found")
		return nil, nil
	}
	return result, nil
}

func (m *Manager) invalid(err error, r resource.ConcreteResource, suppress bool) error {
	if !suppress {
		return err
	}
	m.logger.WithFields(m.fields(r, "")).WithError(err).Warn("location_skipped")
	return nil
}

// RetrieveFirst 按 Location 顺序检索，返回第一个命中。
//
// 单个 Location 的失败会被记录并跳过；若命中发生在首个 Location 之后，内容会以别名
// 写入首个 Location 的缓存位置。全部未命中时触发 NotFound 事件：没有失败则返回
// (nil, nil)，否则返回汇总的 Transfer 错误。调用方自身 ctx 结束时立即返回。
func (m *Manager) RetrieveFirst(ctx context.Context, v resource.VirtualResource) (*cache.Transfer, error) {
	concretes := v.Concretes()
	var errs error
	for i, r := range concretes {
		tr, err := m.retrieve(ctx, r, true)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			errs = multierr.Append(errs, err)
			continue
		}
		if tr == nil {
			continue
		}
		if i > 0 {
			m.aliasInto(ctx, tr, concretes[0])
		}
		return tr, nil
	}

	m.events.Fire(cache.Event{Type: cache.EventNotFound, Resource: v})
	if errs != nil {
		return nil, galleyerrors.Wrap(galleyerrors.Transfer, "transfer.retrieve_first", errs, "no location served %s", v.Path())
	}
	return nil, nil
}

// aliasInto 让首选 Location 的缓存位置也持有命中的内容，后续检索不再走网络。
func (m *Manager) aliasInto(ctx context.Context, hit *cache.Transfer, primary resource.ConcreteResource) {
	if hit.Resource().Equal(primary) || m.cache.Transfer(primary).Exists() {
		return
	}
	if err := m.cache.CreateAlias(ctx, hit.Resource(), primary); err != nil {
		m.logger.WithFields(m.fields(primary, "")).WithError(err).Warn("alias_failed")
	}
}

// RetrieveAll 并发检索所有 Location，按 Location 顺序返回命中的句柄（去重）。
// 单个 Location 的失败汇总在返回的错误中，不影响其他 Location 的结果。
func (m *Manager) RetrieveAll(ctx context.Context, v resource.VirtualResource) ([]*cache.Transfer, error) {
	concretes := v.Concretes()
	results := make([]*cache.Transfer, len(concretes))

	var (
		mu   sync.Mutex
		errs error
	)
	g := new(errgroup.Group)
	g.SetLimit(m.workers)
	for i, r := range concretes {
		g.Go(func() error {
			tr, err := m.retrieve(ctx, r, true)
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				return nil
			}
			results[i] = tr
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]struct{}, len(results))
	out := make([]*cache.Transfer, 0, len(results))
	for _, tr := range results {
		if tr == nil {
			continue
		}
		key := tr.Resource().Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tr)
	}
	if len(out) == 0 {
		m.events.Fire(cache.Event{Type: cache.EventNotFound, Resource: v})
	}
	return out, errs
}
