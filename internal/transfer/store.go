package transfer

import (
	"context"
	"io"
	"sort"

	"go.uber.org/multierr"

	"github.com/any-hub/galley/internal/cache"
	galleyerrors "github.com/any-hub/galley/internal/errors"
	"github.com/any-hub/galley/internal/resource"
	"github.com/any-hub/galley/internal/transport"
)

// StoreTarget 选择存储位置：具体资源要求 AllowsStoring；虚拟资源选择第一个允许存储、
// 且对快照/正式版制品允许相应版本类型的 Location。
func (m *Manager) StoreTarget(r resource.Resource) (resource.ConcreteResource, error) {
	switch res := r.(type) {
	case resource.ConcreteResource:
		if !res.AllowsStoring() {
			return resource.ConcreteResource{}, galleyerrors.E(galleyerrors.NotAllowed, "transfer.store",
				"location does not allow storing %s", res.Path()).WithLocation(locationName(res.Location()))
		}
		return res, nil
	case resource.VirtualResource:
		info, artifact := resource.ParseArtifactPath(res.Path())
		for _, c := range res.Concretes() {
			if !c.AllowsStoring() {
				continue
			}
			if artifact && info.IsSnapshot() && !c.AllowsSnapshots() {
				continue
			}
			if artifact && !info.IsSnapshot() && !c.AllowsReleases() {
				continue
			}
			return c, nil
		}
		return resource.ConcreteResource{}, galleyerrors.E(galleyerrors.NoEligibleLocation, "transfer.store",
			"no location accepts %s", res.Path())
	default:
		return resource.ConcreteResource{}, galleyerrors.E(galleyerrors.Invalid, "transfer.store", "unsupported resource %v", r)
	}
}

// Store 把 body 写入选中 Location 的缓存，并清除该 URL 的未命中记录。
// 写入失败时丢弃临时内容，已有版本保持不变。
func (m *Manager) Store(ctx context.Context, r resource.Resource, body io.Reader) (*cache.Transfer, error) {
	target, err := m.StoreTarget(r)
	if err != nil {
		return nil, err
	}
	tr := m.cache.Transfer(target)
	w, err := tr.OpenOutputStream(ctx, cache.OpUpload, true)
	if err != nil {
		return nil, asTransferError("transfer.store", err, target, "")
	}
	if _, err := cache.CopyWithContext(ctx, w, body); err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			m.logger.WithFields(m.fields(target, "")).WithError(abortErr).Error("store_abort_failed")
		}
		return nil, asTransferError("transfer.store", err, target, "")
	}
	if err := w.Close(); err != nil {
		return nil, asTransferError("transfer.store", err, target, "")
	}
	if url, err := transport.URL(target); err == nil {
		m.nfc.Clear(url)
	}
	return tr, nil
}

// Publish 把内容上传到 Location 的远端。同一 URL 的并发发布共享一次上传，
// 后加入者的 body 不会被读取。上传任务可能在调用方返回后继续读取 body，
// 调用方不能在之后复用 body 的底层缓冲区。
func (m *Manager) Publish(ctx context.Context, r resource.ConcreteResource, body io.Reader, length int64, contentType string) (bool, error) {
	if !r.AllowsPublishing() {
		return false, galleyerrors.E(galleyerrors.NotAllowed, "transfer.publish",
			"location does not allow publishing %s", r.Path()).WithLocation(locationName(r.Location()))
	}
	url, err := transport.URL(r)
	if err != nil {
		return false, err
	}
	tp, err := m.transports.Transport(r.Location())
	if err != nil {
		return false, err
	}
	val, err := m.join(ctx, &m.uploads, url, "transfer.publish", r.Location(), func(jobCtx context.Context) (interface{}, error) {
		release, err := m.acquire(jobCtx)
		if err != nil {
			return false, asTransferError("transfer.publish", err, r, url)
		}
		defer release()
		job, err := tp.CreatePublishJob(url, r.Location(), body, length, contentType)
		if err != nil {
			return false, asTransferError("transfer.publish", err, r, url)
		}
		ok, err := job.Call(jobCtx)
		if err != nil {
			return false, asTransferError("transfer.publish", err, r, url)
		}
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	ok, _ := val.(bool)
	if ok {
		m.nfc.Clear(url)
		m.logger.WithFields(m.fields(r, url)).Info("published")
	}
	return ok, nil
}

// Exists 先查缓存，再在允许下载时询问远端；虚拟资源任一 Location 存在即为真。
func (m *Manager) Exists(ctx context.Context, r resource.Resource) (bool, error) {
	switch res := r.(type) {
	case resource.ConcreteResource:
		return m.exists(ctx, res)
	case resource.VirtualResource:
		var errs error
		for _, c := range res.Concretes() {
			ok, err := m.exists(ctx, c)
			if err != nil {
				if ctx.Err() != nil {
					return false, err
				}
				errs = multierr.Append(errs, err)
				continue
			}
			if ok {
				return true, nil
			}
		}
		return false, errs
	default:
		return false, galleyerrors.E(galleyerrors.Invalid, "transfer.exists", "unsupported resource %v", r)
	}
}

func (m *Manager) exists(ctx context.Context, r resource.ConcreteResource) (bool, error) {
	if m.cache.Transfer(r).Exists() {
		return true, nil
	}
	if !r.AllowsDownloading() {
		return false, nil
	}
	url, err := transport.URL(r)
	if err != nil {
		return false, err
	}
	if m.nfc.HasEntry(url) {
		return false, nil
	}
	tp, err := m.transports.Transport(r.Location())
	if err != nil {
		return false, err
	}
	val, err := m.join(ctx, &m.existence, url, "transfer.exists", r.Location(), func(jobCtx context.Context) (interface{}, error) {
		release, err := m.acquire(jobCtx)
		if err != nil {
			return false, asTransferError("transfer.exists", err, r, url)
		}
		defer release()
		job, err := tp.CreateExistenceJob(url, r.Location())
		if err != nil {
			return false, asTransferError("transfer.exists", err, r, url)
		}
		ok, err := job.Call(jobCtx)
		if err != nil {
			return false, asTransferError("transfer.exists", err, r, url)
		}
		if !ok {
			m.nfc.AddMissing(url)
		}
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	ok, _ := val.(bool)
	return ok, nil
}

// List 返回缓存中的目录项；虚拟资源合并所有 Location 的结果并排序去重。
func (m *Manager) List(ctx context.Context, r resource.Resource) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var concretes []resource.ConcreteResource
	switch res := r.(type) {
	case resource.ConcreteResource:
		concretes = []resource.ConcreteResource{res}
	case resource.VirtualResource:
		concretes = res.Concretes()
	default:
		return nil, galleyerrors.E(galleyerrors.Invalid, "transfer.list", "unsupported resource %v", r)
	}

	seen := make(map[string]struct{})
	var out []string
	for _, c := range concretes {
		names, err := m.cache.Transfer(c).List()
		if err != nil {
			return nil, asTransferError("transfer.list", err, c, "")
		}
		for _, name := range names {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Delete 删除缓存副本，要求 Location 允许删除。
func (m *Manager) Delete(ctx context.Context, r resource.ConcreteResource) (bool, error) {
	if !r.AllowsDeletion() {
		return false, galleyerrors.E(galleyerrors.NotAllowed, "transfer.delete",
			"location does not allow deleting %s", r.Path()).WithLocation(locationName(r.Location()))
	}
	return m.cache.Transfer(r).Delete(ctx, true)
}

// DeleteAll 在所有允许删除的 Location 上删除缓存副本，任一删除成功即返回 true。
func (m *Manager) DeleteAll(ctx context.Context, v resource.VirtualResource) (bool, error) {
	deleted := false
	var errs error
	for _, c := range v.Concretes() {
		if !c.AllowsDeletion() {
			continue
		}
		ok, err := m.cache.Transfer(c).Delete(ctx, true)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		deleted = deleted || ok
	}
	return deleted, errs
}
