package fastlocal

import (
	"context"
	"os"

	"go.uber.org/multierr"

	"github.com/any-hub/galley/internal/cache"
	galleyerrors "github.com/any-hub/galley/internal/errors"
	"github.com/any-hub/galley/internal/lock"
	"github.com/any-hub/galley/internal/resource"
)

// dualWriter 同时写入两层。Close 先提交持久层：持久层失败则丢弃快速层；
// 快速层失败则删除快速层残留副本并返回 Partial。两层都成功才提交归属事务。
// 无论结果如何，Close/Abort 都会释放目录归属锁。
type dualWriter struct {
	p   *Provider
	r   resource.ConcreteResource
	key string
	txn lock.Txn

	fast    cache.Writer
	durable cache.Writer
	done    bool
}

func (w *dualWriter) Write(b []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	n, err := w.durable.Write(b)
	if err != nil {
		return n, err
	}
	if _, err := w.fast.Write(b); err != nil {
		return n, err
	}
	return n, nil
}

func (w *dualWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.p.unlock(w.key)

	if err := w.durable.Close(); err != nil {
		if abortErr := w.fast.Abort(); abortErr != nil {
			w.p.logTier("fast", w.r, abortErr).Error("fast_tier_abort_failed")
		}
		w.p.rollback(w.txn, w.r)
		return galleyerrors.Wrap(galleyerrors.Transfer, "fastlocal.write", err, "durable tier rejected %s", w.r)
	}
	if err := w.fast.Close(); err != nil {
		if _, delErr := w.p.fast.Delete(context.Background(), w.r); delErr != nil {
			w.p.logTier("fast", w.r, delErr).Error("fast_tier_cleanup_failed")
		}
		w.p.rollback(w.txn, w.r)
		return galleyerrors.Wrap(galleyerrors.Partial, "fastlocal.write", err, "%s reached only the durable tier", w.r)
	}
	if err := w.txn.Commit(); err != nil {
		w.p.logTier("durable", w.r, err).Error("ownership_commit_failed")
		return galleyerrors.Wrap(galleyerrors.Transaction, "fastlocal.write", err, "commit ownership of %s", w.key)
	}
	return nil
}

func (w *dualWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.p.unlock(w.key)
	err := multierr.Combine(w.durable.Abort(), w.fast.Abort())
	w.p.rollback(w.txn, w.r)
	return err
}
