package pathmapped

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/galley/internal/pathdb"
)

func (p *Provider) reclaimLoop(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if _, err := p.Reclaim(context.Background()); err != nil {
				p.logger.WithError(err).Warn("content_reclaim_failed")
			}
			if err := p.flush(context.Background()); err != nil {
				p.logger.WithError(err).Warn("path_db_flush_failed")
			}
		}
	}
}

// Reclaim 删除无引用时长超过宽限期的内容文件，返回删除数量。
// 每个摘要在摘要锁内认领，并发写入相同内容时不会删掉刚安装的文件。
func (p *Provider) Reclaim(ctx context.Context) (int, error) {
	orphans, err := p.db.ListOrphanedFiles(ctx, p.grace)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, o := range orphans {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := p.reclaimOne(ctx, o.FileID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		p.logger.WithFields(logrus.Fields{"action": "reclaim", "removed": removed}).Info("content_reclaimed")
	}
	return removed, nil
}

// flush 在 DB 支持落盘时写出映射快照。
func (p *Provider) flush(ctx context.Context) error {
	if f, ok := p.db.(pathdb.Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}

func (p *Provider) reclaimOne(ctx context.Context, fileID string) (bool, error) {
	dk := digestKey(fileID)
	if err := p.locks.LockWrite(ctx, dk); err != nil {
		return false, err
	}
	defer p.locks.UnlockWrite(dk)

	claimed, err := p.db.RemoveFromReclaim(ctx, fileID)
	if err != nil || !claimed {
		return false, err
	}
	if err := os.Remove(p.ContentPath(fileID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return true, nil
}
