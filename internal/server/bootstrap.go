package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/any-hub/galley/internal/cache"
	"github.com/any-hub/galley/internal/cache/fastlocal"
	"github.com/any-hub/galley/internal/cache/pathmapped"
	"github.com/any-hub/galley/internal/checksum"
	"github.com/any-hub/galley/internal/config"
	"github.com/any-hub/galley/internal/lock"
	"github.com/any-hub/galley/internal/logging"
	"github.com/any-hub/galley/internal/nfc"
	"github.com/any-hub/galley/internal/pathdb"
	"github.com/any-hub/galley/internal/transfer"
	"github.com/any-hub/galley/internal/transport"
	"github.com/any-hub/galley/internal/version"
)

const drainTimeout = 30 * time.Second

// pathDBFile 是 pathmapped 后端在 StoragePath 下保存路径映射快照的文件名。
const pathDBFile = "pathdb.json"

// Runtime 聚合启动阶段构建的全部组件，生命周期与进程一致。
type Runtime struct {
	Registry *Registry
	Provider cache.Provider
	Manager  *transfer.Manager
	NFC      nfc.Cache
	// Owners 仅在 fastlocal 后端下非空，供诊断接口输出归属记录。
	Owners *lock.Store
	// Backend 是生效的缓存后端名称。
	Backend string
}

// Bootstrap 根据配置选择缓存后端，装配校验装饰器、未命中缓存、Transport 与传输管理器。
func Bootstrap(cfg *config.Config, logger *logrus.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	registry, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}

	decorator, err := buildDecorator(cfg.Global, logger)
	if err != nil {
		return nil, err
	}
	events := cache.LoggingEvents{Logger: logger}

	rt := &Runtime{Registry: registry, Backend: cfg.Global.CacheBackend}
	provider, err := buildProvider(cfg.Global, events, decorator, logger, rt)
	if err != nil {
		return nil, err
	}
	rt.Provider = provider

	transports := transport.NewManager(
		transport.File{},
		transport.NewHTTP(transport.HTTPOptions{
			MaxRetries:     cfg.Global.MaxRetries,
			InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
			UserAgent:      version.UserAgent(),
			Logger:         logger,
		}),
	)

	var missing nfc.Cache = nfc.NoOp{}
	if cfg.Global.NFCSize > 0 {
		missing = nfc.New(cfg.Global.NFCSize, cfg.Global.NFCTimeout.DurationValue())
	}
	rt.NFC = missing

	manager, err := transfer.New(transfer.Options{
		Cache:            provider,
		Transports:       transports,
		NFC:              missing,
		Events:           events,
		Logger:           logger,
		Workers:          cfg.Global.Workers,
		DefaultTimeout:   cfg.Global.DefaultTimeout.DurationValue(),
		JobTimeoutFactor: cfg.Global.JobTimeoutFactor,
	})
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	rt.Manager = manager

	logger.WithFields(logrus.Fields{
		"action":     "bootstrap",
		"backend":    rt.Backend,
		"locations":  len(cfg.Locations),
		"groups":     len(cfg.Groups),
		"transports": transports.Names(),
	}).Info("runtime ready")
	return rt, nil
}

func buildDecorator(g config.GlobalConfig, logger *logrus.Logger) (cache.Decorator, error) {
	if len(g.Checksums) == 0 {
		return cache.NoOpDecorator{}, nil
	}
	algs := make([]checksum.Algorithm, 0, len(g.Checksums))
	for _, name := range g.Checksums {
		alg, err := checksum.Parse(name)
		if err != nil {
			return nil, err
		}
		algs = append(algs, alg)
	}
	return checksum.New(logger, algs...), nil
}

func buildProvider(g config.GlobalConfig, events cache.EventManager, decorator cache.Decorator, logger *logrus.Logger, rt *Runtime) (cache.Provider, error) {
	ttl := g.TransferCacheTTL.DurationValue()
	switch g.CacheBackend {
	case config.BackendFile, "":
		return cache.NewFileProvider(cache.FileOptions{
			Root:              g.StoragePath,
			Events:            events,
			Decorator:         decorator,
			TransferCacheSize: g.TransferCacheSize,
			TransferCacheTTL:  ttl,
		})
	case config.BackendFastLocal:
		fast, err := cache.NewFileProvider(cache.FileOptions{Root: g.StoragePath})
		if err != nil {
			return nil, err
		}
		durable, err := cache.NewFileProvider(cache.FileOptions{Root: g.DurablePath})
		if err != nil {
			return nil, multierr.Append(err, fast.Close())
		}
		node := g.NodeID
		if node == "" {
			node = lock.DefaultNodeID()
		}
		owners := lock.NewStore()
		rt.Owners = owners
		return fastlocal.New(fastlocal.Options{
			Fast:              fast,
			Durable:           durable,
			Locker:            owners.Node(node),
			Events:            events,
			Decorator:         decorator,
			Logger:            logger,
			TransferCacheSize: g.TransferCacheSize,
			TransferCacheTTL:  ttl,
		})
	case config.BackendPathMapped:
		db, err := pathdb.OpenMemory(filepath.Join(g.StoragePath, pathDBFile))
		if err != nil {
			return nil, err
		}
		return pathmapped.New(pathmapped.Options{
			Root:              g.StoragePath,
			DB:                db,
			Events:            events,
			Decorator:         decorator,
			Logger:            logger,
			ReclaimGrace:      g.ReclaimGrace.DurationValue(),
			ReclaimInterval:   g.ReclaimInterval.DurationValue(),
			TransferCacheSize: g.TransferCacheSize,
			TransferCacheTTL:  ttl,
		})
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", g.CacheBackend)
	}
}

// Close 等待进行中的传输任务（最多 drainTimeout），再释放缓存后端持有的资源。
func (r *Runtime) Close() error {
	if r == nil || r.Provider == nil {
		return nil
	}
	var err error
	if r.Manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		err = r.Manager.Drain(ctx)
		cancel()
	}
	return multierr.Append(err, r.Provider.Close())
}
