package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/barbell-app/barbell-agent/internal/logging"
)

// Activate 删除所有名称不等于 cfg.Version 的缓存，然后接管全部客户端。
//
// 每个删除相互独立并发执行，单个失败不会影响其它删除，也不会阻止接管客户端。
// 返回值汇总删除与接管中出现的全部错误。
func Activate(ctx context.Context, cfg Config, deps Deps) error {
	logger := deps.logger()
	fields := logging.LifecycleFields("activate", cfg.Version)

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	names, err := deps.Storage.Keys(ctx)
	if err != nil {
		record(fmt.Errorf("list caches: %w", err))
	}

	var g errgroup.Group
	for _, name := range names {
		if name == cfg.Version {
			continue
		}
		g.Go(func() error {
			deleted, err := deps.Storage.Delete(ctx, name)
			if err != nil {
				logger.WithFields(fields).WithField("cache", name).WithError(err).Warn("activate_delete_failed")
				record(fmt.Errorf("delete cache %s: %w", name, err))
				return nil
			}
			if deleted {
				deps.observer().StaleCacheDeleted()
				logger.WithFields(fields).WithField("cache", name).Info("activate_deleted_stale_cache")
			}
			return nil
		})
	}
	_ = g.Wait()

	if deps.Clients != nil {
		if err := deps.Clients.Claim(ctx); err != nil {
			record(fmt.Errorf("claim clients: %w", err))
		}
	}

	return errors.Join(errs...)
}
