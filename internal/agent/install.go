package agent

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/barbell-app/barbell-agent/internal/cache"
	"github.com/barbell-app/barbell-agent/internal/logging"
)

// Install 打开当前版本的缓存并用资源清单填充。
//
// 跳过等待的信号在任何异步工作之前发出。只有打开缓存失败才会返回 error；
// 资源获取或写入失败会被记录后吞掉，安装照常完成（缓存中保留的子集取决于 PopulateMode）。
func Install(ctx context.Context, cfg Config, deps Deps) error {
	logger := deps.logger()
	fields := logging.LifecycleFields("install", cfg.Version)

	if deps.Runtime != nil {
		deps.Runtime.SkipWaiting()
	}

	store, err := deps.Storage.Open(ctx, cfg.Version)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", cfg.Version, err)
	}

	keys, err := cfg.ManifestKeys()
	if err != nil {
		logger.WithFields(fields).WithError(err).Warn("install_manifest_invalid")
		deps.observer().PopulationFailed(len(cfg.Manifest))
		return nil
	}

	populator := cache.Populator{
		Fetch: manifestFetch(deps.Network),
		Mode:  cfg.PopulateMode,
	}
	report, err := populator.Populate(ctx, store, keys)
	if err != nil {
		logger.WithFields(fields).WithFields(logrus.Fields{
			"populate_mode": string(cfg.PopulateMode),
			"stored":        len(report.Stored),
			"failed":        len(report.Failed),
		}).WithError(err).Warn("install_populate_failed")
		deps.observer().PopulationFailed(len(report.Failed))
		return nil
	}

	logger.WithFields(fields).WithField("stored", len(report.Stored)).Info("install_complete")
	return nil
}

// manifestFetch 以 no-cors 模式的 GET 请求获取清单资源。
func manifestFetch(network Fetcher) cache.FetchFunc {
	return func(ctx context.Context, key cache.Key) (*cache.Response, error) {
		u, err := url.Parse(key.URL)
		if err != nil {
			return nil, err
		}
		return network.Fetch(ctx, &Request{
			Method: http.MethodGet,
			URL:    u,
			Mode:   ModeNoCORS,
			Header: http.Header{},
		})
	}
}
