package agent

import (
	"context"
	"errors"
	"net/http"

	"github.com/barbell-app/barbell-agent/internal/cache"
)

// HandleFetch 以网络优先策略处理一次请求。
//
// 网络成功时原样返回网络响应（包括 4xx/5xx）。网络失败时，导航请求依次尝试
// NavigationFallbacks（默认 ./app.html、./），其它请求查找自身对应的缓存条目；
// 全部未命中返回 *MissError，可用 errors.Is(err, ErrCacheMiss) 判断。
func HandleFetch(ctx context.Context, cfg Config, deps Deps, req *Request) (*Result, error) {
	resp, netErr := deps.Network.Fetch(ctx, req)
	if netErr == nil {
		deps.observer().FetchServed(req.Mode, string(SourceNetwork))
		return &Result{Response: resp, Source: SourceNetwork}, nil
	}

	var candidates []cache.Key
	if req.IsNavigation() {
		for _, path := range cfg.NavigationFallbacks {
			u, err := cfg.Resolve(path)
			if err != nil {
				continue
			}
			candidates = append(candidates, cache.KeyFor(http.MethodGet, u))
		}
	} else {
		candidates = append(candidates, req.Key())
	}

	var lookupErrs []error
	for _, key := range candidates {
		cached, err := deps.Storage.Match(ctx, key)
		if err == nil {
			deps.observer().FetchServed(req.Mode, string(SourceCache))
			deps.logger().WithField("url", req.URL.String()).WithField("fallback", key.URL).Debug("fetch_served_from_cache")
			return &Result{Response: cached, Source: SourceCache}, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			lookupErrs = append(lookupErrs, err)
		}
	}

	deps.observer().FetchServed(req.Mode, "miss")
	return nil, &MissError{
		URL:        req.URL.String(),
		NetworkErr: netErr,
		LookupErr:  errors.Join(lookupErrs...),
	}
}
