package agent

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/barbell-app/barbell-agent/internal/cache"
	"github.com/barbell-app/barbell-agent/internal/config"
)

// Config 是一个 worker 版本的全部输入：缓存版本、scope 与资源清单。
type Config struct {
	Version             string
	Scope               *url.URL
	Manifest            []string
	NavigationFallbacks []string
	PopulateMode        cache.PopulateMode
	LifecycleTimeout    time.Duration
}

// DefaultConfig 返回默认版本与清单，scope 为绝对地址（以 / 结尾）。
func DefaultConfig(scope *url.URL) Config {
	return Config{
		Version:             config.DefaultCacheVersion,
		Scope:               scope,
		Manifest:            config.DefaultManifest(),
		NavigationFallbacks: config.DefaultNavigationFallbacks(),
		PopulateMode:        cache.PopulateBestEffort,
		LifecycleTimeout:    2 * time.Minute,
	}
}

// ConfigFrom 把已校验的 [Agent] 配置转换为运行时 Config。
func ConfigFrom(settings config.AgentConfig) (Config, error) {
	scope, err := settings.ScopeURL()
	if err != nil {
		return Config{}, fmt.Errorf("resolve agent scope: %w", err)
	}
	return Config{
		Version:             settings.CacheVersion,
		Scope:               scope,
		Manifest:            slices.Clone(settings.Manifest),
		NavigationFallbacks: slices.Clone(settings.NavigationFallbacks),
		PopulateMode:        cache.PopulateMode(settings.PopulateMode),
		LifecycleTimeout:    settings.LifecycleTimeout.DurationValue(),
	}, nil
}

// Resolve 将清单中的相对路径解析为 scope 下的绝对 URL。
func (c Config) Resolve(path string) (*url.URL, error) {
	if c.Scope == nil {
		return nil, fmt.Errorf("agent scope not configured")
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	return c.Scope.ResolveReference(ref), nil
}

// ManifestKeys 返回清单对应的缓存 Key，顺序与清单一致。
func (c Config) ManifestKeys() ([]cache.Key, error) {
	keys := make([]cache.Key, 0, len(c.Manifest))
	for _, path := range c.Manifest {
		u, err := c.Resolve(path)
		if err != nil {
			return nil, err
		}
		keys = append(keys, cache.KeyFor(http.MethodGet, u))
	}
	return keys, nil
}

// InScope 判断 URL 是否位于注册 scope 之内（同源且路径前缀匹配）。
func (c Config) InScope(u *url.URL) bool {
	if c.Scope == nil || u == nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, c.Scope.Scheme) || !strings.EqualFold(u.Host, c.Scope.Host) {
		return false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return strings.HasPrefix(path, c.Scope.Path)
}

// Equal 判断两份配置是否描述同一个 worker；相同则 Register 不会重新安装。
func (c Config) Equal(other Config) bool {
	return c.Version == other.Version &&
		c.scopeString() == other.scopeString() &&
		slices.Equal(c.Manifest, other.Manifest) &&
		slices.Equal(c.NavigationFallbacks, other.NavigationFallbacks) &&
		c.PopulateMode == other.PopulateMode
}

func (c Config) scopeString() string {
	if c.Scope == nil {
		return ""
	}
	return c.Scope.String()
}

func (c Config) lifecycleTimeout() time.Duration {
	if c.LifecycleTimeout <= 0 {
		return 2 * time.Minute
	}
	return c.LifecycleTimeout
}
