package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	StorageDriverFS:     {},
	StorageDriverSQLite: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 fs|sqlite")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.Agent.validate()
}

func (a AgentConfig) validate() error {
	origin, err := parseOrigin(a.Origin)
	if err != nil {
		return newFieldError("Agent.Origin", err.Error())
	}
	if !strings.HasPrefix(a.Scope, "/") || !strings.HasSuffix(a.Scope, "/") {
		return newFieldError("Agent.Scope", "必须以 / 开头并以 / 结尾")
	}
	if a.CacheVersion == "" {
		return newFieldError("Agent.CacheVersion", "不能为空")
	}
	if strings.ContainsAny(a.CacheVersion, "/\\ \t\r\n") {
		return newFieldError("Agent.CacheVersion", "不允许包含路径分隔符或空白")
	}
	if strings.HasPrefix(a.CacheVersion, ".") {
		return newFieldError("Agent.CacheVersion", "不能以 . 开头")
	}
	if len(a.Manifest) == 0 {
		return newFieldError("Agent.Manifest", "至少需要一个资源")
	}

	scope := origin.ResolveReference(&url.URL{Path: a.Scope})
	for i, entry := range a.Manifest {
		if err := validateScopedPath(scope, entry); err != nil {
			return newFieldError(indexedField("Agent.Manifest", i), err.Error())
		}
	}
	for i, entry := range a.NavigationFallbacks {
		if err := validateScopedPath(scope, entry); err != nil {
			return newFieldError(indexedField("Agent.NavigationFallbacks", i), err.Error())
		}
	}

	switch a.PopulateMode {
	case PopulateBestEffort, PopulateAtomic:
	default:
		return newFieldError("Agent.PopulateMode", "仅支持 best-effort|atomic")
	}
	if a.LifecycleTimeout.DurationValue() <= 0 {
		return newFieldError("Agent.LifecycleTimeout", "必须大于 0")
	}
	if a.ClientIdleTimeout.DurationValue() <= 0 {
		return newFieldError("Agent.ClientIdleTimeout", "必须大于 0")
	}
	return nil
}

func parseOrigin(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("缺少回源地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("仅支持 http/https，回源: %s", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("回源缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return nil, fmt.Errorf("回源地址不支持路径，请使用 Agent.Scope: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return nil, fmt.Errorf("回源地址不允许携带 query/fragment: %s", raw)
	}
	return parsed, nil
}

// validateScopedPath 确认资源路径解析后仍位于 scope 之内，且不跨主机。
func validateScopedPath(scope *url.URL, entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return errors.New("不能为空")
	}
	ref, err := url.Parse(entry)
	if err != nil {
		return err
	}
	resolved := scope.ResolveReference(ref)
	if resolved.Scheme != scope.Scheme || resolved.Host != scope.Host {
		return fmt.Errorf("必须与回源同源: %s", entry)
	}
	if !strings.HasPrefix(resolved.Path, scope.Path) {
		return fmt.Errorf("超出注册 scope %s: %s", scope.Path, entry)
	}
	return nil
}

// OriginURL 返回解析后的回源地址（假定 Validate 已经通过）。
func (a AgentConfig) OriginURL() (*url.URL, error) {
	return parseOrigin(a.Origin)
}

// ScopeURL 返回注册 scope 的绝对地址，清单路径都相对它解析。
func (a AgentConfig) ScopeURL() (*url.URL, error) {
	origin, err := parseOrigin(a.Origin)
	if err != nil {
		return nil, err
	}
	return origin.ResolveReference(&url.URL{Path: normalizeScope(a.Scope)}), nil
}
