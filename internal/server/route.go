package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/barbell-app/barbell-agent/internal/agent"
	"github.com/barbell-app/barbell-agent/internal/config"
)

// Route 将 [Agent] 配置与派生属性（解析后的 Origin/Scope URL、agent.Config）聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type Route struct {
	// Config 是用户在 config.toml 中声明的 [Agent] 字段副本。
	Config config.AgentConfig
	// ListenPort 记录当前监听端口，用于 X-Forwarded-Port。
	ListenPort int
	// OriginURL/ScopeURL 在构造时提前解析完成。
	OriginURL *url.URL
	ScopeURL  *url.URL
	// Agent 是注册给 Host 的 worker 配置。
	Agent agent.Config
}

// NewRoute 根据配置构建 Route。调用方应在启动阶段创建一次并复用。
func NewRoute(cfg *config.Config) (*Route, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	origin, err := cfg.Agent.OriginURL()
	if err != nil {
		return nil, fmt.Errorf("invalid agent origin: %w", err)
	}
	agentCfg, err := agent.ConfigFrom(cfg.Agent)
	if err != nil {
		return nil, err
	}
	return &Route{
		Config:     cfg.Agent,
		ListenPort: cfg.Global.ListenPort,
		OriginURL:  origin,
		ScopeURL:   agentCfg.Scope,
		Agent:      agentCfg,
	}, nil
}

// RequestURL 把入站请求的原始（未解码）路径与查询串映射到回源地址上。
// 转义形式被保留在 RawPath 中，与安装阶段通过 ResolveReference 构建的缓存 Key 一致。
func (r *Route) RequestURL(rawPath, rawQuery string) *url.URL {
	if rawPath == "" || !strings.HasPrefix(rawPath, "/") {
		rawPath = "/" + rawPath
	}
	u := *r.OriginURL
	u.Path = rawPath
	u.RawPath = ""
	if decoded, err := url.PathUnescape(rawPath); err == nil {
		u.Path = decoded
		if decoded != rawPath {
			u.RawPath = rawPath
		}
	}
	u.RawQuery = rawQuery
	u.Fragment = ""
	u.RawFragment = ""
	return &u
}

// Contains 判断路径是否位于注册 scope 内。
func (r *Route) Contains(path string) bool {
	if path == "" {
		path = "/"
	}
	return strings.HasPrefix(path, r.ScopeURL.Path)
}

// CookiePath 返回客户端 cookie 的 Path（即 scope 路径）。
func (r *Route) CookiePath() string {
	return r.ScopeURL.Path
}
