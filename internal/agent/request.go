package agent

import (
	"net/http"
	"net/url"

	"github.com/barbell-app/barbell-agent/internal/cache"
)

// Mode 对应页面请求的 fetch mode。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
	ModeSameOrigin Mode = "same-origin"
	ModeWebSocket  Mode = "websocket"
)

// Request 是被拦截的页面请求。
type Request struct {
	Method string
	URL    *url.URL
	Mode   Mode
	Header http.Header
	Body   []byte
}

// IsNavigation 表示该请求是否为顶层页面加载。
func (r *Request) IsNavigation() bool {
	return r != nil && r.Mode == ModeNavigate
}

// Key 返回该请求在缓存中的身份。
func (r *Request) Key() cache.Key {
	return cache.KeyFor(r.Method, r.URL)
}

// Source 标识响应来自哪里。
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourcePassthrough Source = "passthrough"
)

// Result 是一次 fetch 事件的结果。
type Result struct {
	Response *cache.Response
	Source   Source
}
