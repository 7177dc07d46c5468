package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/barbell-app/barbell-agent/internal/agent"
	"github.com/barbell-app/barbell-agent/internal/logging"
	"github.com/barbell-app/barbell-agent/internal/server"
)

// 响应上附加的诊断头。
const (
	HeaderSource       = "X-Barbell-Source"
	HeaderCacheVersion = "X-Barbell-Cache-Version"
)

// Dispatcher 是 Handler 依赖的 Host 能力：派发 fetch 事件并报告当前缓存版本。
type Dispatcher interface {
	Dispatch(ctx context.Context, clientID string, req *agent.Request) (*agent.Result, error)
	ActiveVersion() string
}

// Handler 把 Fiber 请求转换为 agent.Request 交给 Host，再把结果写回页面。
type Handler struct {
	host   Dispatcher
	logger *logrus.Logger
}

var _ server.ProxyHandler = (*Handler)(nil)

// NewHandler constructs a proxy handler around the agent host.
func NewHandler(host Dispatcher, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{host: host, logger: logger}
}

// Handle 执行一次拦截：构造请求、派发给 agent、写回响应，并输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.Route) error {
	started := time.Now()
	requestID := server.RequestID(c)
	clientID := server.ClientID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := buildAgentRequest(c, route)
	result, err := h.dispatch(ctx, dispatchClientID(c, req), req)

	version := h.host.ActiveVersion()
	if version != "" {
		c.Set(HeaderCacheVersion, version)
	}

	if err != nil {
		status, code := fiber.StatusBadGateway, "upstream_failed"
		if errors.Is(err, agent.ErrCacheMiss) {
			status, code = fiber.StatusGatewayTimeout, "offline_cache_miss"
		}
		h.logResult(req, requestID, clientID, version, "", status, started, err)
		return c.Status(status).JSON(fiber.Map{"error": code})
	}
	if result == nil || result.Response == nil {
		err := errors.New("agent returned no response")
		h.logResult(req, requestID, clientID, version, "", fiber.StatusBadGateway, started, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}

	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, string(result.Source))
	h.logResult(req, requestID, clientID, version, result.Source, resp.Status, started, nil)
	return c.Status(resp.Status).Send(resp.Body)
}

// dispatchClientID 返回交给 Host 的客户端 ID。未携带 cookie 的子资源请求（健康检查、
// credentials: 'omit' 的 fetch 等）不代表新页面，以空 ID 派发，不会写入客户端集合。
func dispatchClientID(c fiber.Ctx, req *agent.Request) string {
	if server.ClientAssigned(c) && !req.IsNavigation() {
		return ""
	}
	return server.ClientID(c)
}

// dispatch 把 agent 内部的 panic 转换为错误，保证页面仍然拿到 JSON 响应。
func (h *Handler) dispatch(ctx context.Context, clientID string, req *agent.Request) (result *agent.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()
	return h.host.Dispatch(ctx, clientID, req)
}

func (h *Handler) logResult(
	req *agent.Request,
	requestID string,
	clientID string,
	version string,
	source agent.Source,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(version, string(req.Mode), string(source), clientID, source == agent.SourceNetwork || source == agent.SourceCache)
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["url"] = req.URL.Redacted()
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	switch {
	case errors.Is(err, agent.ErrCacheMiss):
		fields["controlled"] = true
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("proxy_offline_miss")
	case err != nil:
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
	default:
		h.logger.WithFields(fields).Info("proxy_complete")
	}
}

// buildAgentRequest 以回源地址重建请求 URL，使其与安装阶段的缓存 Key 一致。
func buildAgentRequest(c fiber.Ctx, route *server.Route) *agent.Request {
	uri := c.Request().URI()
	target := route.RequestURL(string(uri.PathOriginal()), string(uri.QueryString()))

	header := http.Header{}
	server.CopyHeaders(header, fiberHeadersAsHTTP(c))
	stripClientCookie(header)
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Scheme())
	header.Set("X-Forwarded-Port", routePort(route))

	var body []byte
	if raw := c.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}

	return &agent.Request{
		Method: c.Method(),
		URL:    target,
		Mode:   requestMode(c),
		Header: header,
		Body:   body,
	}
}

// requestMode 优先采用 Sec-Fetch-Mode；缺失时按 Accept/Sec-Fetch-Dest 推断导航请求。
func requestMode(c fiber.Ctx) agent.Mode {
	if raw := strings.ToLower(strings.TrimSpace(c.Get("Sec-Fetch-Mode"))); raw != "" {
		switch mode := agent.Mode(raw); mode {
		case agent.ModeNavigate, agent.ModeNoCORS, agent.ModeCORS, agent.ModeSameOrigin, agent.ModeWebSocket:
			return mode
		}
		return agent.ModeNoCORS
	}
	if c.Method() != fiber.MethodGet {
		return agent.ModeNoCORS
	}
	dest := strings.ToLower(strings.TrimSpace(c.Get("Sec-Fetch-Dest")))
	if strings.Contains(strings.ToLower(c.Get(fiber.HeaderAccept)), "text/html") && (dest == "" || dest == "document") {
		return agent.ModeNavigate
	}
	return agent.ModeNoCORS
}

// stripClientCookie 移除代理自己的客户端 cookie，其余 cookie 原样回源。
func stripClientCookie(header http.Header) {
	values := header.Values("Cookie")
	if len(values) == 0 {
		return
	}
	kept := make([]string, 0, len(values))
	for _, line := range values {
		for _, part := range strings.Split(line, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, _, _ := strings.Cut(part, "=")
			if strings.TrimSpace(name) == server.ClientCookieName {
				continue
			}
			kept = append(kept, part)
		}
	}
	header.Del("Cookie")
	if len(kept) > 0 {
		header.Set("Cookie", strings.Join(kept, "; "))
	}
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 写回存储/网络响应头，跳过 hop-by-hop 与 Content-Length（由 Fiber 重新计算）。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func routePort(route *server.Route) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}
