package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/barbell-app/barbell-agent/internal/agent"
	"github.com/barbell-app/barbell-agent/internal/cache"
)

// UpstreamObserver 接收每次回源的耗时，outcome 为 "response" 或 "error"。
type UpstreamObserver interface {
	ObserveUpstream(outcome string, seconds float64)
}

// OriginFetcher 通过共享 http.Client 回源，实现 agent.Fetcher。
// 仅传输层失败返回 error；任何 HTTP 状态（包括 3xx/4xx/5xx）都作为响应返回。
type OriginFetcher struct {
	client   *http.Client
	observer UpstreamObserver
}

var _ agent.Fetcher = (*OriginFetcher)(nil)

// NewOriginFetcher 创建 OriginFetcher；observer 可以为 nil。
func NewOriginFetcher(client *http.Client, observer UpstreamObserver) *OriginFetcher {
	if client == nil {
		client = NewUpstreamClient(nil)
	}
	return &OriginFetcher{client: client, observer: observer}
}

func (f *OriginFetcher) Fetch(ctx context.Context, req *agent.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("origin fetch: request url required")
	}
	started := time.Now()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	if req.Header != nil {
		CopyHeaders(upstreamReq.Header, req.Header)
	}
	// 交给 Transport 处理压缩，缓存中保存解压后的正文。
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Header.Del("Host")
	upstreamReq.Host = req.URL.Host

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		f.observe("error", started)
		return nil, fmt.Errorf("origin fetch %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		f.observe("error", started)
		return nil, fmt.Errorf("read origin body %s: %w", req.URL.Redacted(), err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	f.observe("response", started)
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
	}, nil
}

func (f *OriginFetcher) observe(outcome string, started time.Time) {
	if f.observer == nil {
		return
	}
	f.observer.ObserveUpstream(outcome, time.Since(started).Seconds())
}
