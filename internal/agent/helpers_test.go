package agent

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/barbell-app/barbell-agent/internal/cache"
)

var errOffline = errors.New("dial tcp: connection refused")

// fakeNetwork 按 URL 返回预设响应；offline 时所有请求都返回传输层错误。
type fakeNetwork struct {
	mu        sync.Mutex
	offline   bool
	responses map[string]*cache.Response
	failing   map[string]bool
	calls     map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		responses: make(map[string]*cache.Response),
		failing:   make(map[string]bool),
		calls:     make(map[string]int),
	}
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	u := req.URL.String()
	n.calls[u]++
	if n.offline || n.failing[u] {
		return nil, errOffline
	}
	if resp, ok := n.responses[u]; ok {
		return resp.Clone(), nil
	}
	return &cache.Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
}

func (n *fakeNetwork) serve(rawURL, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[rawURL] = textResponse(http.StatusOK, body)
}

func (n *fakeNetwork) fail(rawURL string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[rawURL] = true
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) callCount(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[rawURL]
}

type recordingClients struct {
	mu     sync.Mutex
	claims int
	err    error
}

func (c *recordingClients) Claim(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims++
	return c.err
}

type recordingRuntime struct {
	mu      sync.Mutex
	skipped int
}

func (r *recordingRuntime) SkipWaiting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
}

type testEnv struct {
	cfg     Config
	network *fakeNetwork
	storage cache.Storage
	clients *recordingClients
	runtime *recordingRuntime
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	storage, err := cache.NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	scope, _ := url.Parse("http://barbell.test/")
	env := &testEnv{
		cfg:     DefaultConfig(scope),
		network: newFakeNetwork(),
		storage: storage,
		clients: &recordingClients{},
		runtime: &recordingRuntime{},
	}
	for _, path := range []string{"", "index.html", "app.html", "manifest.json"} {
		env.network.serve("http://barbell.test/"+path, "online:/"+path)
	}
	return env
}

func (e *testEnv) deps() Deps {
	return Deps{
		Storage: e.storage,
		Network: e.network,
		Clients: e.clients,
		Runtime: e.runtime,
	}
}

func (e *testEnv) seed(t *testing.T, cacheName, rawURL, body string) {
	t.Helper()
	store, err := e.storage.Open(context.Background(), cacheName)
	if err != nil {
		t.Fatalf("open %s: %v", cacheName, err)
	}
	key, err := cache.NewKey(http.MethodGet, rawURL)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if err := store.Put(context.Background(), key, textResponse(http.StatusOK, body)); err != nil {
		t.Fatalf("seed %s: %v", rawURL, err)
	}
}

func textResponse(status int, body string) *cache.Response {
	return &cache.Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:   []byte(body),
	}
}

func navigate(t *testing.T, rawURL string) *Request {
	t.Helper()
	return request(t, http.MethodGet, rawURL, ModeNavigate)
}

func subresource(t *testing.T, rawURL string) *Request {
	t.Helper()
	return request(t, http.MethodGet, rawURL, ModeNoCORS)
}

func request(t *testing.T, method, rawURL string, mode Mode) *Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %s: %v", rawURL, err)
	}
	return &Request{Method: method, URL: u, Mode: mode, Header: http.Header{}}
}

func cacheNames(t *testing.T, s cache.Storage) []string {
	t.Helper()
	names, err := s.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	return names
}
