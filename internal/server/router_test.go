package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/barbell-app/barbell-agent/internal/config"
	"github.com/barbell-app/barbell-agent/internal/logging"
)

func TestRouterHandsRequestToProxy(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://barbell.local/app.html", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if app.recorder.calls != 1 || app.recorder.lastRoute == nil {
		t.Fatalf("proxy handler should be invoked once")
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterAssignsClientCookie(t *testing.T) {
	app := newTestApp(t, 5000)

	resp, err := app.Test(httptest.NewRequest("GET", "http://barbell.local/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	cookie := resp.Header.Get("Set-Cookie")
	if !strings.Contains(cookie, ClientCookieName+"=") {
		t.Fatalf("expected client cookie, got %q", cookie)
	}
	if !strings.Contains(strings.ToLower(cookie), "httponly") || !strings.Contains(strings.ToLower(cookie), "samesite=lax") {
		t.Fatalf("client cookie should be HttpOnly and SameSite=Lax: %q", cookie)
	}
	if app.recorder.clientID == "" || !strings.Contains(cookie, app.recorder.clientID) {
		t.Fatalf("handler should see the assigned client id %q in %q", app.recorder.clientID, cookie)
	}
	if !app.recorder.assigned {
		t.Fatalf("fresh client id should be marked as assigned")
	}
}

func TestRouterReusesValidClientCookie(t *testing.T) {
	app := newTestApp(t, 5000)
	const existing = "6f1c3e1a-8a7e-4f43-9a0b-1f1b7f8e2c11"

	req := httptest.NewRequest("GET", "http://barbell.local/app.js", nil)
	req.Header.Set("Cookie", ClientCookieName+"="+existing)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Fatalf("valid cookie should not be reissued")
	}
	if app.recorder.clientID != existing {
		t.Fatalf("expected client id %s, got %s", existing, app.recorder.clientID)
	}
	if app.recorder.assigned {
		t.Fatalf("cookie-supplied client id must not be marked as assigned")
	}
}

func TestRouterSkipsProxyForDiagnostics(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "http://barbell.local/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, []byte("pong")) {
		t.Fatalf("diagnostics route should answer directly, got %q", body)
	}
	if app.recorder.calls != 0 {
		t.Fatalf("diagnostics must not reach the proxy")
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Fatalf("diagnostics should not assign client cookies")
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("missing logger should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logging.Discard()}); err == nil {
		t.Fatalf("missing route should fail")
	}
}

type testApp struct {
	*fiber.App
	recorder *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	route, err := NewRoute(testConfig(port))
	if err != nil {
		t.Fatalf("failed to create route: %v", err)
	}

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logging.Discard(),
		Route:      route,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, recorder: recorder}
}

func testConfig(port int) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:    port,
			StorageDriver: config.StorageDriverFS,
		},
		Agent: config.AgentConfig{
			Origin:              "http://127.0.0.1:8080",
			Scope:               "/",
			CacheVersion:        config.DefaultCacheVersion,
			Manifest:            config.DefaultManifest(),
			NavigationFallbacks: config.DefaultNavigationFallbacks(),
			PopulateMode:        config.PopulateBestEffort,
		},
	}
}

type proxyRecorder struct {
	lastRoute *Route
	clientID  string
	assigned  bool
	calls     int
}

func (p *proxyRecorder) Handle(c fiber.Ctx, route *Route) error {
	p.lastRoute = route
	p.clientID = ClientID(c)
	p.assigned = ClientAssigned(c)
	p.calls++
	return c.SendStatus(fiber.StatusNoContent)
}
