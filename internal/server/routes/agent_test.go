package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/barbell-app/barbell-agent/internal/agent"
	"github.com/barbell-app/barbell-agent/internal/logging"
)

type fakeHost struct {
	status       agent.Status
	statusErr    error
	reinstallErr error
	reinstalls   int
}

func (f *fakeHost) Status(context.Context) (agent.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeHost) Reinstall(context.Context) error {
	f.reinstalls++
	return f.reinstallErr
}

func newRoutesApp(host AgentHost, metrics http.Handler) *fiber.App {
	app := fiber.New()
	RegisterAgentRoutes(app, host, metrics, logging.Discard())
	return app
}

func TestAgentStatusRoute(t *testing.T) {
	host := &fakeHost{status: agent.Status{
		State:   agent.StateActivated,
		Version: "barbell-v8",
		Caches:  []string{"barbell-v8"},
		Entries: 4,
	}}
	app := newRoutesApp(host, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/agent", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload agent.Status
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Version != "barbell-v8" || payload.Entries != 4 || payload.State != agent.StateActivated {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestAgentStatusRouteFailure(t *testing.T) {
	app := newRoutesApp(&fakeHost{statusErr: errors.New("disk gone")}, nil)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/agent", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestAgentReinstallRoute(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "ok", status: fiber.StatusOK},
		{name: "not registered", err: agent.ErrNotRegistered, status: fiber.StatusConflict},
		{name: "install failed", err: errors.New("open cache: boom"), status: fiber.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			host := &fakeHost{reinstallErr: tc.err}
			app := newRoutesApp(host, nil)
			resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/-/agent/reinstall", nil))
			if err != nil {
				t.Fatalf("app.Test error: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			if host.reinstalls != 1 {
				t.Fatalf("expected one reinstall, got %d", host.reinstalls)
			}
		})
	}
}

func TestMetricsAndHealthRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "barbell_agent_fetch_total 1\n")
	})
	app := newRoutesApp(&fakeHost{}, metrics)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "barbell_agent_fetch_total") {
		t.Fatalf("metrics handler not mounted, body=%s", body)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/-/healthz", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", resp.StatusCode)
	}
}
