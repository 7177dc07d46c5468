package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/barbell-app/barbell-agent/internal/cache"
)

func TestActivateKeepsOnlyCurrentVersion(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"barbell-v6", "barbell-v7", "barbell-v8", "other"} {
		env.seed(t, name, "http://barbell.test/app.html", name)
	}

	if err := Activate(context.Background(), env.cfg, env.deps()); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	names := cacheNames(t, env.storage)
	if len(names) != 1 || names[0] != "barbell-v8" {
		t.Fatalf("only the current version should remain, got %v", names)
	}
	if env.clients.claims != 1 {
		t.Fatalf("activate should claim clients once, got %d", env.clients.claims)
	}
}

func TestActivateWithoutCurrentCache(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "barbell-v7", "http://barbell.test/", "old")

	if err := Activate(context.Background(), env.cfg, env.deps()); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	if names := cacheNames(t, env.storage); len(names) != 0 {
		t.Fatalf("stale cache should be deleted, got %v", names)
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "barbell-v7", "http://barbell.test/", "old")
	env.seed(t, "barbell-v8", "http://barbell.test/", "new")

	for i := 0; i < 2; i++ {
		if err := Activate(context.Background(), env.cfg, env.deps()); err != nil {
			t.Fatalf("activate #%d error: %v", i+1, err)
		}
		names := cacheNames(t, env.storage)
		if len(names) != 1 || names[0] != "barbell-v8" {
			t.Fatalf("activate #%d: unexpected caches %v", i+1, names)
		}
	}
	if env.clients.claims != 2 {
		t.Fatalf("each activation claims clients, got %d", env.clients.claims)
	}
}

type flakyDeleteStorage struct {
	cache.Storage
	failName string
}

func (s flakyDeleteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.failName {
		return false, errors.New("permission denied")
	}
	return s.Storage.Delete(ctx, name)
}

func TestActivateIsolatesDeletionFailures(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"barbell-v5", "barbell-v6", "barbell-v7", "barbell-v8"} {
		env.seed(t, name, "http://barbell.test/", name)
	}
	deps := env.deps()
	deps.Storage = flakyDeleteStorage{Storage: env.storage, failName: "barbell-v6"}

	err := Activate(context.Background(), env.cfg, deps)
	if err == nil {
		t.Fatalf("deletion failure should be reported")
	}
	if env.clients.claims != 1 {
		t.Fatalf("claim must proceed despite deletion failure")
	}
	names := cacheNames(t, env.storage)
	if len(names) != 2 || names[0] != "barbell-v6" || names[1] != "barbell-v8" {
		t.Fatalf("other deletions must still happen, got %v", names)
	}
}

func TestActivateReportsClaimFailure(t *testing.T) {
	env := newTestEnv(t)
	env.clients.err = errors.New("claim refused")
	err := Activate(context.Background(), env.cfg, env.deps())
	if err == nil || !errors.Is(err, env.clients.err) {
		t.Fatalf("claim error should be joined, got %v", err)
	}
}
