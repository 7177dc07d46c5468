package cache

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
)

func manifestKeys(t *testing.T) []Key {
	t.Helper()
	return []Key{
		mustKey(t, "GET", "http://app.test/"),
		mustKey(t, "GET", "http://app.test/index.html"),
		mustKey(t, "GET", "http://app.test/app.html"),
		mustKey(t, "GET", "http://app.test/manifest.json"),
	}
}

// fetchWithStatus 返回 path->status 的映射，未列出的返回 200，status<0 表示网络失败。
func fetchWithStatus(statuses map[string]int) FetchFunc {
	return func(ctx context.Context, key Key) (*Response, error) {
		status, ok := statuses[key.URL]
		if !ok {
			status = http.StatusOK
		}
		if status < 0 {
			return nil, errors.New("connection refused")
		}
		return &Response{Status: status, Header: http.Header{}, Body: []byte(key.URL)}, nil
	}
}

func TestPopulateBestEffortStoresEverySuccess(t *testing.T) {
	s := newTestFSStorage(t)
	c, _ := s.Open(context.Background(), "barbell-v8")
	keys := manifestKeys(t)

	p := Populator{
		Fetch: fetchWithStatus(map[string]int{"http://app.test/manifest.json": http.StatusNotFound}),
		Mode:  PopulateBestEffort,
	}
	report, err := p.Populate(context.Background(), c, keys)
	if err == nil {
		t.Fatalf("expected aggregated error for the 404 resource")
	}
	var bad *BadStatusError
	if !errors.As(err, &bad) || bad.Status != http.StatusNotFound {
		t.Fatalf("expected BadStatusError 404, got %v", err)
	}
	if len(report.Stored) != 3 || len(report.Failed) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	stored, _ := c.Keys(context.Background())
	if len(stored) != 3 {
		t.Fatalf("expected three stored entries, got %v", stored)
	}
	if _, err := c.Match(context.Background(), keys[3]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed resource must not be cached, got %v", err)
	}
}

func TestPopulateAtomicStoresNothingOnFailure(t *testing.T) {
	s := newTestFSStorage(t)
	c, _ := s.Open(context.Background(), "barbell-v8")

	p := Populator{
		Fetch: fetchWithStatus(map[string]int{"http://app.test/index.html": -1}),
		Mode:  PopulateAtomic,
	}
	report, err := p.Populate(context.Background(), c, manifestKeys(t))
	if err == nil {
		t.Fatalf("atomic populate should fail")
	}
	if len(report.Stored) != 0 {
		t.Fatalf("nothing should be reported stored: %+v", report)
	}
	stored, _ := c.Keys(context.Background())
	if len(stored) != 0 {
		t.Fatalf("atomic populate must not leave partial entries: %v", stored)
	}
}

func TestPopulateAtomicStoresAllOnSuccess(t *testing.T) {
	s := newTestSQLiteStorage(t)
	c, _ := s.Open(context.Background(), "barbell-v8")

	p := Populator{Fetch: fetchWithStatus(nil), Mode: PopulateAtomic}
	report, err := p.Populate(context.Background(), c, manifestKeys(t))
	if err != nil {
		t.Fatalf("populate error: %v", err)
	}
	if len(report.Stored) != 4 {
		t.Fatalf("expected four stored keys: %+v", report)
	}
	got, err := c.Match(context.Background(), mustKey(t, "GET", "http://app.test/app.html"))
	if err != nil || string(got.Body) != "http://app.test/app.html" {
		t.Fatalf("unexpected entry: %v %v", got, err)
	}
}

func TestPopulateRespectsConcurrencyLimit(t *testing.T) {
	s := newTestFSStorage(t)
	c, _ := s.Open(context.Background(), "barbell-v8")

	var inflight, peak atomic.Int32
	fetch := func(ctx context.Context, key Key) (*Response, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		return &Response{Status: http.StatusOK, Header: http.Header{}}, nil
	}

	p := Populator{Fetch: fetch, Concurrency: 1}
	if _, err := p.Populate(context.Background(), c, manifestKeys(t)); err != nil {
		t.Fatalf("populate error: %v", err)
	}
	if peak.Load() != 1 {
		t.Fatalf("expected at most one inflight fetch, peak %d", peak.Load())
	}
}

// cancelAfterFirstPut 在第一次写入成功后取消上下文，模拟安装中途超时。
type cancelAfterFirstPut struct {
	Cache
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelAfterFirstPut) Put(ctx context.Context, key Key, resp *Response) error {
	err := c.Cache.Put(ctx, key, resp)
	c.once.Do(c.cancel)
	return err
}

func TestPopulateBestEffortReportsOnlyFailedKeysOnCancel(t *testing.T) {
	s := newTestFSStorage(t)
	inner, _ := s.Open(context.Background(), "barbell-v8")
	keys := manifestKeys(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &cancelAfterFirstPut{Cache: inner, cancel: cancel}

	base := fetchWithStatus(nil)
	p := Populator{
		Fetch: func(ctx context.Context, key Key) (*Response, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return base(ctx, key)
		},
		Mode:        PopulateBestEffort,
		Concurrency: 1,
	}
	report, err := p.Populate(ctx, c, keys)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in aggregated error, got %v", err)
	}
	if len(report.Stored) != 1 || report.Stored[0] != keys[0] {
		t.Fatalf("first resource was stored before cancel, got %+v", report.Stored)
	}
	if len(report.Failed) != len(keys)-1 {
		t.Fatalf("only canceled resources should be reported as failed, got %+v", report.Failed)
	}
	if _, err := inner.Match(context.Background(), keys[0]); err != nil {
		t.Fatalf("stored resource should stay in cache: %v", err)
	}
}

func TestPopulateRequiresFetch(t *testing.T) {
	s := newTestFSStorage(t)
	c, _ := s.Open(context.Background(), "barbell-v8")
	if _, err := (Populator{}).Populate(context.Background(), c, manifestKeys(t)); err == nil {
		t.Fatalf("missing fetch func should fail")
	}
}
