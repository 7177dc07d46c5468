package cache

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// PopulateMode 决定安装阶段部分资源失败时缓存中留下什么。
type PopulateMode string

const (
	// PopulateBestEffort 逐条写入每个成功获取的资源。
	PopulateBestEffort PopulateMode = "best-effort"
	// PopulateAtomic 仅当全部资源成功时才在一个批次中写入。
	PopulateAtomic PopulateMode = "atomic"
)

// defaultPopulateConcurrency 限制安装阶段并发回源数量。
const defaultPopulateConcurrency = 4

// FetchFunc 为单个 Key 获取响应；只有传输层失败才返回 error。
type FetchFunc func(ctx context.Context, key Key) (*Response, error)

// BadStatusError 表示资源返回了非 2xx 状态，不能用于填充缓存。
type BadStatusError struct {
	Key    Key
	Status int
}

func (e *BadStatusError) Error() string {
	return fmt.Sprintf("populate %s: unexpected status %d", e.Key, e.Status)
}

// PopulateReport 记录一次填充的结果。
type PopulateReport struct {
	Stored []Key
	Failed []Key
}

// Populator 从资源清单填充缓存。
type Populator struct {
	Fetch       FetchFunc
	Mode        PopulateMode
	Concurrency int
}

type populateResult struct {
	resp *Response
	err  error
}

// Populate 并发获取全部 keys 并按 Mode 写入 c。返回的 error 汇总了每个失败资源，
// 调用方可以据此记录日志；report 总是非 nil。ctx 被取消时，已经写入的资源仍计入 Stored，
// 只有结果为错误的资源计入 Failed。
func (p Populator) Populate(ctx context.Context, c Cache, keys []Key) (*PopulateReport, error) {
	report := &PopulateReport{}
	if p.Fetch == nil {
		return report, errors.New("populator: fetch func required")
	}
	limit := p.Concurrency
	if limit <= 0 {
		limit = defaultPopulateConcurrency
	}

	results := make([]populateResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, key := range keys {
		g.Go(func() error {
			resp, err := p.fetchOne(gctx, key)
			if err == nil && p.mode() == PopulateBestEffort {
				err = c.Put(gctx, key, resp)
			}
			results[i] = populateResult{resp: resp, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			report.Failed = append(report.Failed, keys[i])
		}
	}

	switch p.mode() {
	case PopulateAtomic:
		if len(errs) > 0 {
			report.Failed = append(report.Failed[:0], keys...)
			return report, fmt.Errorf("atomic populate aborted: %w", errors.Join(errs...))
		}
		entries := make([]Entry, len(keys))
		for i, key := range keys {
			entries[i] = Entry{Key: key, Response: results[i].resp}
		}
		if err := c.PutAll(ctx, entries); err != nil {
			report.Failed = append(report.Failed, keys...)
			return report, fmt.Errorf("atomic populate write: %w", err)
		}
		report.Stored = append(report.Stored, keys...)
	default:
		for i, r := range results {
			if r.err == nil {
				report.Stored = append(report.Stored, keys[i])
			}
		}
	}

	return report, errors.Join(errs...)
}

func (p Populator) fetchOne(ctx context.Context, key Key) (*Response, error) {
	resp, err := p.Fetch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("populate %s: %w", key, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("populate %s: empty response", key)
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, &BadStatusError{Key: key, Status: resp.Status}
	}
	return resp, nil
}

func (p Populator) mode() PopulateMode {
	if p.Mode == PopulateAtomic {
		return PopulateAtomic
	}
	return PopulateBestEffort
}
