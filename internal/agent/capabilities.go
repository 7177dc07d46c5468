package agent

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/barbell-app/barbell-agent/internal/cache"
	"github.com/barbell-app/barbell-agent/internal/logging"
)

// Fetcher 执行一次网络请求。只有传输层失败才返回 error，HTTP 错误状态照常作为响应返回。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// Clients 是接管客户端的能力。
type Clients interface {
	Claim(ctx context.Context) error
}

// Lifecycle 是通知宿主跳过等待阶段的能力。
type Lifecycle interface {
	SkipWaiting()
}

// Observer 接收生命周期与请求结果，用于指标采集。
type Observer interface {
	FetchServed(mode Mode, source string)
	LifecycleEvent(event string, err error)
	PopulationFailed(count int)
	StaleCacheDeleted()
}

// Deps 汇总生命周期处理函数所需的运行时能力。
type Deps struct {
	Storage  cache.Storage
	Network  Fetcher
	Clients  Clients
	Runtime  Lifecycle
	Logger   *logrus.Logger
	Observer Observer
}

func (d Deps) logger() *logrus.Logger {
	if d.Logger == nil {
		return logging.Discard()
	}
	return d.Logger
}

func (d Deps) observer() Observer {
	if d.Observer == nil {
		return nopObserver{}
	}
	return d.Observer
}

type nopObserver struct{}

func (nopObserver) FetchServed(Mode, string)     {}
func (nopObserver) LifecycleEvent(string, error) {}
func (nopObserver) PopulationFailed(int)         {}
func (nopObserver) StaleCacheDeleted()           {}
