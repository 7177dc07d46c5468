// Package metrics exposes Prometheus collectors for the offline agent on a
// private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/barbell-app/barbell-agent/internal/agent"
)

const namespace = "barbell_agent"

// Metrics 实现 agent.Observer，并通过 Handler 输出 Prometheus 文本格式。
type Metrics struct {
	registry *prometheus.Registry

	fetchTotal         *prometheus.CounterVec
	lifecycleTotal     *prometheus.CounterVec
	populationFailures prometheus.Counter
	staleCachesDeleted prometheus.Counter
	upstreamDurations  *prometheus.HistogramVec
}

var _ agent.Observer = (*Metrics)(nil)

// New 创建并注册全部 collector，同时附带 Go 运行时与进程指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Intercepted requests by fetch mode and response source.",
		}, []string{"mode", "source"}),
		lifecycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_total",
			Help:      "Lifecycle events by event and result.",
		}, []string{"event", "result"}),
		populationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "population_failures_total",
			Help:      "Manifest resources that could not be cached during install.",
		}),
		staleCachesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_caches_deleted_total",
			Help:      "Caches deleted during activation because their version is no longer current.",
		}),
		upstreamDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Origin round-trip latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.fetchTotal,
		m.lifecycleTotal,
		m.populationFailures,
		m.staleCachesDeleted,
		m.upstreamDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回私有 registry，便于测试直接读取。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /-/metrics 使用的 http.Handler。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FetchServed(mode agent.Mode, source string) {
	if mode == "" {
		mode = agent.ModeNoCORS
	}
	m.fetchTotal.WithLabelValues(string(mode), source).Inc()
}

func (m *Metrics) LifecycleEvent(event string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.lifecycleTotal.WithLabelValues(event, result).Inc()
}

func (m *Metrics) PopulationFailed(count int) {
	if count <= 0 {
		return
	}
	m.populationFailures.Add(float64(count))
}

func (m *Metrics) StaleCacheDeleted() {
	m.staleCachesDeleted.Inc()
}

// ObserveUpstream 记录一次回源耗时，outcome 为 "response" 或 "error"。
func (m *Metrics) ObserveUpstream(outcome string, seconds float64) {
	m.upstreamDurations.WithLabelValues(outcome).Observe(seconds)
}
