package obs

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	pipelineErrors  *prometheus.CounterVec
	notModified     prometheus.Counter
	rehash          prometheus.Counter
	linkRewrites    prometheus.Counter
	hashEntries     prometheus.Gauge
	hashEvictions   prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

var (
	defaultMetricsMu sync.RWMutex
	defaultMetrics   *Metrics
)

func SetDefaultMetrics(metrics *Metrics) {
	defaultMetricsMu.Lock()
	defaultMetrics = metrics
	defaultMetricsMu.Unlock()
}

func DefaultMetrics() *Metrics {
	defaultMetricsMu.RLock()
	defer defaultMetricsMu.RUnlock()
	return defaultMetrics
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_requests_total",
		Help: "Total dispatched requests",
	}, []string{"route", "status_class"})

	pipelineErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_errors_total",
		Help: "Total pipeline error outcomes",
	}, []string{"category"})

	notModified := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_not_modified_total",
		Help: "Total conditional requests answered without invoking a handler",
	})

	rehash := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_rehash_total",
		Help: "Total scheduled content hash recomputations",
	})

	linkRewrites := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_link_rewrites_total",
		Help: "Total outbound links rewritten to hash URIs",
	})

	hashEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_hash_entries",
		Help: "Current hash registry entry count",
	})

	hashEvictions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_hash_evictions_total",
		Help: "Total hash registry entries evicted",
	})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_request_duration_seconds",
		Help:    "Request dispatch duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	registry.MustRegister(requests, pipelineErrors, notModified, rehash,
		linkRewrites, hashEntries, hashEvictions, requestDuration)

	return &Metrics{
		registry:        registry,
		requests:        requests,
		pipelineErrors:  pipelineErrors,
		notModified:     notModified,
		rehash:          rehash,
		linkRewrites:    linkRewrites,
		hashEntries:     hashEntries,
		hashEvictions:   hashEvictions,
		requestDuration: requestDuration,
	}
}

func (m *Metrics) RecordRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "none"
	}
	m.requests.WithLabelValues(route, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) RecordError(category string) {
	if m == nil {
		return
	}
	m.pipelineErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) RecordNotModified() {
	if m == nil {
		return
	}
	m.notModified.Inc()
}

func (m *Metrics) RecordRehash() {
	if m == nil {
		return
	}
	m.rehash.Inc()
}

func (m *Metrics) RecordLinkRewrite() {
	if m == nil {
		return
	}
	m.linkRewrites.Inc()
}

func (m *Metrics) RecordEviction(string) {
	if m == nil {
		return
	}
	m.hashEvictions.Inc()
}

func (m *Metrics) SetHashEntries(n int) {
	if m == nil {
		return
	}
	m.hashEntries.Set(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", status/100)
}
