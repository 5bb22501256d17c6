// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TokensIssued  *prometheus.CounterVec
	NoValidKeys   prometheus.Counter
	KeysGenerated *prometheus.CounterVec
	KeysSwept     prometheus.Counter
	StoreKeys     *prometheus.GaugeVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	RateLimitHits *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jwks_tokens_issued_total",
			Help: "Tokens issued by kind (valid|expired) and result.",
		}, []string{"kind", "result"}),
		NoValidKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jwks_no_valid_keys_total",
			Help: "Token requests that found no valid signing key.",
		}),
		KeysGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jwks_keys_generated_total",
			Help: "Key pairs generated by reason.",
		}, []string{"reason"}),
		KeysSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jwks_keys_swept_total",
			Help: "Expired key records deleted by the sweep.",
		}),
		StoreKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jwks_store_keys",
			Help: "Key records in the store by state.",
		}, []string{"state"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests processed.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jwks_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.TokensIssued,
		m.NoValidKeys,
		m.KeysGenerated,
		m.KeysSwept,
		m.StoreKeys,
		m.HTTPRequests,
		m.HTTPDuration,
		m.RateLimitHits,
	)
	return m
}

// Handler serves the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordToken(kind, result string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordNoValidKeys() {
	if m == nil {
		return
	}
	m.NoValidKeys.Inc()
}

func (m *Metrics) RecordKeyGenerated(reason string) {
	if m == nil {
		return
	}
	m.KeysGenerated.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSweep(deleted int64) {
	if m == nil {
		return
	}
	m.KeysSwept.Add(float64(deleted))
}

func (m *Metrics) SetStoreKeys(valid, expired int) {
	if m == nil {
		return
	}
	m.StoreKeys.WithLabelValues("valid").Set(float64(valid))
	m.StoreKeys.WithLabelValues("expired").Set(float64(expired))
}

func (m *Metrics) RecordHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) RecordRateLimitHit(route string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(route).Inc()
}
