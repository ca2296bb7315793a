package udss

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "udss"

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestsRejected  *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeConns       prometheus.Gauge
	activeTunnels     prometheus.Gauge
	certCacheSize     prometheus.Gauge
	certCacheHits     prometheus.Counter
	certCacheMisses   prometheus.Counter
	blockedDomains    prometheus.Gauge
	blockedPatterns   prometheus.Gauge
	blocklistReloads  prometheus.Counter
	blocklistErrs     prometheus.Counter
	upstreamErrors    *prometheus.CounterVec
	tlsHandshakeErrs  prometheus.Counter
	trafficBytes      *prometheus.CounterVec
	trafficLogDropped prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of requests processed.",
		}, []string{"method", "scheme"}),

		requestsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_rejected_total",
			Help:      "Requests answered by the proxy without contacting upstream.",
		}, []string{"reason"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Number of open client connections.",
		}),

		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_tunnels",
			Help:      "Number of intercepted TLS tunnels being served.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cert_cache_size",
			Help:      "Number of cached leaf certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cert_cache_hits_total",
			Help:      "Number of leaf certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cert_cache_misses_total",
			Help:      "Number of leaf certificate cache misses.",
		}),

		blockedDomains: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "blocklist_domains",
			Help:      "Number of exact domains in the blocklist.",
		}),

		blockedPatterns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "blocklist_patterns",
			Help:      "Number of patterns in the blocklist.",
		}),

		blocklistReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "blocklist_reloads_total",
			Help:      "Number of successful blocklist reloads.",
		}),

		blocklistErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "blocklist_reload_errors_total",
			Help:      "Number of failed blocklist reloads.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_errors_total",
			Help:      "Number of failed upstream exchanges.",
		}, []string{"scheme"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		trafficBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "traffic_bytes_total",
			Help:      "Body bytes relayed, by direction and protocol.",
		}, []string{"direction", "proto"}),

		trafficLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "traffic_log_dropped_total",
			Help:      "Traffic records dropped because the log queue was full.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsRejected,
		m.requestDuration,
		m.activeConns,
		m.activeTunnels,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.blockedDomains,
		m.blockedPatterns,
		m.blocklistReloads,
		m.blocklistErrs,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
		m.trafficBytes,
		m.trafficLogDropped,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a processed request.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordRejected records a request the proxy answered itself.
func (m *Metrics) RecordRejected(reason string) {
	m.requestsRejected.WithLabelValues(reason).Inc()
}

// RecordRequestDuration records the duration of a request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// IncActiveTunnels increments the active tunnel gauge.
func (m *Metrics) IncActiveTunnels() {
	m.activeTunnels.Inc()
}

// DecActiveTunnels decrements the active tunnel gauge.
func (m *Metrics) DecActiveTunnels() {
	m.activeTunnels.Dec()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// SetBlocklistSize sets the blocklist size gauges.
func (m *Metrics) SetBlocklistSize(domains, patterns int) {
	m.blockedDomains.Set(float64(domains))
	m.blockedPatterns.Set(float64(patterns))
}

// RecordBlocklistReload records a successful blocklist reload.
func (m *Metrics) RecordBlocklistReload() {
	m.blocklistReloads.Inc()
}

// RecordBlocklistReloadError records a failed blocklist reload.
func (m *Metrics) RecordBlocklistReloadError() {
	m.blocklistErrs.Inc()
}

// RecordUpstreamError records a failed upstream exchange.
func (m *Metrics) RecordUpstreamError(scheme string) {
	m.upstreamErrors.WithLabelValues(scheme).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}

// AddTrafficBytes adds relayed body bytes. Direction is "in" (from
// clients) or "out" (to clients); proto is "http" or "tls".
func (m *Metrics) AddTrafficBytes(direction, proto string, n int) {
	m.trafficBytes.WithLabelValues(direction, proto).Add(float64(n))
}

// RecordTrafficLogDropped records a traffic record lost to back-pressure.
func (m *Metrics) RecordTrafficLogDropped() {
	m.trafficLogDropped.Inc()
}

// WireBlocker reports blocklist reloads from b to m, chaining any hooks
// already set on b.
func (m *Metrics) WireBlocker(b *Blocker) {
	prevReload, prevErr := b.OnReload, b.OnError
	b.OnReload = func(domains, patterns int) {
		m.RecordBlocklistReload()
		m.SetBlocklistSize(domains, patterns)
		if prevReload != nil {
			prevReload(domains, patterns)
		}
	}
	b.OnError = func(err error) {
		m.RecordBlocklistReloadError()
		if prevErr != nil {
			prevErr(err)
		}
	}
	m.SetBlocklistSize(b.Count())
}
