package warden

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestsDenied    *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeTunnels     prometheus.Gauge
	tunnelBytesUp     prometheus.Counter
	tunnelBytesDown   prometheus.Counter
	certCacheSize     prometheus.Gauge
	certCacheHits     prometheus.Counter
	certCacheMisses   prometheus.Counter
	policyRuleCount   prometheus.Gauge
	policyReloads     prometheus.Counter
	policyReloadErrs  prometheus.Counter
	originErrors      *prometheus.CounterVec
	tlsHandshakeErrs  prometheus.Counter
	firewallInstalled prometheus.Gauge
	auditDropped      prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors
// registered on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "requests_total",
			Help:      "Total number of requests processed.",
		}, []string{"method", "kind"}),

		requestsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "requests_denied_total",
			Help:      "Total number of requests denied by egress policy.",
		}, []string{"reason"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "warden",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "active_tunnels",
			Help:      "Number of active CONNECT tunnels.",
		}),

		tunnelBytesUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "tunnel_bytes_up_total",
			Help:      "Bytes relayed client-to-origin through tunnels.",
		}),

		tunnelBytesDown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "tunnel_bytes_down_total",
			Help:      "Bytes relayed origin-to-client through tunnels.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "cert_cache_size",
			Help:      "Number of cached leaf certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "cert_cache_hits_total",
			Help:      "Number of leaf certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "cert_cache_misses_total",
			Help:      "Number of leaf certificate cache misses.",
		}),

		policyRuleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "policy_rule_count",
			Help:      "Number of active allow-list patterns.",
		}),

		policyReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "policy_reloads_total",
			Help:      "Number of successful policy reloads.",
		}),

		policyReloadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "policy_reload_errors_total",
			Help:      "Number of failed policy reloads.",
		}),

		originErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "origin_errors_total",
			Help:      "Number of origin connection errors.",
		}, []string{"host"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		firewallInstalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Name:      "firewall_installed",
			Help:      "Whether the egress packet filter is installed (1) or not (0).",
		}),

		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "audit_records_dropped_total",
			Help:      "Number of audit records dropped due to a full buffer.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsDenied,
		m.requestDuration,
		m.activeTunnels,
		m.tunnelBytesUp,
		m.tunnelBytesDown,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.policyRuleCount,
		m.policyReloads,
		m.policyReloadErrs,
		m.originErrors,
		m.tlsHandshakeErrs,
		m.firewallInstalled,
		m.auditDropped,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a processed request.
func (m *Metrics) RecordRequest(method, kind string) {
	m.requestsTotal.WithLabelValues(method, kind).Inc()
}

// RecordDenied records a request denied by policy.
func (m *Metrics) RecordDenied(reason string) {
	m.requestsDenied.WithLabelValues(reason).Inc()
}

// RecordRequestDuration records the duration of a request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveTunnels increments the active tunnel gauge.
func (m *Metrics) IncActiveTunnels() {
	m.activeTunnels.Inc()
}

// DecActiveTunnels decrements the active tunnel gauge.
func (m *Metrics) DecActiveTunnels() {
	m.activeTunnels.Dec()
}

// RecordTunnelBytes adds a finished tunnel's byte counts.
func (m *Metrics) RecordTunnelBytes(up, down int64) {
	m.tunnelBytesUp.Add(float64(up))
	m.tunnelBytesDown.Add(float64(down))
}

// SetCertCacheSize sets the leaf certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a leaf certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a leaf certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// SetPolicyRuleCount sets the current allow-list pattern count.
func (m *Metrics) SetPolicyRuleCount(count int) {
	m.policyRuleCount.Set(float64(count))
}

// RecordPolicyReload records a successful policy reload.
func (m *Metrics) RecordPolicyReload() {
	m.policyReloads.Inc()
}

// RecordPolicyReloadError records a failed policy reload.
func (m *Metrics) RecordPolicyReloadError() {
	m.policyReloadErrs.Inc()
}

// RecordOriginError records an origin connection error.
func (m *Metrics) RecordOriginError(host string) {
	m.originErrors.WithLabelValues(host).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}

// SetFirewallInstalled records whether the packet filter is active.
func (m *Metrics) SetFirewallInstalled(installed bool) {
	if installed {
		m.firewallInstalled.Set(1)
	} else {
		m.firewallInstalled.Set(0)
	}
}

// RecordAuditDrop records an audit record dropped on a full buffer.
func (m *Metrics) RecordAuditDrop() {
	m.auditDropped.Inc()
}
