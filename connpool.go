package warden

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// TransportPool provides the pooled origin transport. It wraps
// [http.Transport] with defaults tuned for a forward-proxy workload
// and exposes request statistics for the admin API.
//
// HTTP/2 to origins is off by default: intercepted responses are
// relayed to the client over HTTP/1.1, and letting the origin leg
// negotiate h2 would mean re-framing every response.
type TransportPool struct {
	// MaxIdleConns is the total maximum number of idle connections
	// across all hosts.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per origin host.
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits total connections per origin, counting
	// dialing, active, and idle. Zero means no limit.
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled.
	IdleConnTimeout time.Duration

	// DialTimeout bounds TCP dials to origins.
	DialTimeout time.Duration

	// TLSHandshakeTimeout bounds origin TLS handshakes.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for origin response
	// headers. Zero means no timeout.
	ResponseHeaderTimeout time.Duration

	// EnableHTTP2 lets the origin leg negotiate h2 via ALPN.
	EnableHTTP2 bool

	// TLSConfig provides custom TLS settings for origin connections.
	// Origin certificates are always verified; the zero config means
	// standard system-pool verification.
	TLSConfig *tls.Config

	transport atomic.Pointer[http.Transport]

	totalRequests  atomic.Int64
	activeRequests atomic.Int64
}

// NewTransportPool creates a TransportPool with proxy defaults.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
}

// Build creates the underlying [http.Transport] from the current
// configuration. Safe to call again after changing fields; the
// previous transport's idle connections are closed.
func (tp *TransportPool) Build() *http.Transport {
	tlsCfg := tp.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}

	if tp.EnableHTTP2 && tlsCfg.NextProtos == nil {
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}

	dialTimeout := tp.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		MaxConnsPerHost:       tp.MaxConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		TLSHandshakeTimeout:   tp.TLSHandshakeTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     tp.EnableHTTP2,
	}

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}

	return t
}

// Transport returns an [http.RoundTripper] wrapping the pooled
// transport with request counting. Build is called automatically on
// first use.
func (tp *TransportPool) Transport() http.RoundTripper {
	if tp.transport.Load() == nil {
		tp.Build()
	}
	return &pooledRoundTripper{pool: tp}
}

// CloseIdleConnections closes all idle connections in the pool.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of transport statistics.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{
		TotalRequests:  tp.totalRequests.Load(),
		ActiveRequests: tp.activeRequests.Load(),
	}
}

// TransportPoolStats holds a snapshot of connection pool statistics.
type TransportPoolStats struct {
	TotalRequests  int64
	ActiveRequests int64
}

type pooledRoundTripper struct {
	pool *TransportPool
}

func (rt *pooledRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.pool.totalRequests.Add(1)
	rt.pool.activeRequests.Add(1)
	defer rt.pool.activeRequests.Add(-1)

	t := rt.pool.transport.Load()
	if t == nil {
		t = rt.pool.Build()
	}

	return t.RoundTrip(req)
}
