package warden

import (
	"bufio"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Denial response headers. Denied requests get an HTTP 407 carrying
// the blocked host and the policy marker so callers can tell a policy
// denial apart from an origin failure.
const (
	// BlockedHeader names the host that was denied.
	BlockedHeader = "X-Warden-Blocked"

	// PolicyChallenge is the Proxy-Authenticate value sent on denials.
	PolicyChallenge = "Warden-Policy"
)

// Proxy is a host-allow-list forward proxy. Every destination is
// checked against the allow list before any byte is sent toward the
// origin; unknown destinations are denied by default with an HTTP 407
// response that names the blocked host.
//
// With a CertManager configured, CONNECT tunnels are intercepted: the
// client-side leg is terminated with a minted certificate and the
// origin leg is re-originated with full certificate verification.
// Without one, allowed CONNECT requests get an opaque tunnel.
type Proxy struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:8080").
	Addr string

	// Policy is the default allow-list policy. A nil Policy denies
	// every destination.
	Policy *Policy

	// Resolver selects per-identity policies (optional). When a
	// client authenticated via mTLS resolves to a policy, that policy
	// replaces the default for the connection.
	Resolver *PolicyResolver

	// CertManager enables TLS interception of CONNECT tunnels
	// (optional). When nil, allowed CONNECT requests are relayed
	// opaquely.
	CertManager *CertManager

	// DenyPage renders denial bodies (optional, plaintext default).
	DenyPage *DenyPage

	// Logger for proxy events.
	Logger *slog.Logger

	// Transport for outbound requests (optional, uses default if nil).
	Transport http.RoundTripper

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// Audit receives one record per proxied connection (optional).
	Audit *AuditReporter

	// PACHandler serves PAC files at /proxy.pac (optional).
	PACHandler *PACGenerator

	// HealthChecker provides /healthz and /readyz endpoints (optional).
	HealthChecker *HealthChecker

	// Admin provides REST endpoints for runtime policy management,
	// status inspection, and reloads (optional). Requests matching
	// AdminAPI.PathPrefix are routed to the admin handler instead of
	// being proxied.
	Admin *AdminAPI

	// UpstreamProxy forwards requests through a parent proxy
	// (optional). When set, CONNECT tunnels are established via the
	// upstream proxy and plain HTTP requests are forwarded through it.
	UpstreamProxy *UpstreamProxy

	// RateLimiter provides per-client request throttling (optional).
	// Requests over the limit receive fast 429 responses.
	RateLimiter *RateLimiter

	// ConnLimiter caps concurrent proxied connections (optional).
	ConnLimiter *ConnLimiter

	// TransportPool provides a connection-pooled transport (optional).
	// When set, its Transport() is the base transport instead of the
	// Transport field.
	TransportPool *TransportPool

	// BodyLimiter caps outbound request body sizes (optional).
	BodyLimiter *BodyLimiter

	// ClientAuth enables mutual TLS on the proxy listener (optional).
	// The client certificate's subject becomes the identity used for
	// per-identity policy resolution.
	ClientAuth *ClientAuth

	// Bypass lets authorized maintenance clients skip the allow list
	// (optional). See [Bypass].
	Bypass *Bypass

	// AuthToken, when set, requires clients to present the token in
	// Proxy-Authorization (Basic password or Bearer). Compared in
	// constant time.
	AuthToken string

	// TunnelIdleTimeout closes opaque tunnels idle for this long.
	// Zero disables the idle check.
	TunnelIdleTimeout time.Duration

	listener net.Listener
	srv      *http.Server
}

// NewProxy creates a proxy listening on addr with the given policy.
func NewProxy(addr string, policy *Policy) *Proxy {
	return &Proxy{
		Addr:   addr,
		Policy: policy,
		Logger: slog.Default(),
	}
}

// ListenAndServe starts the proxy server. When [Proxy.ClientAuth] is
// set, the listener is wrapped with TLS so mutual authentication
// happens before any HTTP traffic.
func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if p.ClientAuth != nil {
		if p.CertManager == nil {
			_ = listener.Close()
			return fmt.Errorf("mtls listener requires a CertManager for the server certificate")
		}
		serverCert, certErr := p.CertManager.GetCertificateForHost("warden.local")
		if certErr != nil {
			_ = listener.Close()
			return fmt.Errorf("mtls server cert: %w", certErr)
		}
		listener = p.ClientAuth.WrapListener(listener, *serverCert)
		p.Logger.Info("mTLS enabled on proxy listener")
	}

	p.listener = listener

	p.srv = &http.Server{
		Handler: p,
	}

	p.Logger.Info("proxy listening", "addr", p.Addr)
	return p.srv.Serve(listener)
}

// Shutdown gracefully stops the proxy.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.srv != nil {
		return p.srv.Shutdown(ctx)
	}
	return nil
}

// ServeHTTP handles incoming proxy requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.PACHandler != nil && r.URL.Path == "/proxy.pac" && r.Method != http.MethodConnect {
		p.PACHandler.ServeHTTP(w, r)
		return
	}
	if p.Metrics != nil && r.URL.Path == "/metrics" && r.Method != http.MethodConnect {
		p.Metrics.Handler().ServeHTTP(w, r)
		return
	}
	if p.HealthChecker != nil && r.Method != http.MethodConnect {
		switch r.URL.Path {
		case "/healthz":
			p.HealthChecker.HandleHealthz(w, r)
			return
		case "/readyz":
			p.HealthChecker.HandleReadyz(w, r)
			return
		}
	}
	if p.Admin != nil && strings.HasPrefix(r.URL.Path, p.Admin.PathPrefix) && r.Method != http.MethodConnect {
		p.Admin.ServeHTTP(w, r)
		return
	}

	if !p.authorize(r) {
		w.Header().Set("Proxy-Authenticate", `Basic realm="warden"`)
		http.Error(w, "proxy authentication required", http.StatusProxyAuthRequired)
		return
	}

	if p.RateLimiter != nil {
		if !p.RateLimiter.AllowHTTP(w, r) {
			if p.Metrics != nil {
				p.Metrics.RecordRequest(r.Method, "rate_limited")
			}
			return
		}
	}

	if p.ConnLimiter != nil {
		if !p.ConnLimiter.Acquire() {
			if p.Metrics != nil {
				p.Metrics.RecordRequest(r.Method, "conn_limited")
			}
			http.Error(w, "proxy connection limit reached", http.StatusServiceUnavailable)
			return
		}
		defer p.ConnLimiter.Release()
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
	} else {
		p.handleHTTP(w, r)
	}
}

// authorize checks the Proxy-Authorization header against AuthToken.
// With no token configured, every client is authorized.
func (p *Proxy) authorize(r *http.Request) bool {
	if p.AuthToken == "" {
		return true
	}
	token := extractProxyToken(r.Header.Get("Proxy-Authorization"))
	return subtle.ConstantTimeCompare([]byte(token), []byte(p.AuthToken)) == 1
}

// extractProxyToken pulls the credential out of a Proxy-Authorization
// value. Basic credentials yield the password part; Bearer yields the
// token.
func extractProxyToken(header string) string {
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok {
		return ""
	}
	switch strings.ToLower(scheme) {
	case "bearer":
		return strings.TrimSpace(rest)
	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			return ""
		}
		_, password, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return ""
		}
		return password
	}
	return ""
}

// identityFor extracts the mTLS identity and groups for the request,
// when the listener is running with client authentication.
func (p *Proxy) identityFor(r *http.Request) (identity string, groups []string) {
	if p.ClientAuth == nil || !p.ClientAuth.IdentityFromCert {
		return "", nil
	}
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return "", nil
	}
	cert := r.TLS.PeerCertificates[0]
	return cert.Subject.CommonName, cert.Subject.Organization
}

// policyFor returns the policy governing the request's client,
// consulting the resolver for mTLS identities.
func (p *Proxy) policyFor(r *http.Request) *Policy {
	if p.Resolver != nil {
		identity, groups := p.identityFor(r)
		if pol := p.Resolver.Resolve(identity, groups); pol != nil {
			return pol
		}
	}
	return p.Policy
}

// decide evaluates host:port for the request. A nil policy denies.
func (p *Proxy) decide(r *http.Request, host string, port int) (Decision, string) {
	if p.Bypass != nil && p.Bypass.ShouldBypass(r) {
		return Allowed, ""
	}

	pol := p.policyFor(r)
	if pol == nil {
		return Denied, DefaultDenyReason
	}
	if pol.Evaluate(host, port) == Allowed {
		return Allowed, ""
	}
	return Denied, pol.DenyReason()
}

// handleConnect handles CONNECT requests. The policy decision is made
// before the connection is hijacked and before any origin dial, so a
// denied destination never causes outbound traffic.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "connect")
	}

	host, port := splitHostPort(r.Host, 443)
	start := time.Now()
	identity, _ := p.identityFor(r)

	decision, reason := p.decide(r, host, port)
	if decision == Denied {
		p.Logger.Info("denied", "host", host, "port", port, "client", r.RemoteAddr, "reason", reason)
		if p.Metrics != nil {
			p.Metrics.RecordDenied(reason)
		}
		p.writeDenial(w, host, port, reason)
		p.report(AuditRecord{
			Timestamp:  start,
			ClientAddr: r.RemoteAddr,
			Identity:   identity,
			Host:       host,
			Port:       port,
			Decision:   Denied,
			Reason:     reason,
			Protocol:   "connect",
			Method:     r.Method,
			Status:     http.StatusProxyAuthRequired,
			Duration:   time.Since(start),
		})
		return
	}

	if p.Metrics != nil {
		p.Metrics.IncActiveTunnels()
		defer p.Metrics.DecActiveTunnels()
	}

	rec := AuditRecord{
		Timestamp:  start,
		ClientAddr: r.RemoteAddr,
		Identity:   identity,
		Host:       host,
		Port:       port,
		Decision:   Allowed,
		Protocol:   "connect",
		Method:     r.Method,
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		rec.Status = http.StatusInternalServerError
		rec.Error = "hijacking not supported"
		rec.Duration = time.Since(start)
		p.report(rec)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		rec.Status = http.StatusServiceUnavailable
		rec.Error = err.Error()
		rec.Duration = time.Since(start)
		p.report(rec)
		return
	}

	if p.CertManager != nil {
		p.interceptConnect(clientConn, r, host, port, rec)
		return
	}
	p.tunnelConnect(clientConn, r, host, port, rec)
}

// tunnelConnect relays an allowed CONNECT opaquely: dial the origin,
// confirm the tunnel to the client, then pump bytes both ways.
func (p *Proxy) tunnelConnect(clientConn net.Conn, r *http.Request, host string, port int, rec AuditRecord) {
	originConn, err := p.dialOrigin(r.Context(), net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		p.Logger.Error("dial origin", "host", host, "port", port, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordOriginError(host)
		}
		p.writeRawResponse(clientConn, http.StatusBadGateway, fmt.Sprintf("origin unreachable: %v", err))
		_ = clientConn.Close()
		rec.Status = http.StatusBadGateway
		rec.Error = err.Error()
		rec.Duration = time.Since(rec.Timestamp)
		p.report(rec)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.Logger.Error("write connect response", "error", err)
		_ = clientConn.Close()
		_ = originConn.Close()
		rec.Error = err.Error()
		rec.Duration = time.Since(rec.Timestamp)
		p.report(rec)
		return
	}

	tunnel := NewTunnel(clientConn, originConn)
	tunnel.IdleTimeout = p.TunnelIdleTimeout
	tunnel.Run()

	rec.BytesUp, rec.BytesDown = tunnel.Bytes()
	rec.Status = http.StatusOK
	rec.Duration = time.Since(rec.Timestamp)
	if p.Metrics != nil {
		p.Metrics.RecordTunnelBytes(rec.BytesUp, rec.BytesDown)
	}
	p.report(rec)
}

// interceptConnect terminates the client's TLS with a minted leaf and
// relays decrypted requests to the origin over verified TLS.
func (p *Proxy) interceptConnect(clientConn net.Conn, r *http.Request, host string, port int, rec AuditRecord) {
	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.Logger.Error("write connect response", "error", err)
		_ = clientConn.Close()
		rec.Error = err.Error()
		rec.Duration = time.Since(rec.Timestamp)
		p.report(rec)
		return
	}

	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			// Use SNI if available, otherwise the CONNECT host.
			h := hello.ServerName
			if h == "" {
				h = host
			}
			return p.CertManager.GetCertificateForHost(h)
		},
	}

	tlsClientConn := tls.Server(clientConn, tlsConfig)
	if err := tlsClientConn.Handshake(); err != nil {
		p.Logger.Error("TLS handshake with client", "error", err, "host", host)
		if p.Metrics != nil {
			p.Metrics.RecordTLSHandshakeError()
		}
		_ = clientConn.Close()
		rec.Error = err.Error()
		rec.Duration = time.Since(rec.Timestamp)
		p.report(rec)
		return
	}

	p.serveIntercepted(tlsClientConn, r, host, port, rec)
}

// serveIntercepted reads decrypted requests off the intercepted tunnel
// and forwards each one, re-checking policy per request because the
// Host header inside the tunnel may name a different destination than
// the CONNECT did.
func (p *Proxy) serveIntercepted(conn *tls.Conn, connReq *http.Request, defaultHost string, port int, rec AuditRecord) {
	defer func() {
		rec.Duration = time.Since(rec.Timestamp)
		p.report(rec)
	}()
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				p.Logger.Debug("read request", "error", err)
			}
			return
		}

		if req.Host == "" {
			req.Host = defaultHost
		}
		reqHost, reqPort := splitHostPort(req.Host, port)
		if req.URL.Host == "" {
			req.URL.Host = net.JoinHostPort(reqHost, strconv.Itoa(reqPort))
		}
		if req.URL.Scheme == "" {
			req.URL.Scheme = "https"
		}
		decision, reason := p.decide(connReq, reqHost, reqPort)
		if decision == Denied {
			p.Logger.Info("denied", "host", reqHost, "port", reqPort, "client", conn.RemoteAddr(), "reason", reason)
			if p.Metrics != nil {
				p.Metrics.RecordDenied(reason)
			}
			p.writeInnerDenial(conn, req, reqHost, reqPort, reason)
			p.report(AuditRecord{
				Timestamp:  time.Now(),
				ClientAddr: conn.RemoteAddr().String(),
				Identity:   rec.Identity,
				Host:       reqHost,
				Port:       reqPort,
				Decision:   Denied,
				Reason:     reason,
				Protocol:   "tls",
				Method:     req.Method,
				Path:       req.URL.Path,
				Status:     http.StatusProxyAuthRequired,
			})
			continue
		}

		if p.BodyLimiter != nil {
			if err := p.BodyLimiter.Check(req); err != nil {
				p.writeRawResponse(conn, http.StatusRequestEntityTooLarge, err.Error())
				continue
			}
		}

		start := time.Now()
		resp, err := p.forwardRequest(req)
		if err != nil {
			p.Logger.Error("forward request", "error", err, "url", req.URL)
			if p.Metrics != nil {
				p.Metrics.RecordOriginError(req.Host)
			}
			p.writeRawResponse(conn, http.StatusBadGateway, fmt.Sprintf("origin unreachable: %v", err))
			rec.Error = err.Error()
			continue
		}
		if p.Metrics != nil {
			p.Metrics.RecordRequestDuration(req.Method, resp.StatusCode, time.Since(start))
		}

		written := &countingWriter{w: conn}
		err = resp.Write(written)
		_ = resp.Body.Close()
		rec.BytesDown += written.n
		rec.Status = resp.StatusCode
		if err != nil {
			p.Logger.Debug("write response", "error", err)
			return
		}
	}
}

// handleHTTP handles plain absolute-URI HTTP requests.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "http")
	}

	host, port := splitHostPort(r.Host, 80)
	start := time.Now()
	identity, _ := p.identityFor(r)

	rec := AuditRecord{
		Timestamp:  start,
		ClientAddr: r.RemoteAddr,
		Identity:   identity,
		Host:       host,
		Port:       port,
		Protocol:   "http",
		Method:     r.Method,
		Path:       r.URL.Path,
	}

	decision, reason := p.decide(r, host, port)
	if decision == Denied {
		p.Logger.Info("denied", "host", host, "port", port, "client", r.RemoteAddr, "reason", reason)
		if p.Metrics != nil {
			p.Metrics.RecordDenied(reason)
		}
		p.writeDenial(w, host, port, reason)
		rec.Decision = Denied
		rec.Reason = reason
		rec.Status = http.StatusProxyAuthRequired
		rec.Duration = time.Since(start)
		p.report(rec)
		return
	}
	rec.Decision = Allowed

	if p.BodyLimiter != nil {
		if err := p.BodyLimiter.Check(r); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			rec.Status = http.StatusRequestEntityTooLarge
			rec.Error = err.Error()
			rec.Duration = time.Since(start)
			p.report(rec)
			return
		}
	}

	resp, err := p.forwardRequest(r)
	if err != nil {
		p.Logger.Error("forward request", "error", err, "url", r.URL)
		if p.Metrics != nil {
			p.Metrics.RecordOriginError(r.Host)
		}
		http.Error(w, fmt.Sprintf("origin unreachable: %v", err), http.StatusBadGateway)
		rec.Status = http.StatusBadGateway
		rec.Error = err.Error()
		rec.Duration = time.Since(start)
		p.report(rec)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(r.Method, resp.StatusCode, time.Since(start))
	}

	// Relay status and headers verbatim, minus hop-by-hop headers.
	copyHeader(w.Header(), resp.Header)
	removeHopByHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, resp.Body)

	rec.Status = resp.StatusCode
	rec.BytesDown = written
	rec.BytesUp = r.ContentLength
	if rec.BytesUp < 0 {
		rec.BytesUp = 0
	}
	rec.Duration = time.Since(start)
	p.report(rec)
}

// forwardRequest sends the request to the origin.
func (p *Proxy) forwardRequest(req *http.Request) (*http.Response, error) {
	outReq := req.Clone(req.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	return p.transport().RoundTrip(outReq)
}

// transport returns the effective http.RoundTripper, wrapping the base
// transport with the upstream proxy transport when configured.
func (p *Proxy) transport() http.RoundTripper {
	var base http.RoundTripper
	switch {
	case p.TransportPool != nil:
		base = p.TransportPool.Transport()
	case p.Transport != nil:
		base = p.Transport
	default:
		base = http.DefaultTransport
	}
	if p.UpstreamProxy != nil {
		return p.UpstreamProxy.Transport(base)
	}
	return base
}

// dialOrigin opens a TCP connection to the origin, through the
// upstream proxy when one is configured.
func (p *Proxy) dialOrigin(ctx context.Context, addr string) (net.Conn, error) {
	if p.UpstreamProxy != nil {
		return p.UpstreamProxy.DialContext(ctx, addr)
	}
	var d net.Dialer
	d.Timeout = 30 * time.Second
	return d.DialContext(ctx, "tcp", addr)
}

// writeDenial writes the 407 denial to a ResponseWriter.
func (p *Proxy) writeDenial(w http.ResponseWriter, host string, port int, reason string) {
	dp := p.DenyPage
	if dp == nil {
		dp = NewDenyPage()
	}
	body, err := dp.RenderString(DenyPageData{Host: host, Port: port, Reason: reason})
	if err != nil {
		body = fmt.Sprintf("request blocked: %s (%s)\n", host, reason)
	}

	w.Header().Set(BlockedHeader, host)
	w.Header().Set("Proxy-Authenticate", PolicyChallenge)
	w.Header().Set("Content-Type", dp.contentType())
	w.WriteHeader(http.StatusProxyAuthRequired)
	_, _ = io.WriteString(w, body)
}

// writeInnerDenial writes the 407 denial onto an intercepted tunnel.
func (p *Proxy) writeInnerDenial(w io.Writer, req *http.Request, host string, port int, reason string) {
	dp := p.DenyPage
	if dp == nil {
		dp = NewDenyPage()
	}
	body, err := dp.RenderString(DenyPageData{Host: host, Port: port, Reason: reason})
	if err != nil {
		body = fmt.Sprintf("request blocked: %s (%s)\n", host, reason)
	}

	resp := &http.Response{
		StatusCode: http.StatusProxyAuthRequired,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			BlockedHeader:        {host},
			"Proxy-Authenticate": {PolicyChallenge},
			"Content-Type":       {dp.contentType()},
		},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	_ = resp.Write(w)
}

// writeRawResponse writes a plain HTTP/1.1 response to a raw conn or
// tunnel writer.
func (p *Proxy) writeRawResponse(w io.Writer, status int, body string) {
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	_ = resp.Write(w)
}

func (p *Proxy) report(rec AuditRecord) {
	if p.Audit != nil {
		p.Audit.Report(rec)
	}
}

// countingWriter counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

// Hop-by-hop headers that must not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
