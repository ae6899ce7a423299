package warden

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func metricsBody(t *testing.T, m *Metrics) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestMetrics_Exposition(t *testing.T) {
	m := NewMetrics()

	m.RecordRequest("GET", "http")
	m.RecordRequest("CONNECT", "connect")
	m.RecordDenied("host is not in the allow list")
	m.RecordRequestDuration("GET", 200, 42*time.Millisecond)
	m.IncActiveTunnels()
	m.RecordTunnelBytes(100, 2048)
	m.SetCertCacheSize(3)
	m.RecordCertCacheHit()
	m.RecordCertCacheMiss()
	m.SetPolicyRuleCount(12)
	m.RecordPolicyReload()
	m.RecordPolicyReloadError()
	m.RecordOriginError("down.example.com")
	m.RecordTLSHandshakeError()
	m.SetFirewallInstalled(true)
	m.RecordAuditDrop()

	body := metricsBody(t, m)

	wantMetrics := []string{
		`warden_requests_total{kind="http",method="GET"} 1`,
		`warden_requests_total{kind="connect",method="CONNECT"} 1`,
		`warden_requests_denied_total{reason="host is not in the allow list"} 1`,
		`warden_request_duration_seconds_count{method="GET",status="200"} 1`,
		`warden_active_tunnels 1`,
		`warden_tunnel_bytes_up_total 100`,
		`warden_tunnel_bytes_down_total 2048`,
		`warden_cert_cache_size 3`,
		`warden_cert_cache_hits_total 1`,
		`warden_cert_cache_misses_total 1`,
		`warden_policy_rule_count 12`,
		`warden_policy_reloads_total 1`,
		`warden_policy_reload_errors_total 1`,
		`warden_origin_errors_total{host="down.example.com"} 1`,
		`warden_tls_handshake_errors_total 1`,
		`warden_firewall_installed 1`,
		`warden_audit_records_dropped_total 1`,
	}
	for _, want := range wantMetrics {
		if !strings.Contains(body, want) {
			t.Errorf("missing metric %q", want)
		}
	}
}

func TestMetrics_TunnelGauge(t *testing.T) {
	m := NewMetrics()
	m.IncActiveTunnels()
	m.IncActiveTunnels()
	m.DecActiveTunnels()

	body := metricsBody(t, m)
	if !strings.Contains(body, "warden_active_tunnels 1") {
		t.Error("active tunnel gauge not decremented")
	}
}

func TestMetrics_FirewallGauge(t *testing.T) {
	m := NewMetrics()
	m.SetFirewallInstalled(true)
	m.SetFirewallInstalled(false)

	body := metricsBody(t, m)
	if !strings.Contains(body, "warden_firewall_installed 0") {
		t.Error("firewall gauge not cleared")
	}
}

func TestMetrics_IncludesGoCollector(t *testing.T) {
	body := metricsBody(t, NewMetrics())
	if !strings.Contains(body, "go_goroutines") {
		t.Error("go collector metrics missing")
	}
}
