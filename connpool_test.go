package warden

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTransportPool_Defaults(t *testing.T) {
	tp := NewTransportPool()
	if tp.MaxIdleConns != 200 {
		t.Errorf("MaxIdleConns = %d, want 200", tp.MaxIdleConns)
	}
	if tp.MaxIdleConnsPerHost != 10 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 10", tp.MaxIdleConnsPerHost)
	}
	if tp.EnableHTTP2 {
		t.Error("HTTP/2 should be off by default")
	}
}

func TestTransportPool_Build(t *testing.T) {
	tp := NewTransportPool()
	tr := tp.Build()

	if tr.MaxIdleConns != tp.MaxIdleConns {
		t.Errorf("MaxIdleConns = %d, want %d", tr.MaxIdleConns, tp.MaxIdleConns)
	}
	if tr.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be false without EnableHTTP2")
	}
	if tr.TLSClientConfig == nil {
		t.Fatal("nil TLSClientConfig")
	}
	if tr.TLSClientConfig.InsecureSkipVerify {
		t.Error("origin certificate verification must stay on")
	}
}

func TestTransportPool_BuildHTTP2(t *testing.T) {
	tp := NewTransportPool()
	tp.EnableHTTP2 = true
	tr := tp.Build()

	if !tr.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be set")
	}
	want := []string{"h2", "http/1.1"}
	if len(tr.TLSClientConfig.NextProtos) != 2 ||
		tr.TLSClientConfig.NextProtos[0] != want[0] ||
		tr.TLSClientConfig.NextProtos[1] != want[1] {
		t.Errorf("NextProtos = %v, want %v", tr.TLSClientConfig.NextProtos, want)
	}
}

func TestTransportPool_RoundTrip(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pooled"))
	}))
	defer origin.Close()

	tp := NewTransportPool()
	rt := tp.Transport()

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest("GET", origin.URL, nil)
		resp, err := rt.RoundTrip(req)
		if err != nil {
			t.Fatalf("round trip %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if string(body) != "pooled" {
			t.Errorf("body = %q", body)
		}
	}

	stats := tp.Stats()
	if stats.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", stats.TotalRequests)
	}
	if stats.ActiveRequests != 0 {
		t.Errorf("ActiveRequests = %d, want 0", stats.ActiveRequests)
	}

	tp.CloseIdleConnections()
}

func TestTransportPool_Rebuild(t *testing.T) {
	tp := NewTransportPool()
	first := tp.Build()

	tp.MaxIdleConnsPerHost = 50
	second := tp.Build()

	if first == second {
		t.Fatal("Build should produce a fresh transport")
	}
	if second.MaxIdleConnsPerHost != 50 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 50", second.MaxIdleConnsPerHost)
	}
}
