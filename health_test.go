package warden

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_Healthz(t *testing.T) {
	hc := NewHealthChecker()

	// Fresh checker is not yet alive.
	w := httptest.NewRecorder()
	hc.HandleHealthz(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != 503 {
		t.Errorf("status = %d, want 503 before SetAlive", w.Code)
	}

	hc.SetAlive(true)
	w = httptest.NewRecorder()
	hc.HandleHealthz(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != 200 {
		t.Errorf("status = %d, want 200 after SetAlive", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("healthz body is not JSON: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Uptime == "" {
		t.Error("uptime missing from healthz response")
	}

	hc.SetAlive(false)
	w = httptest.NewRecorder()
	hc.HandleHealthz(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != 503 {
		t.Errorf("status = %d, want 503 after SetAlive(false)", w.Code)
	}
}

func TestHealthChecker_Readyz(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetAlive(true)

	w := httptest.NewRecorder()
	hc.HandleReadyz(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != 503 {
		t.Errorf("status = %d, want 503 before SetReady", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Reason != "proxy not yet ready" {
		t.Errorf("reason = %q", resp.Reason)
	}

	hc.SetReady(true)
	w = httptest.NewRecorder()
	hc.HandleReadyz(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != 200 {
		t.Errorf("status = %d, want 200 after SetReady", w.Code)
	}
}

func TestHealthChecker_ReadinessChecks(t *testing.T) {
	hc := NewHealthChecker()
	hc.SetReady(true)
	hc.ReadinessChecks = append(hc.ReadinessChecks,
		func() error { return nil },
		func() error { return errors.New("policy has no rules") },
	)

	w := httptest.NewRecorder()
	hc.HandleReadyz(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != 503 {
		t.Fatalf("status = %d, want 503 when a check fails", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, d := range resp.Details {
		if d == "policy has no rules" {
			found = true
		}
	}
	if !found {
		t.Errorf("check failure missing from details: %v", resp.Details)
	}
}

func TestHealthChecker_State(t *testing.T) {
	hc := NewHealthChecker()
	if hc.IsAlive() || hc.IsReady() {
		t.Error("fresh checker should be neither alive nor ready")
	}
	hc.SetAlive(true)
	hc.SetReady(true)
	if !hc.IsAlive() || !hc.IsReady() {
		t.Error("checker should report alive and ready after set")
	}
}
