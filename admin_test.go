package warden

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func testAdmin(t *testing.T) (*AdminAPI, *Proxy) {
	t.Helper()
	proxy := NewProxy("127.0.0.1:0", NewPolicy(NewAllowList("example.com", "*.github.com")))
	return NewAdminAPI(proxy), proxy
}

func adminDo(t *testing.T, a *AdminAPI, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *httptest.ResponseRecorder = httptest.NewRecorder()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	a.ServeHTTP(req, r)
	return req
}

func TestAdminAPI_Status(t *testing.T) {
	a, _ := testAdmin(t)

	w := adminDo(t, a, "GET", "/api/status", "")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.PatternCount != 2 {
		t.Errorf("pattern_count = %d, want 2", resp.PatternCount)
	}
	if resp.Intercepting {
		t.Error("intercepting should be false without a cert manager")
	}
}

func TestAdminAPI_ListPatterns(t *testing.T) {
	a, _ := testAdmin(t)

	w := adminDo(t, a, "GET", "/api/patterns", "")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	var resp PatternsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestAdminAPI_AddPattern(t *testing.T) {
	a, proxy := testAdmin(t)

	w := adminDo(t, a, "POST", "/api/patterns", `{"pattern":"internal.corp"}`)
	if w.Code != 201 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if proxy.Policy.Evaluate("internal.corp", 443) != Allowed {
		t.Error("added pattern should take effect immediately")
	}

	// Duplicates conflict.
	w = adminDo(t, a, "POST", "/api/patterns", `{"pattern":"internal.corp"}`)
	if w.Code != 409 {
		t.Errorf("duplicate status = %d, want 409", w.Code)
	}

	// Bad input.
	w = adminDo(t, a, "POST", "/api/patterns", `{`)
	if w.Code != 400 {
		t.Errorf("invalid JSON status = %d, want 400", w.Code)
	}
	w = adminDo(t, a, "POST", "/api/patterns", `{}`)
	if w.Code != 400 {
		t.Errorf("empty pattern status = %d, want 400", w.Code)
	}
}

func TestAdminAPI_DeletePattern(t *testing.T) {
	a, proxy := testAdmin(t)

	w := adminDo(t, a, "DELETE", "/api/patterns", `{"pattern":"example.com"}`)
	if w.Code != 200 {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if proxy.Policy.Evaluate("example.com", 443) != Denied {
		t.Error("removed pattern should stop matching")
	}

	w = adminDo(t, a, "DELETE", "/api/patterns", `{"pattern":"never-added.example"}`)
	if w.Code != 404 {
		t.Errorf("missing pattern status = %d, want 404", w.Code)
	}
}

func TestAdminAPI_Reload(t *testing.T) {
	a, _ := testAdmin(t)

	// Unconfigured.
	w := adminDo(t, a, "POST", "/api/reload", "")
	if w.Code != 501 {
		t.Errorf("status = %d, want 501 without ReloadFunc", w.Code)
	}

	called := false
	a.ReloadFunc = func(ctx context.Context) error {
		called = true
		return nil
	}
	w = adminDo(t, a, "POST", "/api/reload", "")
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !called {
		t.Error("ReloadFunc not invoked")
	}

	a.ReloadFunc = func(ctx context.Context) error {
		return errors.New("source unavailable")
	}
	w = adminDo(t, a, "POST", "/api/reload", "")
	if w.Code != 500 {
		t.Errorf("status = %d, want 500 on reload failure", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Error, "source unavailable") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestAdminAPI_RecentAudit(t *testing.T) {
	a, _ := testAdmin(t)

	ring := NewRingSink(8)
	for i := 0; i < 3; i++ {
		_ = ring.Write(AuditRecord{
			Timestamp: time.Now(),
			Host:      "host" + string(rune('a'+i)) + ".example.com",
			Decision:  Allowed,
		})
	}
	a.Recent = ring

	w := adminDo(t, a, "GET", "/api/audit", "")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}

	var resp AuditResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 3 {
		t.Errorf("count = %d, want 3", resp.Count)
	}
	// Newest first, decision spelled out.
	if resp.Records[0].Host != "hostc.example.com" {
		t.Errorf("first record = %q, want newest", resp.Records[0].Host)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"decision":"allowed"`)) {
		t.Error("decision should be serialized as a string")
	}

	// n query parameter limits results.
	w = adminDo(t, a, "GET", "/api/audit?n=1", "")
	resp = AuditResponse{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}

func TestAdminAPI_RecentAudit_NoRing(t *testing.T) {
	a, _ := testAdmin(t)

	w := adminDo(t, a, "GET", "/api/audit", "")
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	var resp AuditResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 0 {
		t.Errorf("count = %d, want 0", resp.Count)
	}
}

func TestAdminAPI_CustomPrefix(t *testing.T) {
	a, _ := testAdmin(t)
	a.PathPrefix = "/admin"

	w := adminDo(t, a, "GET", "/admin/status", "")
	if w.Code != 200 {
		t.Errorf("status = %d, want 200 under custom prefix", w.Code)
	}
}

func TestAdminAPI_ConcurrentAddPatterns(t *testing.T) {
	a, proxy := testAdmin(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf(`{"pattern":"host%d.example.com"}`, i)
			w := adminDo(t, a, "POST", "/api/patterns", body)
			if w.Code != 201 {
				t.Errorf("add %d: status = %d", i, w.Code)
			}
		}(i)
	}
	wg.Wait()

	// The two seed patterns plus every concurrent add must survive.
	if got := proxy.Policy.Count(); got != 22 {
		t.Errorf("pattern count = %d, want 22 (concurrent add lost)", got)
	}
	for i := 0; i < 20; i++ {
		host := fmt.Sprintf("host%d.example.com", i)
		if proxy.Policy.Evaluate(host, 443) != Allowed {
			t.Errorf("pattern %s lost", host)
		}
	}
}
