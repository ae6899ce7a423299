package warden

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDenyPage_Default(t *testing.T) {
	dp := NewDenyPage()

	body, err := dp.RenderString(DenyPageData{
		Host:   "blocked.example.com",
		Port:   443,
		Reason: "host is not in the allow list",
	})
	if err != nil {
		t.Fatalf("RenderString failed: %v", err)
	}

	if !strings.Contains(body, "blocked.example.com") {
		t.Errorf("body does not name the host: %q", body)
	}
	if !strings.Contains(body, "host is not in the allow list") {
		t.Errorf("body does not include the reason: %q", body)
	}
	if dp.contentType() != "text/plain; charset=utf-8" {
		t.Errorf("unexpected content type: %s", dp.contentType())
	}
}

func TestNewDenyPageFromTemplate(t *testing.T) {
	dp, err := NewDenyPageFromTemplate("denied {{.Host}}:{{.Port}} because {{.Reason}}")
	if err != nil {
		t.Fatalf("NewDenyPageFromTemplate failed: %v", err)
	}

	body, err := dp.RenderString(DenyPageData{Host: "a.com", Port: 8443, Reason: "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if body != "denied a.com:8443 because nope" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestNewDenyPageFromTemplate_Invalid(t *testing.T) {
	if _, err := NewDenyPageFromTemplate("{{.Host"); err == nil {
		t.Error("expected parse error")
	}
}

func TestNewDenyPageFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deny.tmpl")
	if err := os.WriteFile(path, []byte("no: {{.Host}}"), 0o644); err != nil {
		t.Fatal(err)
	}

	dp, err := NewDenyPageFromFile(path)
	if err != nil {
		t.Fatalf("NewDenyPageFromFile failed: %v", err)
	}

	body, err := dp.RenderString(DenyPageData{Host: "a.com"})
	if err != nil {
		t.Fatal(err)
	}
	if body != "no: a.com" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestNewDenyPageFromFile_Missing(t *testing.T) {
	if _, err := NewDenyPageFromFile("/nonexistent/deny.tmpl"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDenyPage_CustomContentType(t *testing.T) {
	dp := NewDenyPage()
	dp.ContentType = "text/html; charset=utf-8"
	if dp.contentType() != "text/html; charset=utf-8" {
		t.Errorf("unexpected content type: %s", dp.contentType())
	}
}
