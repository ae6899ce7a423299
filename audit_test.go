package warden

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

// collectSink records every write for assertions.
type collectSink struct {
	mu   sync.Mutex
	recs []AuditRecord
}

func (c *collectSink) Write(rec AuditRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *collectSink) records() []AuditRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AuditRecord(nil), c.recs...)
}

func TestAuditReporter_DeliversToSinks(t *testing.T) {
	sink := &collectSink{}
	reporter := NewAuditReporter(16, sink)

	reporter.Report(AuditRecord{Host: "a.com", Port: 443, Decision: Allowed, Protocol: "connect"})
	reporter.Report(AuditRecord{Host: "b.com", Port: 443, Decision: Denied, Reason: "nope", Protocol: "http"})
	reporter.Close()

	recs := sink.records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Host != "a.com" || recs[1].Host != "b.com" {
		t.Errorf("unexpected record order: %v", recs)
	}
	if reporter.Dropped() != 0 {
		t.Errorf("unexpected drops: %d", reporter.Dropped())
	}
}

func TestAuditReporter_DropsWhenFull(t *testing.T) {
	// A sink that blocks until released, so the buffer fills.
	release := make(chan struct{})
	blocking := AuditSinkFunc(func(rec AuditRecord) error {
		<-release
		return nil
	})

	reporter := NewAuditReporter(1, blocking)

	// First record occupies the fan-out goroutine, second fills the
	// buffer, the rest must drop.
	for i := 0; i < 10; i++ {
		reporter.Report(AuditRecord{Host: "a.com"})
	}

	if reporter.Dropped() == 0 {
		t.Error("expected records to be dropped with a full buffer")
	}

	close(release)
	reporter.Close()
}

func TestAuditReporter_CloseIsIdempotent(t *testing.T) {
	reporter := NewAuditReporter(1)
	reporter.Close()
	reporter.Close()
}

func TestAuditReporter_Subscribe(t *testing.T) {
	reporter := NewAuditReporter(16)
	defer reporter.Close()

	recs, cancel := reporter.Subscribe(4)
	defer cancel()

	reporter.Report(AuditRecord{Host: "streamed.example.com", Decision: Denied})

	select {
	case rec := <-recs:
		if rec.Host != "streamed.example.com" {
			t.Errorf("unexpected host: %s", rec.Host)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive the record")
	}

	cancel()
	reporter.Report(AuditRecord{Host: "after-cancel.example.com"})

	select {
	case rec, ok := <-recs:
		if ok {
			t.Errorf("unexpected record after cancel: %s", rec.Host)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := sink.Write(AuditRecord{
		Timestamp:  time.Now(),
		ClientAddr: "127.0.0.1:54321",
		Host:       "blocked.example.com",
		Port:       443,
		Decision:   Denied,
		Reason:     "host is not in the allow list",
		Protocol:   "connect",
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["host"] != "blocked.example.com" {
		t.Errorf("unexpected host: %v", entry["host"])
	}
	if entry["decision"] != "denied" {
		t.Errorf("unexpected decision: %v", entry["decision"])
	}
	if entry["reason"] != "host is not in the allow list" {
		t.Errorf("unexpected reason: %v", entry["reason"])
	}
	if _, ok := entry["bytes_up"]; ok {
		t.Error("denied record should not carry byte counts")
	}
}

func TestSlogSink_AllowedIncludesBytes(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := sink.Write(AuditRecord{
		Timestamp:  time.Now(),
		ClientAddr: "127.0.0.1:54321",
		Host:       "api.example.com",
		Port:       443,
		Decision:   Allowed,
		Protocol:   "connect",
		BytesUp:    100,
		BytesDown:  2048,
	})
	if err != nil {
		t.Fatal(err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry["bytes_down"] != float64(2048) {
		t.Errorf("unexpected bytes_down: %v", entry["bytes_down"])
	}
}

func TestFileSink_WritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	sink := NewFileSink(path)
	defer func() { _ = sink.Close() }()

	for i := 0; i < 3; i++ {
		err := sink.Write(AuditRecord{
			Timestamp: time.Now(),
			Host:      "a.com",
			Port:      443,
			Decision:  Allowed,
			Protocol:  "connect",
		})
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["host"] != "a.com" {
		t.Errorf("unexpected host: %v", entry["host"])
	}
}

func TestFileSink_RotatesAndCompresses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	sink := NewFileSink(path)
	sink.MaxSize = 1 // every write after the first rotates

	for i := 0; i < 3; i++ {
		err := sink.Write(AuditRecord{
			Timestamp: time.Now(),
			Host:      "a.com",
			Decision:  Allowed,
			Protocol:  "http",
		})
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		// Rotated names have second granularity.
		time.Sleep(1100 * time.Millisecond)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	rotated, err := sink.RotatedFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(rotated) == 0 {
		t.Fatal("expected rotated files")
	}

	// Compression replaced the plain rotations with .zst files.
	for _, f := range rotated {
		if !strings.HasSuffix(f, ".zst") {
			t.Errorf("rotated file not compressed: %s", f)
			continue
		}

		in, err := os.Open(f)
		if err != nil {
			t.Fatal(err)
		}
		dec, err := zstd.NewReader(in)
		if err != nil {
			t.Fatalf("open zstd stream: %v", err)
		}
		data, err := io.ReadAll(dec)
		dec.Close()
		_ = in.Close()
		if err != nil {
			t.Fatalf("decompress: %v", err)
		}
		if !strings.Contains(string(data), "a.com") {
			t.Errorf("decompressed data missing record: %q", data)
		}
	}

	// Active file still present and writable.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("active audit file missing: %v", err)
	}
}

func TestRingSink(t *testing.T) {
	sink := NewRingSink(3)

	if got := sink.Recent(10); len(got) != 0 {
		t.Errorf("expected no records, got %d", len(got))
	}

	for i := 1; i <= 5; i++ {
		_ = sink.Write(AuditRecord{Port: i})
	}

	recs := sink.Recent(10)
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	// Newest first.
	for i, want := range []int{5, 4, 3} {
		if recs[i].Port != want {
			t.Errorf("record %d port = %d, want %d", i, recs[i].Port, want)
		}
	}

	if got := sink.Recent(1); len(got) != 1 || got[0].Port != 5 {
		t.Errorf("Recent(1) = %v", got)
	}
}

func TestMultiSink(t *testing.T) {
	a := &collectSink{}
	b := &collectSink{}
	failing := AuditSinkFunc(func(rec AuditRecord) error {
		return errors.New("sink down")
	})

	multi := NewMultiSink(a, failing, b)
	err := multi.Write(AuditRecord{Host: "a.com"})
	if err == nil {
		t.Fatal("expected error from failing sink")
	}
	if !strings.Contains(err.Error(), "sink down") {
		t.Errorf("unexpected error: %v", err)
	}

	// Other sinks still received the record.
	if len(a.records()) != 1 || len(b.records()) != 1 {
		t.Error("healthy sinks should still receive the record")
	}
}

func TestAuditReporter_DropMetric(t *testing.T) {
	release := make(chan struct{})
	blocking := AuditSinkFunc(func(rec AuditRecord) error {
		<-release
		return nil
	})

	reporter := NewAuditReporter(1, blocking)
	reporter.Metrics = NewMetrics()

	for i := 0; i < 10; i++ {
		reporter.Report(AuditRecord{Host: "a.com"})
	}
	close(release)
	reporter.Close()

	body := metricsBody(t, reporter.Metrics)
	if !strings.Contains(body, "warden_audit_records_dropped_total") ||
		strings.Contains(body, "warden_audit_records_dropped_total 0") {
		t.Error("dropped records not counted in metrics")
	}
}
