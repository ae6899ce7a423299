package warden

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCertRotator_RotateFromPEM(t *testing.T) {
	cm := testCertManager(t)
	if _, err := cm.GetCertificateForHost("example.com"); err != nil {
		t.Fatal(err)
	}

	rotator := NewCertRotator(cm, "", "")
	var rotatedTo string
	rotator.OnRotate = func(subject string) { rotatedTo = subject }

	certPEM, keyPEM, err := GenerateCA("Rotated", 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := rotator.RotateFromPEM(certPEM, keyPEM); err != nil {
		t.Fatalf("RotateFromPEM failed: %v", err)
	}

	if rotatedTo != "Rotated Root CA" {
		t.Errorf("OnRotate subject = %q, want %q", rotatedTo, "Rotated Root CA")
	}
	if cm.CacheSize() != 0 {
		t.Errorf("rotation should flush the leaf cache, got %d entries", cm.CacheSize())
	}
}

func TestCertRotator_RotateFromPEM_Invalid(t *testing.T) {
	cm := testCertManager(t)
	rotator := NewCertRotator(cm, "", "")

	var gotErr error
	rotator.OnError = func(err error) { gotErr = err }

	if err := rotator.RotateFromPEM([]byte("bad"), []byte("bad")); err == nil {
		t.Fatal("expected error for invalid PEM")
	}
	if gotErr == nil {
		t.Error("OnError was not called")
	}
}

func TestCertRotator_Rotate(t *testing.T) {
	cm := testCertManager(t)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	certPEM, keyPEM, err := GenerateCA("Disk", 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	rotator := NewCertRotator(cm, certPath, keyPath)
	if err := rotator.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if cm.CACert().Subject.CommonName != "Disk Root CA" {
		t.Errorf("unexpected CA subject: %s", cm.CACert().Subject.CommonName)
	}
}

func TestCertRotator_Rotate_MissingFiles(t *testing.T) {
	cm := testCertManager(t)
	rotator := NewCertRotator(cm, "/nonexistent/ca.crt", "/nonexistent/ca.key")
	if err := rotator.Rotate(); err == nil {
		t.Error("expected error for missing files")
	}
}

func TestCertRotator_WatchCAFiles(t *testing.T) {
	cm := testCertManager(t)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	writeCA := func(org string, modTime time.Time) {
		certPEM, keyPEM, err := GenerateCA(org, 1)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(certPath, modTime, modTime); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(keyPath, modTime, modTime); err != nil {
			t.Fatal(err)
		}
	}

	writeCA("First", time.Now().Add(-time.Hour))

	rotator := NewCertRotator(cm, certPath, keyPath)
	rotated := make(chan string, 1)
	rotator.OnRotate = func(subject string) { rotated <- subject }

	ticks := make(chan time.Time)
	stop := rotator.WatchCAFiles(func() <-chan time.Time { return ticks })
	defer stop()

	// Unchanged files do not rotate.
	ticks <- time.Now()
	select {
	case subject := <-rotated:
		t.Fatalf("unexpected rotation to %q", subject)
	case <-time.After(50 * time.Millisecond):
	}

	// Newer files do.
	writeCA("Second", time.Now())
	ticks <- time.Now()

	select {
	case subject := <-rotated:
		if subject != "Second Root CA" {
			t.Errorf("rotated to %q, want %q", subject, "Second Root CA")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not rotate on file change")
	}
}
