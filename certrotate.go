package warden

import (
	"fmt"
	"os"
	"time"
)

// CertRotator reloads the interception CA from disk at runtime, e.g.
// from a SIGHUP handler or a periodic file watch. Rotation swaps the
// CA inside the existing CertManager, so handlers holding the manager
// pick up the new CA on the next handshake. The leaf cache is flushed
// on every rotation because the old leaves were signed by the previous
// CA.
type CertRotator struct {
	cm *CertManager

	certPath string
	keyPath  string

	// OnRotate is called after a successful rotation with the new CA
	// subject common name.
	OnRotate func(subject string)

	// OnError is called when a rotation attempt fails.
	OnError func(err error)
}

// NewCertRotator creates a CertRotator that reloads the CA from the
// given file paths.
func NewCertRotator(cm *CertManager, certPath, keyPath string) *CertRotator {
	return &CertRotator{
		cm:       cm,
		certPath: certPath,
		keyPath:  keyPath,
	}
}

// Rotate reloads the CA certificate and key from disk and swaps them
// into the CertManager.
func (cr *CertRotator) Rotate() error {
	certPEM, err := os.ReadFile(cr.certPath)
	if err != nil {
		return cr.fail(fmt.Errorf("rotate CA: read cert: %w", err))
	}
	keyPEM, err := os.ReadFile(cr.keyPath)
	if err != nil {
		return cr.fail(fmt.Errorf("rotate CA: read key: %w", err))
	}

	return cr.RotateFromPEM(certPEM, keyPEM)
}

// RotateFromPEM swaps in a CA from in-memory PEM bytes.
func (cr *CertRotator) RotateFromPEM(certPEM, keyPEM []byte) error {
	if err := cr.cm.SetCA(certPEM, keyPEM); err != nil {
		return cr.fail(fmt.Errorf("rotate CA: %w", err))
	}

	if cr.OnRotate != nil {
		cr.OnRotate(cr.cm.CACert().Subject.CommonName)
	}
	return nil
}

func (cr *CertRotator) fail(err error) error {
	if cr.OnError != nil {
		cr.OnError(err)
	}
	return err
}

// WatchCAFiles polls the CA cert and key files and rotates when either
// changes. The interval function supplies the tick channel, so tests
// can drive it manually. Returns a stop function.
func (cr *CertRotator) WatchCAFiles(interval func() <-chan time.Time) func() {
	done := make(chan struct{})

	var lastCertMod, lastKeyMod time.Time
	if info, err := os.Stat(cr.certPath); err == nil {
		lastCertMod = info.ModTime()
	}
	if info, err := os.Stat(cr.keyPath); err == nil {
		lastKeyMod = info.ModTime()
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case <-interval():
				changed := false

				if info, err := os.Stat(cr.certPath); err == nil {
					if info.ModTime().After(lastCertMod) {
						lastCertMod = info.ModTime()
						changed = true
					}
				}

				if info, err := os.Stat(cr.keyPath); err == nil {
					if info.ModTime().After(lastKeyMod) {
						lastKeyMod = info.ModTime()
						changed = true
					}
				}

				if changed {
					_ = cr.Rotate()
				}
			}
		}
	}()

	return func() { close(done) }
}
