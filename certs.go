package warden

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultLeafTTL is how long minted per-host certificates stay valid
// and cached before they are re-minted.
const DefaultLeafTTL = 24 * time.Hour

// CertManager manages the interception CA and per-host leaf
// certificates. Leaves are minted on first use, cached until close to
// expiry, and re-minted lazily. Concurrent handshakes for the same
// host share a single signing operation.
type CertManager struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	// LeafTTL is the validity window for minted leaves.
	// Zero means DefaultLeafTTL.
	LeafTTL time.Duration

	// Metrics records cache hits, misses, and size (optional).
	Metrics *Metrics

	mu    sync.RWMutex
	cache map[string]*cacheEntry
	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

type cacheEntry struct {
	cert      *tls.Certificate
	notAfter  time.Time
	createdAt time.Time
}

// NewCertManager creates a CertManager from existing CA certificate
// and key files.
func NewCertManager(caCertPath, caKeyPath string) (*CertManager, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}

	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}

	return NewCertManagerFromPEM(caCertPEM, caKeyPEM)
}

// NewCertManagerFromPEM creates a CertManager from PEM-encoded CA cert
// and key. The key may be PKCS1 or PKCS8.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte) (*CertManager, error) {
	caCert, caKey, err := parseCAPEM(caCertPEM, caKeyPEM)
	if err != nil {
		return nil, err
	}

	return &CertManager{
		caCert: caCert,
		caKey:  caKey,
		cache:  make(map[string]*cacheEntry),
	}, nil
}

func parseCAPEM(caCertPEM, caKeyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("failed to decode CA key PEM")
	}

	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("CA key is not RSA")
		}
	}

	return caCert, caKey, nil
}

// CACert returns the CA certificate leaves are signed with.
func (cm *CertManager) CACert() *x509.Certificate {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.caCert
}

// CACertPEM returns the PEM encoding of the CA certificate, for
// distribution to clients that need to trust the interception CA.
func (cm *CertManager) CACertPEM() []byte {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cm.caCert.Raw})
}

// GetCertificate returns a TLS certificate for the handshake's SNI,
// minting one if needed. Suitable for tls.Config.GetCertificate.
// Handshakes without SNI are rejected.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("no SNI provided")
	}
	return cm.GetCertificateForHost(host)
}

// GetCertificateForHost returns a certificate for the given hostname,
// minting and caching one when the cache has no live entry.
func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	host = normalizeHost(host)

	cm.mu.RLock()
	entry, ok := cm.cache[host]
	cm.mu.RUnlock()

	// Re-mint slightly before expiry so a handshake never gets a
	// leaf that dies mid-connection.
	if ok && time.Now().Before(entry.notAfter.Add(-time.Minute)) {
		cm.hits.Add(1)
		if cm.Metrics != nil {
			cm.Metrics.RecordCertCacheHit()
		}
		return entry.cert, nil
	}
	cm.misses.Add(1)
	if cm.Metrics != nil {
		cm.Metrics.RecordCertCacheMiss()
	}

	v, err, _ := cm.group.Do(host, func() (any, error) {
		// Another handshake may have minted while we queued.
		cm.mu.RLock()
		entry, ok := cm.cache[host]
		cm.mu.RUnlock()
		if ok && time.Now().Before(entry.notAfter.Add(-time.Minute)) {
			return entry, nil
		}

		e, err := cm.mintLeaf(host)
		if err != nil {
			return nil, err
		}

		cm.mu.Lock()
		cm.cache[host] = e
		size := len(cm.cache)
		cm.mu.Unlock()
		if cm.Metrics != nil {
			cm.Metrics.SetCertCacheSize(size)
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*cacheEntry).cert, nil
}

func (cm *CertManager) mintLeaf(host string) (*cacheEntry, error) {
	cm.mu.RLock()
	caCert, caKey := cm.caCert, cm.caKey
	cm.mu.RUnlock()

	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	ttl := cm.LeafTTL
	if ttl <= 0 {
		ttl = DefaultLeafTTL
	}
	now := time.Now()
	notAfter := now.Add(ttl)

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"Warden Proxy"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, &privKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	// Some TLS stacks want the issuer in the presented chain.
	return &cacheEntry{
		cert: &tls.Certificate{
			Certificate: [][]byte{certDER, caCert.Raw},
			PrivateKey:  privKey,
		},
		notAfter:  notAfter,
		createdAt: now,
	}, nil
}

// SetCA replaces the CA at runtime and flushes the leaf cache, so
// every host gets a fresh leaf under the new CA on next use.
func (cm *CertManager) SetCA(caCertPEM, caKeyPEM []byte) error {
	caCert, caKey, err := parseCAPEM(caCertPEM, caKeyPEM)
	if err != nil {
		return err
	}

	cm.mu.Lock()
	cm.caCert = caCert
	cm.caKey = caKey
	cm.cache = make(map[string]*cacheEntry)
	cm.mu.Unlock()
	if cm.Metrics != nil {
		cm.Metrics.SetCertCacheSize(0)
	}
	return nil
}

// FlushCache drops all cached leaves.
func (cm *CertManager) FlushCache() {
	cm.mu.Lock()
	cm.cache = make(map[string]*cacheEntry)
	cm.mu.Unlock()
	if cm.Metrics != nil {
		cm.Metrics.SetCertCacheSize(0)
	}
}

// CacheSize returns the number of cached leaves.
func (cm *CertManager) CacheSize() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.cache)
}

// CacheStats returns cumulative cache hit and miss counts.
func (cm *CertManager) CacheStats() (hits, misses int64) {
	return cm.hits.Load(), cm.misses.Load()
}

// GenerateCA generates a new CA certificate and private key.
// Returns PEM-encoded certificate and key.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})

	return certPEM, keyPEM, nil
}
