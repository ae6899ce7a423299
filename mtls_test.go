package warden

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"testing"
)

func testClientCA(t *testing.T) (*x509.Certificate, []byte, []byte) {
	t.Helper()
	certPEM, keyPEM, err := GenerateCA("Client CA", 1)
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(certPEM)
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	return caCert, certPEM, keyPEM
}

func TestNewClientAuthFromPEM(t *testing.T) {
	_, certPEM, _ := testClientCA(t)

	ca, err := NewClientAuthFromPEM(certPEM)
	if err != nil {
		t.Fatal(err)
	}
	if ca.Policy() != tls.RequireAndVerifyClientCert {
		t.Errorf("default policy = %v, want RequireAndVerifyClientCert", ca.Policy())
	}
	if !ca.IdentityFromCert {
		t.Error("IdentityFromCert should default to true")
	}
}

func TestNewClientAuthFromPEM_Invalid(t *testing.T) {
	if _, err := NewClientAuthFromPEM([]byte("not a certificate")); err == nil {
		t.Error("garbage PEM should be rejected")
	}
}

func TestClientAuth_SetPolicy(t *testing.T) {
	ca := NewClientAuth(x509.NewCertPool())
	ca.SetPolicy(tls.VerifyClientCertIfGiven)
	if ca.Policy() != tls.VerifyClientCertIfGiven {
		t.Error("policy not updated")
	}
	if ca.TLSConfig().ClientAuth != tls.VerifyClientCertIfGiven {
		t.Error("TLSConfig does not reflect policy")
	}
}

func TestClientAuth_AddCAPEM(t *testing.T) {
	ca := NewClientAuth(x509.NewCertPool())
	_, certPEM, _ := testClientCA(t)

	if err := ca.AddCAPEM(certPEM); err != nil {
		t.Fatal(err)
	}
	if err := ca.AddCAPEM([]byte("junk")); err == nil {
		t.Error("junk PEM should be rejected")
	}
}

func TestGenerateClientCert(t *testing.T) {
	caCert, _, caKeyPEM := testClientCA(t)

	certPEM, keyPEM, err := GenerateClientCert(caCert, caKeyPEM, "ci-runner", []string{"build"}, 1)
	if err != nil {
		t.Fatalf("GenerateClientCert failed: %v", err)
	}

	// The pair loads as a usable TLS certificate.
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		t.Fatalf("key pair does not load: %v", err)
	}

	block, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if cert.Subject.CommonName != "ci-runner" {
		t.Errorf("CN = %q, want ci-runner", cert.Subject.CommonName)
	}
	if len(cert.Subject.Organization) != 1 || cert.Subject.Organization[0] != "build" {
		t.Errorf("orgs = %v, want [build]", cert.Subject.Organization)
	}

	hasClientAuth := false
	for _, ku := range cert.ExtKeyUsage {
		if ku == x509.ExtKeyUsageClientAuth {
			hasClientAuth = true
		}
	}
	if !hasClientAuth {
		t.Error("certificate missing client auth key usage")
	}
}

func TestClientAuth_VerifyPeerCertificate(t *testing.T) {
	caCert, certPEM, caKeyPEM := testClientCA(t)

	ca, err := NewClientAuthFromPEM(certPEM)
	if err != nil {
		t.Fatal(err)
	}

	clientPEM, _, err := GenerateClientCert(caCert, caKeyPEM, "ci-runner", nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(clientPEM)

	if err := ca.VerifyPeerCertificate([][]byte{block.Bytes}, nil); err != nil {
		t.Errorf("certificate from trusted CA should verify: %v", err)
	}

	if err := ca.VerifyPeerCertificate(nil, nil); err == nil {
		t.Error("missing certificate should fail verification")
	}

	// A certificate from an unrelated CA must be rejected.
	otherCA, _, otherKeyPEM := testClientCA(t)
	otherPEM, _, err := GenerateClientCert(otherCA, otherKeyPEM, "intruder", nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	otherBlock, _ := pem.Decode(otherPEM)
	if err := ca.VerifyPeerCertificate([][]byte{otherBlock.Bytes}, nil); err == nil {
		t.Error("certificate from untrusted CA should fail verification")
	}
}

func TestGenerateClientCert_BadKey(t *testing.T) {
	caCert, _, _ := testClientCA(t)
	if _, _, err := GenerateClientCert(caCert, []byte("not a key"), "x", nil, 1); err == nil {
		t.Error("unparseable CA key should fail")
	}
}
