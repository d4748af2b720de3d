// Package helpers provides common test utilities for the load balancer
// tests.
package helpers

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// TestCertificate holds a self-signed server keypair written to disk.
type TestCertificate struct {
	CertPEM []byte
	KeyPEM  []byte

	CertFile string
	KeyFile  string

	// Pool contains the certificate for client-side verification.
	Pool *x509.CertPool
}

// GenerateTestCertificate generates a self-signed server certificate
// for 127.0.0.1 and writes the PEM files under dir.
func GenerateTestCertificate(dir string) (*TestCertificate, error) {
	certPEM, keyPEM, err := generateKeypair("lb-test")
	if err != nil {
		return nil, err
	}

	tc := &TestCertificate{
		CertPEM:  certPEM,
		KeyPEM:   keyPEM,
		CertFile: filepath.Join(dir, "server.crt"),
		KeyFile:  filepath.Join(dir, "server.key"),
		Pool:     x509.NewCertPool(),
	}

	if !tc.Pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("failed to build certificate pool")
	}

	if err := os.WriteFile(tc.CertFile, certPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(tc.KeyFile, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	return tc, nil
}

// Rotate generates a fresh keypair with a new common name and rewrites
// the files in place.
func (tc *TestCertificate) Rotate(commonName string) error {
	certPEM, keyPEM, err := generateKeypair(commonName)
	if err != nil {
		return err
	}

	tc.CertPEM = certPEM
	tc.KeyPEM = keyPEM
	tc.Pool = x509.NewCertPool()
	if !tc.Pool.AppendCertsFromPEM(certPEM) {
		return fmt.Errorf("failed to build certificate pool")
	}

	if err := os.WriteFile(tc.CertFile, certPEM, 0o600); err != nil {
		return fmt.Errorf("failed to rewrite certificate: %w", err)
	}
	return os.WriteFile(tc.KeyFile, keyPEM, 0o600)
}

func generateKeypair(commonName string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Test"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
