// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TLSTestCerts holds paths to generated test certificates.
type TLSTestCerts struct {
	CAFile string
	// ChainFile holds the server leaf followed by the CA.
	ChainFile      string
	ServerKeyFile  string // PKCS8
	ClientCertFile string
	ClientKeyFile  string
	// Foreign* is a client pair signed by an unrelated CA.
	ForeignCertFile string
	ForeignKeyFile  string
}

type issuer struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// GenerateTestCerts writes a CA, a server chain and two client certificates
// to a temporary directory removed when the test ends.
func GenerateTestCerts(t *testing.T) *TLSTestCerts {
	t.Helper()
	dir := t.TempDir()

	ca := newCA(t, "Test CA")
	foreignCA := newCA(t, "Foreign CA")

	serverDER, serverKey := issue(t, ca, &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{Organization: []string{"Test Gateway"}, CommonName: "localhost"},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	})
	clientDER, clientKey := issue(t, ca, &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{Organization: []string{"Test Devices"}, CommonName: "dev-1"},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	foreignDER, foreignKey := issue(t, foreignCA, &x509.Certificate{
		SerialNumber: big.NewInt(4),
		Subject:      pkix.Name{CommonName: "intruder"},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})

	certs := &TLSTestCerts{
		CAFile:          filepath.Join(dir, "ca.crt"),
		ChainFile:       filepath.Join(dir, "server.chain.crt"),
		ServerKeyFile:   filepath.Join(dir, "server.pkcs8.key"),
		ClientCertFile:  filepath.Join(dir, "client.crt"),
		ClientKeyFile:   filepath.Join(dir, "client.key"),
		ForeignCertFile: filepath.Join(dir, "foreign.crt"),
		ForeignKeyFile:  filepath.Join(dir, "foreign.key"),
	}
	writePEM(t, certs.CAFile, "CERTIFICATE", ca.cert.Raw)
	writePEM(t, certs.ChainFile, "CERTIFICATE", serverDER, ca.cert.Raw)
	writePEM(t, certs.ServerKeyFile, "PRIVATE KEY", pkcs8(t, serverKey))
	writePEM(t, certs.ClientCertFile, "CERTIFICATE", clientDER)
	writePEM(t, certs.ClientKeyFile, "PRIVATE KEY", pkcs8(t, clientKey))
	writePEM(t, certs.ForeignCertFile, "CERTIFICATE", foreignDER)
	writePEM(t, certs.ForeignKeyFile, "PRIVATE KEY", pkcs8(t, foreignKey))
	return certs
}

// ClientTLSConfig returns a client configuration trusting the test CA. An
// empty certFile connects without a client certificate.
func ClientTLSConfig(t *testing.T, certs *TLSTestCerts, certFile, keyFile string) *tls.Config {
	t.Helper()

	caPEM, err := os.ReadFile(certs.CAFile)
	if err != nil {
		t.Fatalf("Failed to read CA cert: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		t.Fatal("Failed to parse CA certificate")
	}

	cfg := &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		MinVersion: tls.VersionTLS12,
	}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			t.Fatalf("Failed to load client certificate: %v", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg
}

func newCA(t *testing.T, name string) issuer {
	t.Helper()
	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{name}, CommonName: name},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create CA certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse CA certificate: %v", err)
	}
	return issuer{cert: cert, key: key}
}

func issue(t *testing.T, ca issuer, tmpl *x509.Certificate) ([]byte, *ecdsa.PrivateKey) {
	t.Helper()
	key := newKey(t)
	tmpl.NotBefore = time.Now().Add(-time.Minute)
	tmpl.NotAfter = time.Now().Add(24 * time.Hour)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("Failed to create certificate %s: %v", tmpl.Subject.CommonName, err)
	}
	return der, key
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func pkcs8(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}
	return der
}

func writePEM(t *testing.T, path, typ string, blocks ...[]byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	for _, b := range blocks {
		if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: b}); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}
}
