// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls builds the server side configuration of the mutually
// authenticated MQTT listener.
package tls

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
)

var (
	errLoadChain    = errors.New("failed to load certificate chain")
	errLoadKey      = errors.New("failed to load private key")
	errLoadClientCA = errors.New("failed to load client CA")
	errEmptyChain   = errors.New("no certificate found in chain file")
	errNotPKCS8     = errors.New("private key is not a PKCS8 PEM block")
	errKeyMismatch  = errors.New("private key does not match the leaf certificate")
	errAppendCA     = errors.New("no certificate found in trust store file")
	errTLSdetails   = errors.New("failed to get TLS details of connection")
)

// Config names the TLS material files.
type Config struct {
	// CertFile is a PEM chain with the leaf certificate first.
	CertFile string `yaml:"cert_file"`
	// KeyFile is a PKCS8 PEM private key.
	KeyFile string `yaml:"key_file"`
	// ClientCAFile is the trust store for client certificates. When empty the
	// certificates of CertFile are trusted.
	ClientCAFile string `yaml:"ca_file"`
}

// Load returns a TLS 1.2+ server configuration requiring and verifying
// client certificates.
func Load(c Config) (*tls.Config, error) {
	chainPEM, err := os.ReadFile(c.CertFile)
	if err != nil {
		return nil, errors.Join(errLoadChain, err)
	}
	keyPEM, err := os.ReadFile(c.KeyFile)
	if err != nil {
		return nil, errors.Join(errLoadKey, err)
	}

	cert, err := keyPair(chainPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	trustPEM := chainPEM
	if c.ClientCAFile != "" {
		if trustPEM, err = os.ReadFile(c.ClientCAFile); err != nil {
			return nil, errors.Join(errLoadClientCA, err)
		}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(trustPEM) {
		return nil, errAppendCA
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

// keyPair assembles a certificate from every CERTIFICATE block of chainPEM
// and the single PKCS8 key of keyPEM.
func keyPair(chainPEM, keyPEM []byte) (tls.Certificate, error) {
	var cert tls.Certificate
	for rest := chainPEM; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			cert.Certificate = append(cert.Certificate, block.Bytes)
		}
	}
	if len(cert.Certificate) == 0 {
		return tls.Certificate{}, errEmptyChain
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, errors.Join(errLoadChain, err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return tls.Certificate{}, errNotPKCS8
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return tls.Certificate{}, errors.Join(errLoadKey, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok || !publicKeyEqual(signer.Public(), leaf.PublicKey) {
		return tls.Certificate{}, errKeyMismatch
	}

	cert.PrivateKey = key
	cert.Leaf = leaf
	return cert, nil
}

func publicKeyEqual(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}

// ClientCert returns the verified client certificate of a TLS connection,
// completing the handshake first if needed. Plain connections yield nil.
func ClientCert(conn net.Conn) (*x509.Certificate, error) {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return nil, nil
	}
	if err := tc.Handshake(); err != nil {
		return nil, err
	}
	state := tc.ConnectionState()
	if state.Version == 0 {
		return nil, errTLSdetails
	}
	if len(state.PeerCertificates) == 0 {
		return nil, nil
	}
	return state.PeerCertificates[0], nil
}

// SecurityStatus describes cfg for startup logs.
func SecurityStatus(cfg *tls.Config) string {
	if cfg == nil {
		return "no TLS"
	}
	ret := "TLS"
	if len(cfg.Certificates) == 0 {
		ret = "no server certificates"
	}
	if cfg.ClientCAs != nil {
		ret += " and " + cfg.ClientAuth.String()
	}
	return ret
}

// Describe returns a short description of the leaf of cfg for logs.
func Describe(cfg *tls.Config) string {
	if cfg == nil || len(cfg.Certificates) == 0 || cfg.Certificates[0].Leaf == nil {
		return ""
	}
	leaf := cfg.Certificates[0].Leaf
	return fmt.Sprintf("%s (expires %s)", leaf.Subject.CommonName, leaf.NotAfter.Format("2006-01-02"))
}
