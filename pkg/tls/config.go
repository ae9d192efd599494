// Package tls builds the TLS configuration of the control API. The server
// side optionally verifies operator client certificates against a CA; the
// client side is used by the operator console.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	ErrIncompleteKeyPair = errors.New("certificate and key files must be set together")
	ErrClientCAMissing   = errors.New("client certificates required but no CA file configured")
)

// Config holds the TLS options of the control API.
type Config struct {
	CertFile string
	KeyFile  string
	// CAFile verifies client certificates when set.
	CAFile            string
	RequireClientCert bool

	// AutoGenerate creates an in-memory self-signed certificate when no
	// key pair is configured.
	AutoGenerate bool
	Hosts        []string
	ValidFor     time.Duration
}

// Enabled reports whether the API is served over TLS.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != "" || c.AutoGenerate
}

// ServerConfig returns the server TLS configuration, or nil when TLS is
// disabled.
func ServerConfig(cfg Config) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	var cert tls.Certificate
	var err error
	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
	case cfg.CertFile != "" || cfg.KeyFile != "":
		return nil, ErrIncompleteKeyPair
	default:
		cert, err = GenerateSelfSigned(cfg.Hosts, cfg.ValidFor)
		if err != nil {
			return nil, err
		}
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: SecureCipherSuites(),
		ClientAuth:   tls.NoClientCert,
	}

	if cfg.CAFile != "" {
		pool, err := LoadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	if cfg.RequireClientCert {
		if tlsConfig.ClientCAs == nil {
			return nil, ErrClientCAMissing
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}

// ClientConfig returns a client TLS configuration that trusts caFile (the
// system roots when empty) and presents the given key pair, if any.
func ClientConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if caFile != "" {
		pool, err := LoadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	switch {
	case certFile != "" && keyFile != "":
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case certFile != "" || keyFile != "":
		return nil, ErrIncompleteKeyPair
	}

	return tlsConfig, nil
}

// LoadCAPool loads a CA certificate pool from a PEM file.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", caFile)
	}
	return pool, nil
}

// SecureCipherSuites returns the TLS 1.2 suites offered. TLS 1.3 suites
// are not configurable and always enabled.
func SecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}
