// Package mtls builds TLS configurations for deployment connections and the
// agent API.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Client authentication modes for LoadServerTLSConfig
const (
	ClientAuthRequire = "require"
	ClientAuthRequest = "request"
	ClientAuthNone    = "none"
)

// LoadClientTLSConfig creates a TLS configuration for outbound connections.
// Every argument is optional; nil is returned when none is set so callers
// fall back to the system defaults.
func LoadClientTLSConfig(caCertPath, clientCertPath, clientKeyPath, serverName string) (*tls.Config, error) {
	if caCertPath == "" && clientCertPath == "" && serverName == "" {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}

	if caCertPath != "" {
		pool, err := loadCertPool(caCertPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if clientCertPath != "" {
		clientCert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{clientCert}
	}

	return cfg, nil
}

// LoadServerTLSConfig creates a TLS configuration for the agent API.
// clientAuth is one of ClientAuthRequire, ClientAuthRequest or ClientAuthNone.
func LoadServerTLSConfig(caCertPath, serverCertPath, serverKeyPath, clientAuth string) (*tls.Config, error) {
	pool, err := loadCertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	serverCert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	var mode tls.ClientAuthType
	switch clientAuth {
	case ClientAuthRequire, "":
		mode = tls.RequireAndVerifyClientCert
	case ClientAuthRequest:
		// Middleware decides which requests need a certificate
		mode = tls.VerifyClientCertIfGiven
	case ClientAuthNone:
		mode = tls.NoClientCert
	default:
		return nil, fmt.Errorf("unknown client auth mode %q", clientAuth)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    pool,
		ClientAuth:   mode,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}
	return pool, nil
}
