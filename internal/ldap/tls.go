package ldap

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// buildTLSConfig returns the TLS configuration used for LDAPS and StartTLS.
// Extra CA certificates are added to the system pool and the client key
// pair is loaded on top of cfg.TLSConfig.
func buildTLSConfig(cfg *ConnectionConfig, serverName string) (*tls.Config, error) {
	var tlsConfig *tls.Config
	if cfg.TLSConfig != nil {
		tlsConfig = cfg.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = serverName
	}

	if cfg.TLSCACertFile != "" || cfg.TLSCACert != "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}

		if cfg.TLSCACertFile != "" {
			pem, err := os.ReadFile(cfg.TLSCACertFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCACertFile)
			}
		}

		if cfg.TLSCACert != "" && !pool.AppendCertsFromPEM([]byte(cfg.TLSCACert)) {
			return nil, errors.New("no certificates found in CA certificate content")
		}

		tlsConfig.RootCAs = pool
	}

	switch {
	case cfg.TLSClientCertFile != "" && cfg.TLSClientKeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.TLSClientCertFile, cfg.TLSClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case cfg.TLSClientCertFile != "" || cfg.TLSClientKeyFile != "":
		return nil, errors.New("client certificate and key must be provided together")
	}

	return tlsConfig, nil
}
