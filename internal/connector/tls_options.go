package connector

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/olla-mesh/streamrouter/internal/config"
)

// BuildTLSOptions turns a client prefix's TLS config into the TLSOptions
// the Connector dials with: trust anchors loaded from the named PEM
// files, and an optional client identity for mTLS. Returns nil (plain
// TCP) when cfg is nil.
func BuildTLSOptions(cfg *config.TLSClientConfig) (*TLSOptions, error) {
	if cfg == nil {
		return nil, nil
	}

	opts := &TLSOptions{ServerName: cfg.DNSName}

	if len(cfg.TrustCerts) > 0 {
		pool := x509.NewCertPool()
		for _, path := range cfg.TrustCerts {
			pem, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read trust cert %q: %w", path, err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates parsed from %q", path)
			}
		}
		opts.RootCAs = pool
	}

	if cfg.ClientIdentity != nil {
		id := cfg.ClientIdentity
		if len(id.Certs) == 0 || id.PrivateKey == "" {
			return nil, fmt.Errorf("client identity missing private key or certs")
		}
		var certPEM []byte
		for _, path := range id.Certs {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read client cert %q: %w", path, err)
			}
			certPEM = append(certPEM, data...)
		}
		keyPEM, err := os.ReadFile(id.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("read client key %q: %w", id.PrivateKey, err)
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse client keypair: %w", err)
		}
		opts.Certs = []tls.Certificate{cert}
	}

	return opts, nil
}
