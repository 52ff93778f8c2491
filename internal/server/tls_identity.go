// Package server implements the inbound Acceptor: binding listeners,
// applying TCP options, terminating TLS with SNI-keyed identities, and
// constructing Envelopes for the Router.
package server

import (
	"crypto/tls"
	"fmt"
	"os"

	"github.com/olla-mesh/streamrouter/internal/config"
)

// loadIdentity turns one configured identity (key file + cert chain)
// into a tls.Certificate. This is the one config-file convenience call
// this package performs; everything downstream works with tls.Config.
func loadIdentity(id config.TLSIdentity) (tls.Certificate, error) {
	if id.PrivateKey == "" || len(id.Certs) == 0 {
		return tls.Certificate{}, fmt.Errorf("tls identity missing private key or certs")
	}
	var certPEM []byte
	for _, path := range id.Certs {
		data, err := os.ReadFile(path)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("read cert %q: %w", path, err)
		}
		certPEM = append(certPEM, data...)
	}
	keyPEM, err := os.ReadFile(id.PrivateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read private key %q: %w", id.PrivateKey, err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse keypair: %w", err)
	}
	return cert, nil
}

// buildServerTLSConfig resolves every configured identity up front and
// returns a tls.Config whose GetCertificate dispatches by ClientHello
// SNI, falling back to the default identity when no name matches.
func buildServerTLSConfig(cfg *config.TLSServerConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, nil
	}

	byName := make(map[string]*tls.Certificate, len(cfg.Identities))
	for name, id := range cfg.Identities {
		cert, err := loadIdentity(id)
		if err != nil {
			return nil, fmt.Errorf("identity %q: %w", name, err)
		}
		byName[name] = &cert
	}

	var def *tls.Certificate
	if len(cfg.DefaultIdentity.Certs) > 0 {
		cert, err := loadIdentity(cfg.DefaultIdentity)
		if err != nil {
			return nil, fmt.Errorf("default identity: %w", err)
		}
		def = &cert
	}

	if def == nil && len(byName) == 0 {
		return nil, fmt.Errorf("tls block configured with no default identity and no named identities")
	}

	return &tls.Config{
		NextProtos: cfg.ALPNProtocols,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName != "" {
				if cert, ok := byName[hello.ServerName]; ok {
					return cert, nil
				}
			}
			if def != nil {
				return def, nil
			}
			return nil, fmt.Errorf("no tls identity for server name %q", hello.ServerName)
		},
	}, nil
}
