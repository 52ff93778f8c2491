// Package connector dials downstream endpoints: plain TCP or TLS,
// bounded by a connect deadline, classifying every failure into the
// Refused|Unreachable|Timeout|TlsHandshake|TlsVerify taxonomy the
// Balancer uses to decide retry and cooldown.
package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/bassosimone/errclass"

	"github.com/olla-mesh/streamrouter/internal/domain"
	"github.com/olla-mesh/streamrouter/internal/logger"
)

// TLSOptions configures the outbound TLS handshake for one destination
// prefix: the ServerName for SNI/verification, trust anchors and,
// optionally, a client certificate for mTLS.
type TLSOptions struct {
	ServerName string
	RootCAs    *tls.CertPool
	Certs      []tls.Certificate
}

// Connector dials one EndpointKey at a time. It holds no per-endpoint
// state — the Balancer owns retry and cooldown policy.
type Connector struct {
	dialer *net.Dialer
	log    *logger.StyledLogger
}

func New(log *logger.StyledLogger) *Connector {
	return &Connector{
		dialer: &net.Dialer{},
		log:    log,
	}
}

// Dial connects to key, optionally upgrading to TLS when tlsOpts is
// non-nil. deadline bounds both the TCP connect and, if requested, the
// TLS handshake — whichever remains of it at handshake time.
func (c *Connector) Dial(ctx context.Context, key domain.EndpointKey, deadline time.Time, tlsOpts *TLSOptions) (net.Conn, error) {
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	t0 := time.Now()
	addr := key.String()

	conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		cerr := classifyConnect(key, err)
		c.log.Debug("connect failed", "endpoint", addr, "kind", cerr.Kind.String(), "elapsed", time.Since(t0))
		return nil, cerr
	}

	if tlsOpts == nil {
		c.log.Debug("connect ok", "endpoint", addr, "elapsed", time.Since(t0))
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:   tlsOpts.ServerName,
		RootCAs:      tlsOpts.RootCAs,
		Certificates: tlsOpts.Certs,
		MinVersion:   tls.VersionTLS12,
	})

	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		_ = conn.Close()
		kind := domain.ConnectTLSHandshake
		if isVerifyError(err) {
			kind = domain.ConnectTLSVerify
		}
		c.log.Debug("tls handshake failed", "endpoint", addr, "verify", kind == domain.ConnectTLSVerify)
		return nil, &domain.TLSError{Endpoint: key, Verify: kind == domain.ConnectTLSVerify, Err: err}
	}

	c.log.Debug("connect+tls ok", "endpoint", addr, "elapsed", time.Since(t0))
	return tlsConn, nil
}

func isVerifyError(err error) bool {
	var ce *tls.CertificateVerificationError
	return errors.As(err, &ce)
}

// classifyConnect maps a dial error onto the Connector's typed failure
// kinds using errclass's syscall-level classification, falling back on
// context deadline detection for cases errclass leaves generic.
func classifyConnect(key domain.EndpointKey, err error) *domain.ConnectError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.ConnectError{Endpoint: key, Kind: domain.ConnectTimeout, Err: err}
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &domain.ConnectError{Endpoint: key, Kind: domain.ConnectTimeout, Err: err}
	}

	switch errclass.New(err) {
	case errclass.ECONNREFUSED:
		return &domain.ConnectError{Endpoint: key, Kind: domain.ConnectRefused, Err: err}
	case errclass.ETIMEDOUT:
		return &domain.ConnectError{Endpoint: key, Kind: domain.ConnectTimeout, Err: err}
	case errclass.EHOSTUNREACH, errclass.ENETUNREACH, errclass.ENETDOWN:
		return &domain.ConnectError{Endpoint: key, Kind: domain.ConnectUnreachable, Err: err}
	default:
		if errors.Is(err, syscall.ECONNREFUSED) {
			return &domain.ConnectError{Endpoint: key, Kind: domain.ConnectRefused, Err: err}
		}
		return &domain.ConnectError{Endpoint: key, Kind: domain.ConnectUnreachable, Err: err}
	}
}
