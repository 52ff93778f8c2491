package server

import (
	"context"
	"crypto/tls"
	"crypto/x509/pkix"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olla-mesh/streamrouter/internal/config"
	"github.com/olla-mesh/streamrouter/internal/domain"
	"github.com/olla-mesh/streamrouter/internal/logger"
)

// Dispatcher hands a completed Envelope off to the Router. Implemented
// by *router.Router; kept as an interface here so this package never
// imports router.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *domain.Envelope)
}

// Acceptor owns one listening endpoint: bind, accept loop, per-connection
// TCP/TLS setup, and Envelope construction.
type Acceptor struct {
	routerName string
	cfg        config.ServerConfig
	tlsConfig  *tls.Config
	dispatcher Dispatcher
	log        *logger.StyledLogger

	mu       sync.Mutex
	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// inFlight bounds the number of connections this Acceptor has handed
	// to the Router and not yet seen completed. Accept blocks on
	// acquiring a slot before every Accept call, so a saturated server
	// simply stops polling its listener; the OS backlog absorbs the rest.
	inFlight chan struct{}
}

// New builds an Acceptor for one server block of a router. TLS
// identities named in cfg.TLS are loaded immediately so a bad
// certificate file fails at startup, not on first handshake.
func New(routerName string, cfg config.ServerConfig, dispatcher Dispatcher, log *logger.StyledLogger) (*Acceptor, error) {
	tlsCfg, err := buildServerTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return &Acceptor{
		routerName: routerName,
		cfg:        cfg,
		tlsConfig:  tlsCfg,
		dispatcher: dispatcher,
		log:        log,
		stopCh:     make(chan struct{}),
		inFlight:   make(chan struct{}, cfg.MaxInFlightOrDefault()),
	}, nil
}

// Start binds the listener and begins accepting. A bind failure here
// is fatal to startup, per contract.
func (a *Acceptor) Start(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.IP, strconv.Itoa(int(a.cfg.Port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	a.log.Info("acceptor listening", "router", a.routerName, "addr", addr, "dst", a.cfg.DstName, "tls", a.tlsConfig != nil)

	a.wg.Add(1)
	go a.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and waits for in-flight handshakes to finish
// being dispatched (not for the connections themselves to close — those
// outlive the accept loop under the Router's care).
func (a *Acceptor) Stop() {
	close(a.stopCh)
	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	a.wg.Wait()
}

func (a *Acceptor) acceptLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case a.inFlight <- struct{}{}:
		case <-a.stopCh:
			return
		}

		conn, err := a.listener.Accept()
		if err != nil {
			<-a.inFlight
			select {
			case <-a.stopCh:
				return
			default:
			}
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("accept error", "router", a.routerName, "err", err)
			continue
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handleConn(ctx, conn)
		}()
	}
}

// releaseSlot frees the in-flight slot reserved before Accept for conn.
func (a *Acceptor) releaseSlot() {
	<-a.inFlight
}

func (a *Acceptor) handleConn(ctx context.Context, conn net.Conn) {
	applyTCPOptions(conn)

	var clientIdentity, sni, alpn string
	if a.tlsConfig != nil {
		tlsConn := tls.Server(conn, a.tlsConfig)
		hctx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout())
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			a.log.WarnWithEndpoint("tls handshake failed", conn.RemoteAddr().String(), "err", err)
			_ = conn.Close()
			a.releaseSlot()
			return
		}
		state := tlsConn.ConnectionState()
		sni = state.ServerName
		alpn = state.NegotiatedProtocol
		if len(state.PeerCertificates) > 0 {
			clientIdentity = subjectCN(state.PeerCertificates[0].Subject)
		}
		conn = tlsConn
	}

	dstName := a.cfg.DstName
	if dstName == "" && sni != "" {
		dstName = sni
	}

	now := time.Now()
	env := &domain.Envelope{
		ConnID:          uuid.NewString(),
		Source:          conn.RemoteAddr(),
		Conn:            conn,
		ClientIdentity:  clientIdentity,
		DstName:         dstName,
		NegotiatedSNI:   sni,
		NegotiatedALPN:  alpn,
		ConnectDeadline: now.Add(a.cfg.ConnectTimeout()),
		IdleTimeout:     a.cfg.IdleTimeout(),
		AcceptedAt:      now,
		RouterName:      a.routerName,
		Done:            a.releaseSlot,
	}
	if sd := a.cfg.StreamDeadline(); sd > 0 {
		env.StreamDeadline = now.Add(sd)
	}

	a.dispatcher.Dispatch(ctx, env)
}

func subjectCN(name pkix.Name) string {
	if name.CommonName != "" {
		return name.CommonName
	}
	return name.String()
}

func applyTCPOptions(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
}

