// Package admin serves the process-wide control surface: Prometheus
// metrics, graceful shutdown, immediate abort, and pprof profiling, all
// under one HTTP listener separate from the data-plane servers.
package admin

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/olla-mesh/streamrouter/internal/config"
	"github.com/olla-mesh/streamrouter/internal/logger"
	"github.com/olla-mesh/streamrouter/internal/metrics"
	"github.com/olla-mesh/streamrouter/internal/util"
	"github.com/olla-mesh/streamrouter/internal/version"
	"github.com/olla-mesh/streamrouter/pkg/container"
	"github.com/olla-mesh/streamrouter/pkg/nerdstats"
	"github.com/olla-mesh/streamrouter/pkg/profiler"
)

const defaultMetricsInterval = 10 * time.Second

// ShutdownFunc performs the application's graceful drain (stop
// accepting, let in-flight Duplex tasks finish, close Resolvers) and
// returns once drained or ctx expires.
type ShutdownFunc func(ctx context.Context) error

// Server is the Admin HTTP listener.
type Server struct {
	cfg          config.AdminConfig
	metrics      *metrics.Registry
	log          *logger.StyledLogger
	trustedCIDRs []*net.IPNet
	startedAt    time.Time

	onShutdown ShutdownFunc
	onAbort    func(code int)

	httpServer *http.Server
	registry   *routeRegistry

	mu        sync.Mutex
	draining  bool
	boundAddr string

	snapshotDone chan struct{}
}

// New builds the Admin server. onShutdown drains the rest of the
// application; onAbort terminates the process immediately (defaults to
// os.Exit when nil).
func New(cfg config.AdminConfig, reg *metrics.Registry, log *logger.StyledLogger, onShutdown ShutdownFunc, onAbort func(code int)) (*Server, error) {
	trusted, err := util.ParseTrustedCIDRs(cfg.TrustedCIDRs)
	if err != nil {
		return nil, err
	}
	if len(trusted) == 0 {
		_, loopback4, _ := net.ParseCIDR("127.0.0.0/8")
		_, loopback6, _ := net.ParseCIDR("::1/128")
		trusted = []*net.IPNet{loopback4, loopback6}
	}
	if onAbort == nil {
		onAbort = func(code int) { os.Exit(code) }
	}

	s := &Server{
		cfg:          cfg,
		metrics:      reg,
		log:          log,
		trustedCIDRs: trusted,
		startedAt:    time.Now(),
		onShutdown:   onShutdown,
		onAbort:      onAbort,
		snapshotDone: make(chan struct{}),
	}

	mux := http.NewServeMux()
	s.registry = newRouteRegistry(log)
	s.registry.register("/metrics", http.MethodGet, "Prometheus text exposition", s.handleMetrics)
	s.registry.register("/shutdown", http.MethodPost, "initiate graceful drain", s.guarded(s.handleShutdown))
	s.registry.register("/abort", http.MethodPost, "terminate immediately", s.guarded(s.handleAbort))
	s.registry.register("/version", http.MethodGet, "build version info", s.handleVersion)
	s.registry.wireUp(mux)
	profiler.Register(mux)

	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(cfg.IP, strconv.Itoa(int(cfg.Port))),
		Handler: mux,
	}
	return s, nil
}

// Start binds the Admin listener and begins the periodic metrics
// snapshot loop. Returns once bound; serving happens in a goroutine.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("admin listening", "addr", s.boundAddr)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin server error", "err", err)
		}
	}()

	if s.metrics != nil {
		s.metrics.RecordContainerised(container.IsContainerised())
		go s.snapshotLoop(ctx)
	} else {
		close(s.snapshotDone)
	}
	return nil
}

// Addr returns the listener's bound address, for callers that need the
// OS-assigned port (tests, or logging at startup).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop shuts down the HTTP listener and the snapshot loop.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	<-s.snapshotDone
	return err
}

func (s *Server) snapshotLoop(ctx context.Context) {
	defer close(s.snapshotDone)
	interval := defaultMetricsInterval
	if s.cfg.MetricsIntervalSecs > 0 {
		interval = time.Duration(s.cfg.MetricsIntervalSecs) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := nerdstats.Snapshot(s.startedAt)
			s.metrics.RecordProcessSnapshot(stats.HeapAlloc, uint64(stats.NumGoroutines), stats.Uptime.Seconds())
		}
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		w.WriteHeader(http.StatusConflict)
		return
	}
	s.draining = true
	s.mu.Unlock()

	s.log.Info("graceful shutdown requested", "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusAccepted)

	go func() {
		if s.onShutdown == nil {
			return
		}
		if err := s.onShutdown(context.Background()); err != nil {
			s.log.Error("graceful shutdown failed", "err", err)
		}
	}()
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.log.Warn("abort requested", "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusAccepted)
	go s.onAbort(1)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write([]byte(`{"version":"` + version.Version + `"}`))
}

// guarded rejects requests whose client IP is outside trustedCIDRs,
// before the handler runs.
func (s *Server) guarded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := util.GetClientIP(r, false, s.trustedCIDRs)
		parsed := net.ParseIP(ip)
		if parsed == nil || !cidrsContain(s.trustedCIDRs, parsed) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func cidrsContain(cidrs []*net.IPNet, ip net.IP) bool {
	for _, c := range cidrs {
		if c.Contains(ip) {
			return true
		}
	}
	return false
}

