// Package app wires every router's Binder, Router, and Acceptors plus
// the Admin HTTP surface into one orchestrated process, sequencing
// startup and shutdown through a services.ServiceManager.
package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/olla-mesh/streamrouter/internal/admin"
	"github.com/olla-mesh/streamrouter/internal/app/services"
	"github.com/olla-mesh/streamrouter/internal/binder"
	"github.com/olla-mesh/streamrouter/internal/config"
	"github.com/olla-mesh/streamrouter/internal/connector"
	"github.com/olla-mesh/streamrouter/internal/logger"
	"github.com/olla-mesh/streamrouter/internal/metrics"
	"github.com/olla-mesh/streamrouter/internal/resolver"
	"github.com/olla-mesh/streamrouter/internal/router"
	"github.com/olla-mesh/streamrouter/internal/server"
)

const defaultResolverTimeout = 5 * time.Second
const defaultDrainDeadline = 30 * time.Second

// Application composes one process's worth of routers: for each
// configured router, a Binder/Router pair and one Acceptor per server
// block, all started and stopped in dependency order by a
// services.ServiceManager. Admin is started and stopped alongside the
// manager but sits outside its dependency graph, since it must remain
// reachable for the whole drain window to serve /metrics.
type Application struct {
	cfg          *config.Config
	log          *logger.StyledLogger
	metrics      *metrics.Registry
	sm           *services.ServiceManager
	drainDeadline time.Duration
}

// New builds every router's components from cfg, wiring them
// concurrently since each router's setup is independent I/O (TLS
// identity file loads, mostly) with nothing to share. A server that
// fails to construct its TLS identity fails New outright — this is the
// "configuration error" exit path, not a runtime one.
func New(cfg *config.Config, log *logger.StyledLogger) (*Application, error) {
	reg := metrics.New()
	sm := services.NewServiceManager(*log)

	a := &Application{
		cfg:           cfg,
		log:           log,
		metrics:       reg,
		sm:            sm,
		drainDeadline: defaultDrainDeadline,
	}

	eg, _ := errgroup.WithContext(context.Background())
	for _, rc := range cfg.Routers {
		eg.Go(func() error {
			if err := a.wireRouter(rc); err != nil {
				return fmt.Errorf("router %q: %w", rc.Label, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Application) wireRouter(rc config.RouterConfig) error {
	timeout := defaultResolverTimeout
	client := resolver.NewClient(rc.Interpreter.BaseURL, rc.Interpreter.Namespace, timeout)
	conn := connector.New(a.log)

	b := binder.New(context.Background(), rc.Label, rc.Binder, client, rc.Interpreter,
		conn, rc.Client, rc.Balancer, a.metrics, a.log)
	rt := router.New(rc.Label, b, a.metrics, a.log)

	groupName := routerGroupName(rc.Label)
	if err := a.sm.Register(&routerGroupService{
		name:          groupName,
		binder:        b,
		router:        rt,
		drainDeadline: a.drainContext,
	}); err != nil {
		return err
	}

	for i, sc := range rc.Servers {
		acc, err := server.New(rc.Label, sc, rt, a.log)
		if err != nil {
			return fmt.Errorf("server[%d]: %w", i, err)
		}
		if err := a.sm.Register(newAcceptorService(acceptorName(rc.Label, i), acc, groupName)); err != nil {
			return err
		}
	}
	return nil
}

// drainContext returns a context bounded by the router's drain
// deadline; the timer itself releases the context's resources when it
// fires, so there is no cancel func for the caller to invoke.
func (a *Application) drainContext() context.Context {
	ctx, _ := context.WithTimeout(context.Background(), a.drainDeadline)
	return ctx
}

// Run starts every router and the Admin surface, blocks until ctx is
// cancelled (by a signal, by an admin /shutdown request, or by an
// admin /abort request), drains, and returns the process exit code per
// the CLI's exit-code contract: 0 on graceful shutdown, non-zero on
// bind failure or /abort.
func (a *Application) Run(ctx context.Context) int {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	abortCh := make(chan int, 1)
	onShutdown := func(context.Context) error {
		a.log.Info("graceful shutdown requested")
		cancel()
		return nil
	}
	onAbort := func(code int) {
		a.log.Warn("abort requested", "code", code)
		select {
		case abortCh <- code:
		default:
		}
		cancel()
	}

	adminSrv, err := admin.New(a.cfg.Admin, a.metrics, a.log, onShutdown, onAbort)
	if err != nil {
		a.log.Error("failed to build admin server", "error", err)
		return 1
	}

	if err := a.sm.Start(runCtx); err != nil {
		a.log.Error("failed to start routers", "error", err)
		return 1
	}

	if err := adminSrv.Start(runCtx); err != nil {
		a.log.Error("failed to start admin server", "error", err)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), a.drainDeadline)
		_ = a.sm.Stop(stopCtx)
		stopCancel()
		return 1
	}

	<-runCtx.Done()

	deadline := a.drainDeadline
	var abortCode int
	aborted := false
	select {
	case abortCode = <-abortCh:
		aborted = true
		deadline = 0 // /abort means immediate termination, not a graceful drain
	default:
	}

	a.log.Info("shutting down", "aborted", aborted, "deadline", deadline.String())
	stopCtx, stopCancel := context.WithTimeout(context.Background(), deadline)
	defer stopCancel()

	if err := adminSrv.Stop(stopCtx); err != nil {
		a.log.Error("admin shutdown error", "error", err)
	}
	if err := a.sm.Stop(stopCtx); err != nil {
		a.log.Error("router shutdown error", "error", err)
		if !aborted {
			return 1
		}
	}

	if aborted {
		return abortCode
	}
	return 0
}
