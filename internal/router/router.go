// Package router dispatches accepted Envelopes: it resolves the
// destination name to a Balancer, selects and dials an endpoint, and
// hands the resulting pair to a Duplex task.
package router

import (
	"context"
	"errors"
	"sync"

	"github.com/olla-mesh/streamrouter/internal/binder"
	"github.com/olla-mesh/streamrouter/internal/domain"
	"github.com/olla-mesh/streamrouter/internal/duplex"
	"github.com/olla-mesh/streamrouter/internal/logger"
	"github.com/olla-mesh/streamrouter/internal/metrics"
)

// Router merges every Acceptor of one router configuration into a
// single dispatch point.
type Router struct {
	name    string
	binder  *binder.Binder
	metrics *metrics.Registry
	log     *logger.StyledLogger

	wg sync.WaitGroup
}

// New builds a Router over binder for the named router configuration.
func New(name string, b *binder.Binder, reg *metrics.Registry, log *logger.StyledLogger) *Router {
	return &Router{name: name, binder: b, metrics: reg, log: log}
}

// Dispatch resolves env.DstName, selects and connects an endpoint, and
// runs the Duplex to completion on its own goroutine. A bind or select
// error closes the inbound socket; Overloaded, NameNotFound and
// NoEndpoints rejections are counted in connects_total here, other bind
// errors are not. Dispatch itself never blocks the Acceptor's accept loop.
func (rt *Router) Dispatch(ctx context.Context, env *domain.Envelope) {
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		defer func() {
			if env.Done != nil {
				env.Done()
			}
		}()
		rt.run(ctx, env)
	}()
}

// Wait blocks until every in-flight Duplex task started by Dispatch has
// completed, for graceful shutdown.
func (rt *Router) Wait() {
	rt.wg.Wait()
}

// WaitContext blocks until every in-flight task completes or ctx expires,
// whichever comes first, returning ctx.Err() in the latter case so a
// drain deadline can cut a graceful shutdown short.
func (rt *Router) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *Router) run(ctx context.Context, env *domain.Envelope) {
	log := rt.log.WithConnID(env.ConnID)

	bal, err := rt.binder.Get(env.DstName)
	if err != nil {
		rt.rejectf(log, env, err, "bind")
		return
	}
	defer rt.binder.Release(env.DstName)

	deadline := env.ConnectDeadline
	upstream, key, err := bal.SelectAndConnect(ctx, deadline)
	if err != nil {
		if errors.Is(err, domain.ErrNameNotFound) {
			rt.binder.RecordNotFound(env.DstName)
		}
		rt.rejectf(log, env, err, "select")
		return
	}
	defer bal.ConnectionClosed(key)

	log.Info("stream opened", "dst", env.DstName, "endpoint", key.String())

	cfg := duplex.Config{
		StreamDeadline: env.StreamDeadline,
		IdleTimeout:    env.IdleTimeout,
	}
	if rt.metrics != nil {
		cfg.OnRx = func(n int) { rt.metrics.AddRxBytes(rt.name, key.String(), int64(n)) }
		cfg.OnTx = func(n int) { rt.metrics.AddTxBytes(rt.name, key.String(), int64(n)) }
	}

	result := duplex.Run(env.Conn, upstream, cfg)
	log.Info("stream closed", "dst", env.DstName, "endpoint", key.String(),
		"reason", result.Reason.String(), "rx", result.RxBytes, "tx", result.TxBytes,
		"duration_ms", result.Duration.Milliseconds())
}

func (rt *Router) rejectf(log *logger.StyledLogger, env *domain.Envelope, err error, stage string) {
	log.WarnWithEndpoint("dispatch rejected at "+stage, env.DstName, "err", err)
	if rt.metrics != nil {
		if label := rejectionResultLabel(err); label != "" {
			rt.metrics.RecordConnect(rt.name, "none", label)
		}
	}
	_ = env.Conn.Close()
}

// rejectionResultLabel classifies a pre-dial rejection for connects_total,
// the same family SelectAndConnect's own dial attempts report to. Errors
// that don't match one of the three admission-time causes (a binder
// config error, say) aren't counted here.
func rejectionResultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrOverloaded):
		return metrics.ResultOverload
	case errors.Is(err, domain.ErrNameNotFound):
		return metrics.ResultNameNotFound
	case errors.Is(err, domain.ErrNoEndpoints):
		return metrics.ResultNoEndpoints
	default:
		return ""
	}
}
