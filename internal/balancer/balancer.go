// Package balancer holds the per-destination-name endpoint table and
// implements P2C-of-least-loaded weighted selection over it, applying
// resolver updates and enforcing admission and retry policy.
package balancer

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/olla-mesh/streamrouter/internal/config"
	"github.com/olla-mesh/streamrouter/internal/connector"
	"github.com/olla-mesh/streamrouter/internal/domain"
	"github.com/olla-mesh/streamrouter/internal/logger"
	"github.com/olla-mesh/streamrouter/internal/metrics"
	"github.com/olla-mesh/streamrouter/internal/resolver"
	"github.com/olla-mesh/streamrouter/internal/util"
)

const (
	cooldownBase = 100 * time.Millisecond
	cooldownCap  = 10 * time.Second
)

// Balancer owns one destination name's endpoint table. All table
// mutation — resolver updates and connect-outcome bookkeeping — is
// serialised behind mu; Select only ever observes a consistent
// snapshot.
type Balancer struct {
	name   string
	router string

	cfg       config.BalancerConfig
	connector *connector.Connector
	tlsOpts   *connector.TLSOptions
	metrics   *metrics.Registry
	log       *logger.StyledLogger
	rng       *rand.Rand

	mu        sync.Mutex
	endpoints map[domain.EndpointKey]*domain.Endpoint
	lastErr   error

	resolverSub <-chan domain.ResolutionState
	unsubscribe func()
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New builds a Balancer that is not yet subscribed to any Resolver.
// Call Start to subscribe it and begin consuming resolver updates.
func New(router, name string, cfg config.BalancerConfig, conn *connector.Connector, tlsOpts *connector.TLSOptions, reg *metrics.Registry, log *logger.StyledLogger) *Balancer {
	return &Balancer{
		name:      name,
		router:    router,
		cfg:       cfg,
		connector: conn,
		tlsOpts:   tlsOpts,
		metrics:   reg,
		log:       log,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		endpoints: make(map[domain.EndpointKey]*domain.Endpoint),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to res and applies its updates until Stop is called.
func (b *Balancer) Start(ctx context.Context, res *resolver.Resolver) {
	ch, unsubscribe := res.Subscribe(ctx)
	b.resolverSub = ch
	b.unsubscribe = unsubscribe

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.stopCh:
				return
			case state, ok := <-ch:
				if !ok {
					return
				}
				b.applyUpdate(state)
			}
		}
	}()
}

// Stop tears down the resolver subscription and waits for the apply
// loop to exit.
func (b *Balancer) Stop() {
	close(b.stopCh)
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.wg.Wait()
}

// applyUpdate diffs state against the current table: new keys are
// inserted with zero load, kept keys have their weight refreshed,
// removed keys are zeroed (retirement happens lazily once load drains).
func (b *Balancer) applyUpdate(state domain.ResolutionState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch state.Kind {
	case domain.Resolved:
		b.lastErr = nil
		seen := make(map[domain.EndpointKey]struct{}, len(state.Set.Addrs))
		for _, addr := range state.Set.Addrs {
			seen[addr.Key] = struct{}{}
			ep, ok := b.endpoints[addr.Key]
			if !ok {
				ep = &domain.Endpoint{Key: addr.Key}
				b.endpoints[addr.Key] = ep
			}
			ep.Weight = addr.Weight
		}
		for key, ep := range b.endpoints {
			if _, ok := seen[key]; !ok {
				ep.Weight = 0
			}
		}
		b.retireLocked()
	case domain.Failed:
		b.lastErr = state.Err
	case domain.NotFound:
		b.lastErr = domain.ErrNameNotFound
	}
}

// retireLocked drops endpoints that are both weightless and idle. mu
// must be held.
func (b *Balancer) retireLocked() {
	for key, ep := range b.endpoints {
		if ep.Retireable() {
			delete(b.endpoints, key)
		}
	}
}

// SelectAndConnect runs admission control, P2C selection (with retry on
// retryable connect failures up to the configured budget), and dials
// the chosen endpoint. It returns the live connection and the endpoint
// key it connected to, or a typed error.
func (b *Balancer) SelectAndConnect(ctx context.Context, deadline time.Time) (net.Conn, domain.EndpointKey, error) {
	excluded := make(map[domain.EndpointKey]struct{})
	budget := b.cfg.RetryBudgetOrDefault()

	for attempt := uint32(0); ; attempt++ {
		key, err := b.admitAndSelect(excluded)
		if err != nil {
			return nil, domain.EndpointKey{}, err
		}

		start := time.Now()
		conn, err := b.connector.Dial(ctx, key, deadline, b.tlsOpts)
		elapsed := time.Since(start)

		if err == nil {
			b.recordConnectResult(key, true, metrics.ResultOK, elapsed)
			return conn, key, nil
		}

		b.recordConnectResult(key, false, resultLabelFor(err), elapsed)

		if !retryable(err) || attempt >= budget {
			return nil, domain.EndpointKey{}, err
		}
		excluded[key] = struct{}{}
	}
}

func retryable(err error) bool {
	var cerr *domain.ConnectError
	if errors.As(err, &cerr) {
		return cerr.Kind.Retryable()
	}
	return false
}

func resultLabelFor(err error) string {
	var cerr *domain.ConnectError
	if errors.As(err, &cerr) {
		switch cerr.Kind {
		case domain.ConnectRefused:
			return metrics.ResultRefused
		case domain.ConnectTimeout:
			return metrics.ResultTimeout
		}
	}
	var tlsErr *domain.TLSError
	if errors.As(err, &tlsErr) {
		return metrics.ResultTLSError
	}
	return metrics.ResultRefused
}

// admitAndSelect applies the admission cap, then picks one eligible
// endpoint (outside excluded) via P2C, marking it Pending on success.
func (b *Balancer) admitAndSelect(excluded map[domain.EndpointKey]struct{}) (domain.EndpointKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var totalLoad int64
	for _, ep := range b.endpoints {
		totalLoad += ep.ActiveConns + ep.PendingConns
	}
	if util.SafeUint64(totalLoad) >= uint64(b.cfg.MaxConnectionsOrDefault()) {
		return domain.EndpointKey{}, domain.ErrOverloaded
	}

	now := time.Now().UnixNano()
	eligible := make([]*domain.Endpoint, 0, len(b.endpoints))
	for key, ep := range b.endpoints {
		if _, skip := excluded[key]; skip {
			continue
		}
		if ep.Eligible(now) {
			eligible = append(eligible, ep)
		}
	}

	if len(eligible) == 0 {
		if b.lastErr != nil {
			return domain.EndpointKey{}, &domain.ResolverError{Name: b.name, Err: b.lastErr}
		}
		return domain.EndpointKey{}, domain.ErrNoEndpoints
	}

	chosen := pickP2C(eligible, b.rng)
	chosen.PendingConns++
	chosen.State = domain.StatePending
	return chosen.Key, nil
}

// pickP2C implements power-of-two-choices: draw two distinct candidates
// uniformly without replacement (or use the sole candidate) and return
// the one with the lower load score, ties broken by fewer pending
// connections, then by EndpointKey order.
func pickP2C(candidates []*domain.Endpoint, rng *rand.Rand) *domain.Endpoint {
	if len(candidates) == 1 {
		return candidates[0]
	}

	i := rng.Intn(len(candidates))
	j := rng.Intn(len(candidates) - 1)
	if j >= i {
		j++
	}

	a, bb := candidates[i], candidates[j]
	return lessLoaded(a, bb)
}

func lessLoaded(a, b *domain.Endpoint) *domain.Endpoint {
	sa, sb := a.LoadScore(), b.LoadScore()
	if sa != sb {
		if sa < sb {
			return a
		}
		return b
	}
	if a.PendingConns != b.PendingConns {
		if a.PendingConns < b.PendingConns {
			return a
		}
		return b
	}
	if a.Key.Less(b.Key) {
		return a
	}
	return b
}

// recordConnectResult transitions the endpoint's state machine after a
// connect attempt completes and records metrics.
func (b *Balancer) recordConnectResult(key domain.EndpointKey, success bool, resultLabel string, elapsed time.Duration) {
	b.mu.Lock()
	ep, ok := b.endpoints[key]
	if ok {
		ep.PendingConns--
		if ep.PendingConns < 0 {
			ep.PendingConns = 0
		}
		if success {
			ep.ActiveConns++
			ep.ConsecutiveFailures = 0
			ep.CooldownUntil = 0
			ep.State = domain.StateActive
		} else {
			ep.ConsecutiveFailures++
			backoff := util.CalculateExponentialBackoff(ep.ConsecutiveFailures, cooldownBase, cooldownCap, 0)
			ep.CooldownUntil = time.Now().Add(backoff).UnixNano()
			ep.State = domain.StateFailedCooldown
		}
		b.retireLocked()
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordConnect(b.router, key.String(), resultLabel)
		if success {
			b.metrics.ObserveConnectLatency(b.router, key.String(), float64(elapsed.Milliseconds()))
			b.metrics.ConnectionOpened(b.router, key.String())
		}
	}
}

// ConnectionClosed marks an endpoint's connection finished, returning it
// to Idle if it carries no more load.
func (b *Balancer) ConnectionClosed(key domain.EndpointKey) {
	b.mu.Lock()
	ep, ok := b.endpoints[key]
	if ok {
		ep.ActiveConns--
		if ep.ActiveConns < 0 {
			ep.ActiveConns = 0
		}
		if ep.ActiveConns == 0 && ep.PendingConns == 0 && ep.State == domain.StateActive {
			ep.State = domain.StateIdle
		}
		b.retireLocked()
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ConnectionClosed(b.router, key.String())
	}
}

// Snapshot returns a copy of the current endpoint table, for tests and
// admin introspection.
func (b *Balancer) Snapshot() []domain.Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		out = append(out, *ep)
	}
	return out
}
