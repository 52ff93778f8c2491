// Package binder caches Balancer instances by destination name,
// lazily creating and reference-counting them, with negative caching
// for names the discovery oracle reports as absent.
package binder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/olla-mesh/streamrouter/internal/balancer"
	"github.com/olla-mesh/streamrouter/internal/config"
	"github.com/olla-mesh/streamrouter/internal/connector"
	"github.com/olla-mesh/streamrouter/internal/domain"
	"github.com/olla-mesh/streamrouter/internal/logger"
	"github.com/olla-mesh/streamrouter/internal/metrics"
	"github.com/olla-mesh/streamrouter/internal/resolver"
)

const defaultSweepPeriod = 30 * time.Second

// entry is one cached name → Balancer binding. refcount counts
// outstanding Gets not yet Released (one per in-flight connection); the
// resolver subscription is not counted. An entry with refcount 0 keeps
// its live Balancer until the sweep finds it idle past cacheIdleSecs.
type entry struct {
	mu       sync.Mutex
	balancer *balancer.Balancer
	resolver *resolver.Resolver
	refcount int
	lastUsed time.Time
}

// negEntry records a NotFound result with its expiry.
type negEntry struct {
	expiresAt time.Time
}

// Binder owns every Balancer for one router configuration, keyed by
// destination name.
type Binder struct {
	router         string
	cfg            config.BinderConfig
	resolverCfg    config.InterpreterConfig
	resolverClient *resolver.Client
	connector      *connector.Connector
	clientCfg      config.ClientConfig
	balancerCfg    config.BalancerConfig
	metrics        *metrics.Registry
	log            *logger.StyledLogger
	sweepPeriod    time.Duration

	entries  *xsync.Map[string, *entry]
	negative *xsync.Map[string, negEntry]

	ctx    context.Context
	cancel context.CancelFunc

	sweepDone chan struct{}
}

func New(ctx context.Context, router string, cfg config.BinderConfig, resolverClient *resolver.Client, resolverCfg config.InterpreterConfig, conn *connector.Connector, clientCfg config.ClientConfig, balancerCfg config.BalancerConfig, reg *metrics.Registry, log *logger.StyledLogger) *Binder {
	bctx, cancel := context.WithCancel(ctx)
	b := &Binder{
		router:         router,
		cfg:            cfg,
		resolverCfg:    resolverCfg,
		resolverClient: resolverClient,
		connector:      conn,
		clientCfg:      clientCfg,
		balancerCfg:    balancerCfg,
		metrics:        reg,
		log:            log,
		sweepPeriod:    defaultSweepPeriod,
		entries:        xsync.NewMap[string, *entry](),
		negative:       xsync.NewMap[string, negEntry](),
		ctx:            bctx,
		cancel:         cancel,
		sweepDone:      make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Get returns the Balancer bound to name, creating it (and its Resolver
// subscription) on first use. Callers must pair every Get with a
// Release. A name cached as NotFound within its negative TTL fails
// fast without touching the discovery oracle.
func (b *Binder) Get(name string) (*balancer.Balancer, error) {
	if neg, ok := b.negative.Load(name); ok {
		if time.Now().Before(neg.expiresAt) {
			return nil, domain.ErrNameNotFound
		}
		b.negative.Delete(name)
	}

	e, _ := b.entries.LoadOrStore(name, &entry{lastUsed: time.Now()})

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.balancer == nil {
		tlsOpts, err := connector.BuildTLSOptions(matchClientPrefix(b.clientCfg, name).TLS)
		if err != nil {
			return nil, fmt.Errorf("destination %q: %w", name, err)
		}
		res := resolver.New(b.router, name, b.resolverClient, b.resolverPeriod(), b.log, b.metrics)
		bal := balancer.New(b.router, name, b.balancerCfg, b.connector, tlsOpts, b.metrics, b.log)
		res.Start(b.ctx)
		bal.Start(b.ctx, res)
		e.balancer = bal
		e.resolver = res
	}
	e.refcount++
	e.lastUsed = time.Now()
	return e.balancer, nil
}

// matchClientPrefix returns the longest configured prefix matching
// name, or the zero value (plain TCP, default dial settings) when
// nothing matches.
func matchClientPrefix(cfg config.ClientConfig, name string) config.ClientPrefixConfig {
	var best config.ClientPrefixConfig
	bestLen := -1
	for _, c := range cfg.Configs {
		if strings.HasPrefix(name, c.Prefix) && len(c.Prefix) > bestLen {
			best = c
			bestLen = len(c.Prefix)
		}
	}
	return best
}

func (b *Binder) resolverPeriod() time.Duration {
	if b.resolverCfg.PeriodSecs == 0 {
		return 30 * time.Second
	}
	return time.Duration(b.resolverCfg.PeriodSecs) * time.Second
}

// Release decrements name's refcount. When it reaches zero the entry
// becomes eligible for idle eviction by the sweep loop, not evicted
// immediately — a fast Get/Release cycle shouldn't thrash the Resolver.
func (b *Binder) Release(name string) {
	e, ok := b.entries.Load(name)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.refcount > 0 {
		e.refcount--
	}
	e.lastUsed = time.Now()
	e.mu.Unlock()
}

// RecordNotFound caches name negatively for the configured TTL, for a
// caller that has observed the destination does not exist.
func (b *Binder) RecordNotFound(name string) {
	b.negative.Store(name, negEntry{expiresAt: time.Now().Add(b.cfg.NegTTL())})
}

// Shutdown cancels every Resolver subscription and waits for the sweep
// loop to exit.
func (b *Binder) Shutdown() {
	b.cancel()
	b.entries.Range(func(name string, e *entry) bool {
		e.mu.Lock()
		if e.balancer != nil {
			e.balancer.Stop()
			e.resolver.Stop()
		}
		e.mu.Unlock()
		return true
	})
	<-b.sweepDone
}

// EntryCount reports the number of cached names, for tests and admin
// introspection.
func (b *Binder) EntryCount() int {
	n := 0
	b.entries.Range(func(string, *entry) bool {
		n++
		return true
	})
	return n
}

func (b *Binder) sweepLoop() {
	defer close(b.sweepDone)
	ticker := time.NewTicker(b.sweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.sweepIdle()
		}
	}
}

func (b *Binder) sweepIdle() {
	cutoff := time.Now().Add(-b.cfg.CacheIdle())

	var toEvict []string
	b.entries.Range(func(name string, e *entry) bool {
		e.mu.Lock()
		if e.refcount == 0 && e.balancer != nil && e.lastUsed.Before(cutoff) {
			toEvict = append(toEvict, name)
		}
		e.mu.Unlock()
		return true
	})

	for _, name := range toEvict {
		e, ok := b.entries.Load(name)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.refcount == 0 && e.balancer != nil {
			e.balancer.Stop()
			e.resolver.Stop()
			e.balancer = nil
			e.resolver = nil
			e.mu.Unlock()
			b.entries.Delete(name)
			continue
		}
		e.mu.Unlock()
	}
}
