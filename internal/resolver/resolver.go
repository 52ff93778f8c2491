// Package resolver polls a discovery oracle for one logical destination
// name and turns the responses into a coalesced, latest-wins stream of
// domain.ResolutionState transitions that a Balancer subscribes to.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olla-mesh/streamrouter/internal/domain"
	"github.com/olla-mesh/streamrouter/internal/logger"
	"github.com/olla-mesh/streamrouter/internal/metrics"
	"github.com/olla-mesh/streamrouter/internal/util"
	"github.com/olla-mesh/streamrouter/pkg/eventbus"
)

const (
	DefaultHTTPTimeout = 10 * time.Second
	MaxResponseSize    = 1 << 20 // 1MB, a resolve response is a short address list
)

// wireResponse mirrors the discovery oracle's bound-name payload:
// {"type":"bound","addrs":[{"ip":"...","port":1,"meta":{"weight":2.5}}]}.
type wireResponse struct {
	Type  string      `json:"type"`
	Addrs []wireAddr  `json:"addrs"`
}

type wireAddr struct {
	IP   string       `json:"ip"`
	Port uint16       `json:"port"`
	Meta *wireAddrMeta `json:"meta,omitempty"`
}

type wireAddrMeta struct {
	Weight *float64 `json:"weight,omitempty"`
}

// Client queries the discovery oracle over HTTP. Its surface is narrow
// enough that a Resolver can be unit tested against an httptest.Server
// without any further seams.
type Client struct {
	http      *http.Client
	baseURL   string
	namespace string
}

func NewClient(baseURL, namespace string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     60 * time.Second,
				MaxIdleConnsPerHost: 5,
			},
		},
		baseURL:   util.NormaliseBaseURL(baseURL),
		namespace: namespace,
	}
}

// ErrNotFound signals the oracle's 404 response for the queried name.
var ErrNotFound = fmt.Errorf("destination name not found")

// Resolve issues one discovery query for dstName and parses its result
// into an AddressSet, ErrNotFound, or a wrapping error for any other
// non-2xx status or transport/parse failure.
func (c *Client) Resolve(ctx context.Context, dstName string) (domain.AddressSet, error) {
	resolvePath := util.JoinURLPath("/api/1/resolve", url.PathEscape(c.namespace))
	u := fmt.Sprintf("%s?path=%s", util.JoinURLPath(c.baseURL, resolvePath), url.QueryEscape(dstName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.AddressSet{}, fmt.Errorf("build resolve request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.AddressSet{}, fmt.Errorf("resolve request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return domain.AddressSet{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return domain.AddressSet{}, fmt.Errorf("resolve %s: unexpected status %d", dstName, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return domain.AddressSet{}, fmt.Errorf("read resolve response: %w", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return domain.AddressSet{}, fmt.Errorf("parse resolve response: %w", err)
	}

	set := domain.AddressSet{Addrs: make([]domain.WeightedAddr, 0, len(wire.Addrs))}
	for _, a := range wire.Addrs {
		weight := 1.0
		if a.Meta != nil && a.Meta.Weight != nil {
			weight = *a.Meta.Weight
		}
		set.Addrs = append(set.Addrs, domain.WeightedAddr{
			Key:    domain.EndpointKey{IP: a.IP, Port: a.Port},
			Weight: weight,
		})
	}
	if err := set.Validate(); err != nil {
		return domain.AddressSet{}, fmt.Errorf("resolve %s: %w", dstName, err)
	}
	return set, nil
}

// Resolver polls Client.Resolve for one name on a fixed period and
// broadcasts coalesced ResolutionState transitions to every subscriber.
// It starts in Pending and keeps polling until Stop tears down the poll
// loop; the Resolver keeps no refcount of its own (the Binder calls Stop
// when it evicts the entry or shuts down).
type Resolver struct {
	name     string
	router   string
	client   *Client
	period   time.Duration
	log      *logger.StyledLogger
	metrics  *metrics.Registry

	bus *eventbus.EventBus[domain.ResolutionState]

	mu      sync.Mutex
	current domain.ResolutionState
	stamp   atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Resolver in the Pending state. It does not start polling
// until Start is called.
func New(router, name string, client *Client, period time.Duration, log *logger.StyledLogger, reg *metrics.Registry) *Resolver {
	return &Resolver{
		name:    name,
		router:  router,
		client:  client,
		period:  period,
		log:     log,
		metrics: reg,
		bus:     eventbus.New[domain.ResolutionState](),
		current: domain.ResolutionState{Kind: domain.Pending},
	}
}

// Start launches the poll loop. Calling Start twice is a no-op.
func (r *Resolver) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.pollLoop(loopCtx)
}

// Stop cancels the poll loop and waits for it to exit.
func (r *Resolver) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.bus.Shutdown()
}

// Subscribe returns a channel of ResolutionState transitions and a
// cleanup function. The subscriber immediately receives the resolver's
// latest state as its first delivered message, matching a fresh poll
// cycle's semantics for a subscriber that joins mid-stream.
func (r *Resolver) Subscribe(ctx context.Context) (<-chan domain.ResolutionState, func()) {
	ch, cleanup := r.bus.Subscribe(ctx)

	r.mu.Lock()
	snapshot := r.current
	r.mu.Unlock()

	out := make(chan domain.ResolutionState, 1)
	out <- snapshot
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, cleanup
}

// Latest returns the most recently emitted state without subscribing.
func (r *Resolver) Latest() domain.ResolutionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Resolver) pollLoop(ctx context.Context) {
	defer close(r.done)

	r.poll(ctx)

	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Resolver) poll(ctx context.Context) {
	next := r.query(ctx)
	next.Stamp = r.stamp.Add(1)

	r.mu.Lock()
	prev := r.current
	if prev.Equal(next) {
		r.mu.Unlock()
		return
	}
	r.current = next
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordResolverUpdate(r.router, resultLabel(next.Kind))
	}
	if r.log != nil {
		r.log.Debug("resolver update", "name", r.name, "kind", next.Kind.String(), "addrs", len(next.Set.Addrs))
	}

	r.bus.Publish(next)
}

func (r *Resolver) query(ctx context.Context) domain.ResolutionState {
	set, err := r.client.Resolve(ctx, r.name)
	switch {
	case err == nil:
		return domain.ResolutionState{Kind: domain.Resolved, Set: set}
	case isNotFound(err):
		return domain.ResolutionState{Kind: domain.NotFound}
	default:
		return domain.ResolutionState{Kind: domain.Failed, Err: err}
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func resultLabel(kind domain.ResolutionKind) string {
	switch kind {
	case domain.Resolved:
		return metrics.ResolverResolved
	case domain.NotFound:
		return metrics.ResolverNotFound
	default:
		return metrics.ResolverFailed
	}
}
