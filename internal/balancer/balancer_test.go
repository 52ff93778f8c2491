package balancer

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/olla-mesh/streamrouter/internal/config"
	"github.com/olla-mesh/streamrouter/internal/connector"
	"github.com/olla-mesh/streamrouter/internal/domain"
	"github.com/olla-mesh/streamrouter/internal/logger"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func listenLoopback(t *testing.T) (net.Listener, domain.EndpointKey) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln, domain.EndpointKey{IP: "127.0.0.1", Port: uint16(addr.Port)}
}

func newTestBalancer() *Balancer {
	return New("router-a", "/svc/a", config.BalancerConfig{}, connector.New(testLogger()), nil, nil, testLogger())
}

func TestSelectAndConnect_NoEndpoints(t *testing.T) {
	b := newTestBalancer()
	_, _, err := b.SelectAndConnect(context.Background(), time.Now().Add(time.Second))
	require.ErrorIs(t, err, domain.ErrNoEndpoints)
}

func TestSelectAndConnect_SingleEndpoint(t *testing.T) {
	ln, key := listenLoopback(t)
	defer ln.Close()

	b := newTestBalancer()
	b.applyUpdate(domain.ResolutionState{Kind: domain.Resolved, Set: domain.AddressSet{
		Addrs: []domain.WeightedAddr{{Key: key, Weight: 1}},
	}})

	conn, gotKey, err := b.SelectAndConnect(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, key, gotKey)
	conn.Close()

	snap := b.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, domain.StateActive, snap[0].State)
}

func TestSelectAndConnect_OverloadedRejectsNewConnections(t *testing.T) {
	ln, key := listenLoopback(t)
	defer ln.Close()

	cfg := config.BalancerConfig{MaxConnections: 1}
	b := New("router-a", "/svc/a", cfg, connector.New(testLogger()), nil, nil, testLogger())
	b.applyUpdate(domain.ResolutionState{Kind: domain.Resolved, Set: domain.AddressSet{
		Addrs: []domain.WeightedAddr{{Key: key, Weight: 1}},
	}})

	conn, _, err := b.SelectAndConnect(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = b.SelectAndConnect(context.Background(), time.Now().Add(time.Second))
	require.ErrorIs(t, err, domain.ErrOverloaded)
}

func TestSelectAndConnect_RetriesOnRefused(t *testing.T) {
	// Bind then close: guaranteed-refused endpoint.
	closedLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	refusedAddr := closedLn.Addr().(*net.TCPAddr)
	require.NoError(t, closedLn.Close())
	refusedKey := domain.EndpointKey{IP: "127.0.0.1", Port: uint16(refusedAddr.Port)}

	goodLn, goodKey := listenLoopback(t)
	defer goodLn.Close()

	b := newTestBalancer()
	b.applyUpdate(domain.ResolutionState{Kind: domain.Resolved, Set: domain.AddressSet{
		Addrs: []domain.WeightedAddr{
			{Key: refusedKey, Weight: 1},
			{Key: goodKey, Weight: 1},
		},
	}})

	// Force every selection to pick refusedKey first by weighting it
	// hugely... instead, run enough attempts that P2C eventually tries
	// refusedKey and retries onto goodKey within the default budget of 1.
	var sawGood bool
	for i := 0; i < 20; i++ {
		conn, key, err := b.SelectAndConnect(context.Background(), time.Now().Add(time.Second))
		if err == nil {
			conn.Close()
			if key == goodKey {
				sawGood = true
			}
		}
	}
	require.True(t, sawGood)
}

func TestApplyUpdate_RetiresRemovedEndpoint(t *testing.T) {
	b := newTestBalancer()
	key := domain.EndpointKey{IP: "10.0.0.1", Port: 80}

	b.applyUpdate(domain.ResolutionState{Kind: domain.Resolved, Set: domain.AddressSet{
		Addrs: []domain.WeightedAddr{{Key: key, Weight: 1}},
	}})
	require.Len(t, b.Snapshot(), 1)

	b.applyUpdate(domain.ResolutionState{Kind: domain.Resolved, Set: domain.AddressSet{}})
	require.Len(t, b.Snapshot(), 0)
}

func TestApplyUpdate_NotFoundFailsFastOnEmptyTable(t *testing.T) {
	b := newTestBalancer()
	b.applyUpdate(domain.ResolutionState{Kind: domain.NotFound})

	_, _, err := b.SelectAndConnect(context.Background(), time.Now().Add(time.Second))
	require.Error(t, err)
	var rerr *domain.ResolverError
	require.ErrorAs(t, err, &rerr)
}

func TestPickP2C_PrefersLowerLoadScore(t *testing.T) {
	low := &domain.Endpoint{Key: domain.EndpointKey{IP: "a"}, Weight: 1, ActiveConns: 0}
	high := &domain.Endpoint{Key: domain.EndpointKey{IP: "b"}, Weight: 1, ActiveConns: 5}

	got := lessLoaded(low, high)
	require.Same(t, low, got)
}

func TestPickP2C_TieBreaksByPendingThenKey(t *testing.T) {
	a := &domain.Endpoint{Key: domain.EndpointKey{IP: "a"}, Weight: 1, PendingConns: 1}
	b := &domain.Endpoint{Key: domain.EndpointKey{IP: "b"}, Weight: 1, ActiveConns: 1, PendingConns: 0}
	require.Same(t, b, lessLoaded(a, b))

	c := &domain.Endpoint{Key: domain.EndpointKey{IP: "a"}, Weight: 1}
	d := &domain.Endpoint{Key: domain.EndpointKey{IP: "b"}, Weight: 1}
	require.Same(t, c, lessLoaded(c, d))
}

func TestApplyUpdate_IdempotentOnRepeatedAddressSet(t *testing.T) {
	b := newTestBalancer()
	set := domain.AddressSet{Addrs: []domain.WeightedAddr{
		{Key: domain.EndpointKey{IP: "10.0.0.1", Port: 80}, Weight: 1},
		{Key: domain.EndpointKey{IP: "10.0.0.2", Port: 80}, Weight: 2},
	}}

	b.applyUpdate(domain.ResolutionState{Kind: domain.Resolved, Set: set})
	before := b.Snapshot()

	b.applyUpdate(domain.ResolutionState{Kind: domain.Resolved, Set: set})
	after := b.Snapshot()

	require.ElementsMatch(t, before, after)
}

func TestSelectAndConnect_P2CDistributesProportionallyToWeight(t *testing.T) {
	lightLn, lightKey := listenLoopback(t)
	defer lightLn.Close()
	heavyLn, heavyKey := listenLoopback(t)
	defer heavyLn.Close()

	b := newTestBalancer()
	b.applyUpdate(domain.ResolutionState{Kind: domain.Resolved, Set: domain.AddressSet{
		Addrs: []domain.WeightedAddr{
			{Key: lightKey, Weight: 1},
			{Key: heavyKey, Weight: 3},
		},
	}})

	// Connections are kept open (not released) between selections, the
	// way a real mesh's concurrent streams would be: P2C only prefers
	// the heavier-weighted endpoint once load has accumulated enough to
	// make the two endpoints' (load/weight) scores diverge.
	const trials = 400
	var lightCount, heavyCount int
	conns := make([]net.Conn, 0, trials)
	for i := 0; i < trials; i++ {
		conn, key, err := b.SelectAndConnect(context.Background(), time.Now().Add(time.Second))
		require.NoError(t, err)
		conns = append(conns, conn)
		switch key {
		case lightKey:
			lightCount++
		case heavyKey:
			heavyCount++
		}
	}
	for _, c := range conns {
		c.Close()
	}

	require.Equal(t, trials, lightCount+heavyCount)
	ratio := float64(heavyCount) / float64(lightCount)
	require.InDeltaf(t, 3.0, ratio, 1.0,
		"expected roughly 3:1 split toward the heavier-weighted endpoint, got %d:%d", heavyCount, lightCount)
}

func TestConnectionClosed_ReturnsEndpointToIdle(t *testing.T) {
	ln, key := listenLoopback(t)
	defer ln.Close()

	b := newTestBalancer()
	b.applyUpdate(domain.ResolutionState{Kind: domain.Resolved, Set: domain.AddressSet{
		Addrs: []domain.WeightedAddr{{Key: key, Weight: 1}},
	}})

	conn, gotKey, err := b.SelectAndConnect(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	conn.Close()

	b.ConnectionClosed(gotKey)
	snap := b.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, domain.StateIdle, snap[0].State)
	require.Equal(t, int64(0), snap[0].ActiveConns)
}
