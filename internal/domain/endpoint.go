// Package domain holds the core entities of the stream router's data
// plane: endpoints, address sets, envelopes and the resolution states
// that flow between the Resolver and the Balancer.
package domain

import (
	"fmt"
	"net"
	"strconv"
)

// EndpointKey identifies one concrete downstream address. It has a total,
// stable order so endpoint tables can be diffed and tie-broken deterministically.
type EndpointKey struct {
	IP   string
	Port uint16
}

func (k EndpointKey) String() string {
	return net.JoinHostPort(k.IP, strconv.Itoa(int(k.Port)))
}

// Less gives EndpointKey a total order: by IP then by port.
func (k EndpointKey) Less(other EndpointKey) bool {
	if k.IP != other.IP {
		return k.IP < other.IP
	}
	return k.Port < other.Port
}

// WeightedAddr is one (EndpointKey, weight) pair as returned by the discovery oracle.
type WeightedAddr struct {
	Key    EndpointKey
	Weight float64
}

// AddressSet is an ordered, duplicate-free sequence of weighted endpoints.
// An empty AddressSet is valid and means "the name exists, but currently
// has no endpoints".
type AddressSet struct {
	Addrs []WeightedAddr
}

// Validate rejects duplicate keys and negative weights.
func (s AddressSet) Validate() error {
	seen := make(map[EndpointKey]struct{}, len(s.Addrs))
	for _, a := range s.Addrs {
		if _, dup := seen[a.Key]; dup {
			return fmt.Errorf("duplicate endpoint %s in address set", a.Key)
		}
		if a.Weight < 0 {
			return fmt.Errorf("negative weight for endpoint %s", a.Key)
		}
		seen[a.Key] = struct{}{}
	}
	return nil
}

// EndpointState is the lifecycle state of one Endpoint as seen by the Balancer.
type EndpointState int

const (
	StateIdle EndpointState = iota
	StatePending
	StateActive
	StateFailedCooldown
)

func (s EndpointState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateFailedCooldown:
		return "failed_cooldown"
	default:
		return "unknown"
	}
}

// Endpoint tracks one downstream address: its current weight, in-flight
// load, and connect health. All mutation happens on the Balancer's owning
// goroutine; readers elsewhere see only consistent snapshots.
type Endpoint struct {
	Key    EndpointKey
	Weight float64

	ActiveConns  int64
	PendingConns int64

	ConsecutiveFailures int
	CooldownUntil       int64 // UnixNano; zero means not in cooldown

	State EndpointState
}

// LoadScore is the P2C comparison value: (active+pending) / max(weight, eps).
const loadScoreEps = 1e-9

func (e *Endpoint) LoadScore() float64 {
	w := e.Weight
	if w < loadScoreEps {
		w = loadScoreEps
	}
	return float64(e.ActiveConns+e.PendingConns) / w
}

// Eligible reports whether the endpoint may be selected: positive weight
// and not presently in a connect-failure cooldown window.
func (e *Endpoint) Eligible(nowNano int64) bool {
	if e.Weight <= 0 {
		return false
	}
	if e.CooldownUntil != 0 && nowNano < e.CooldownUntil {
		return false
	}
	return true
}

// Retireable reports whether the endpoint may be dropped from the table:
// it must have zero weight (absent from the latest AddressSet) and carry
// no load.
func (e *Endpoint) Retireable() bool {
	return e.Weight == 0 && e.ActiveConns == 0 && e.PendingConns == 0
}
