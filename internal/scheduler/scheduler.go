// Package scheduler implements the backend selection policies.
package scheduler

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/pool"
)

// ErrNoBackendsAvailable is returned when the eligible set is empty.
var ErrNoBackendsAvailable = errors.New("no backends available")

// Picker selects a backend from an eligible snapshot. Implementations
// carry no state beyond what their policy requires; the snapshot is the
// single source of truth.
type Picker interface {
	Pick(eligible []*pool.Endpoint) (*pool.Endpoint, error)
}

// New creates a picker for the named policy.
func New(policy string) (Picker, error) {
	switch policy {
	case config.PolicyRoundRobin:
		return NewRoundRobin(), nil
	case config.PolicyLeastConn:
		return NewLeastConnections(), nil
	default:
		return nil, fmt.Errorf("unknown scheduling policy %q", policy)
	}
}

// RoundRobin cycles through the eligible set with an atomic cursor.
// Only the cursor increment needs atomicity; dispatches never take an
// exclusive lock. When the eligible set changes size between dispatches
// the modulo wraps, at worst skewing fairness for one rotation.
type RoundRobin struct {
	cursor atomic.Uint64
}

// NewRoundRobin creates a round-robin picker.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Pick returns the next endpoint in rotation.
func (r *RoundRobin) Pick(eligible []*pool.Endpoint) (*pool.Endpoint, error) {
	if len(eligible) == 0 {
		return nil, ErrNoBackendsAvailable
	}
	idx := r.cursor.Add(1) - 1
	return eligible[idx%uint64(len(eligible))], nil
}

// LeastConnections selects the eligible endpoint with the fewest active
// connections. The snapshot is sorted by address, so ties resolve to
// the lexicographically first endpoint, keeping selection deterministic.
type LeastConnections struct{}

// NewLeastConnections creates a least-connections picker.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

// Pick returns the endpoint with the minimum connection count.
func (l *LeastConnections) Pick(eligible []*pool.Endpoint) (*pool.Endpoint, error) {
	if len(eligible) == 0 {
		return nil, ErrNoBackendsAvailable
	}

	selected := eligible[0]
	minConns := selected.Connections()
	for _, e := range eligible[1:] {
		if conns := e.Connections(); conns < minConns {
			minConns = conns
			selected = e
		}
	}
	return selected, nil
}
