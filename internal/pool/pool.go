// Package pool maintains the authoritative set of candidate backends
// and their live state. It is the synchronization point between the
// discovery and health-check writers and the per-connection readers.
package pool

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health status of a backend.
type Status int32

const (
	// StatusUnknown indicates the backend has not been probed yet.
	StatusUnknown Status = iota
	// StatusHealthy indicates the backend is reachable.
	StatusHealthy
	// StatusUnhealthy indicates the backend failed consecutive probes.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Endpoint is a single backend record. All mutable fields are atomic so
// concurrent bridges and the background writers never observe a
// half-updated record.
type Endpoint struct {
	// Address is the backend host:port and the record identity.
	Address string

	status          atomic.Int32
	connections     atomic.Int64
	registryPresent atomic.Bool
	lastSeen        atomic.Int64
	deregisteredAt  atomic.Int64
}

func newEndpoint(addr string) *Endpoint {
	e := &Endpoint{Address: addr}
	e.status.Store(int32(StatusUnknown))
	return e
}

// Status returns the endpoint health status.
func (e *Endpoint) Status() Status {
	return Status(e.status.Load())
}

// RegistryPresent reports whether the registry currently lists the endpoint.
func (e *Endpoint) RegistryPresent() bool {
	return e.registryPresent.Load()
}

// Connections returns the current active connection count.
func (e *Endpoint) Connections() int64 {
	return e.connections.Load()
}

// LastSeen returns the time the registry last reported the endpoint.
func (e *Endpoint) LastSeen() time.Time {
	return time.Unix(0, e.lastSeen.Load())
}

// Eligible reports whether the endpoint may receive new traffic.
func (e *Endpoint) Eligible() bool {
	return e.registryPresent.Load() && e.Status() != StatusUnhealthy
}

// Acquire increments the active connection count and returns the new value.
func (e *Endpoint) Acquire() int64 {
	return e.connections.Add(1)
}

// Release decrements the active connection count and returns the new
// value. The count never goes below zero.
func (e *Endpoint) Release() int64 {
	for {
		cur := e.connections.Load()
		if cur == 0 {
			return 0
		}
		if e.connections.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

// Pool is the concurrently readable backend set. Mutations hold the
// lock only for map bookkeeping; no network I/O happens under it.
type Pool struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		endpoints: make(map[string]*Endpoint),
	}
}

// Upsert marks an address registry-present, creating the record if it
// is absent, and returns the endpoint.
func (p *Pool) Upsert(addr string) *Endpoint {
	p.mu.Lock()
	e, ok := p.endpoints[addr]
	if !ok {
		e = newEndpoint(addr)
		p.endpoints[addr] = e
	}
	p.mu.Unlock()

	e.registryPresent.Store(true)
	e.deregisteredAt.Store(0)
	e.lastSeen.Store(time.Now().UnixNano())
	return e
}

// MarkAbsent flags an address as no longer registry-present. The record
// is retained to track draining connections; removal happens through
// RemoveIfDrained. Marking an unknown address is a no-op.
func (p *Pool) MarkAbsent(addr string) {
	if e := p.Get(addr); e != nil {
		if e.registryPresent.CompareAndSwap(true, false) {
			e.deregisteredAt.Store(time.Now().UnixNano())
		}
	}
}

// SetHealth updates the health status of an address if it is known.
func (p *Pool) SetHealth(addr string, status Status) {
	if e := p.Get(addr); e != nil {
		e.status.Store(int32(status))
	}
}

// Get returns the endpoint for an address, or nil.
func (p *Pool) Get(addr string) *Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoints[addr]
}

// RemoveIfDrained deletes a deregistered record once its connection
// count has reached zero and the grace period since deregistration has
// elapsed. It reports whether the record was removed.
func (p *Pool) RemoveIfDrained(addr string, grace time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.endpoints[addr]
	if !ok {
		return false
	}
	if e.registryPresent.Load() || e.connections.Load() > 0 {
		return false
	}
	deregistered := e.deregisteredAt.Load()
	if deregistered == 0 || time.Since(time.Unix(0, deregistered)) < grace {
		return false
	}

	delete(p.endpoints, addr)
	return true
}

// Snapshot returns all endpoints sorted by address.
func (p *Pool) Snapshot() []*Endpoint {
	p.mu.RLock()
	out := make([]*Endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		out = append(out, e)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// SnapshotEligible returns the endpoints currently eligible for
// routing, sorted by address so round-robin fairness is deterministic.
func (p *Pool) SnapshotEligible() []*Endpoint {
	p.mu.RLock()
	out := make([]*Endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if e.Eligible() {
			out = append(out, e)
		}
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Addresses returns all known addresses sorted.
func (p *Pool) Addresses() []string {
	p.mu.RLock()
	out := make([]string, 0, len(p.endpoints))
	for addr := range p.endpoints {
		out = append(out, addr)
	}
	p.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of known endpoints.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}
