// Package healthcheck actively probes backend reachability and drives
// pool health transitions.
package healthcheck

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/pool"
)

// Checker periodically dials every pool backend over TCP. Transitions
// are debounced asymmetrically: a backend must fail FailureThreshold
// consecutive probes before it is marked unhealthy, while a single
// successful probe restores it immediately. Connect failures observed
// by the data path feed the same counters through ReportFailure.
type Checker struct {
	cfg     config.HealthConfig
	pool    *pool.Pool
	metrics *observability.Metrics
	logger  observability.Logger

	mu       sync.Mutex
	failures map[string]int

	runMu     sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option is a functional option for configuring the checker.
type Option func(*Checker)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Checker) {
		c.logger = logger
	}
}

// NewChecker creates a health checker for the given pool.
func NewChecker(
	cfg config.HealthConfig,
	p *pool.Pool,
	metrics *observability.Metrics,
	opts ...Option,
) *Checker {
	c := &Checker{
		cfg:       cfg,
		pool:      p,
		metrics:   metrics,
		logger:    observability.NopLogger(),
		failures:  make(map[string]int),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Start launches the probe loop.
func (c *Checker) Start(ctx context.Context) {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return
	}
	c.running = true
	c.runMu.Unlock()

	go c.run(ctx)
}

// Stop terminates the probe loop.
func (c *Checker) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	c.running = false
	c.runMu.Unlock()

	close(c.stopCh)
	<-c.stoppedCh
}

func (c *Checker) run(ctx context.Context) {
	defer close(c.stoppedCh)

	ticker := time.NewTicker(c.cfg.Interval.Duration())
	defer ticker.Stop()

	c.CheckAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes every backend currently in the pool concurrently and
// waits for the round to finish.
func (c *Checker) CheckAll(ctx context.Context) {
	endpoints := c.pool.Snapshot()

	var wg sync.WaitGroup
	for _, e := range endpoints {
		wg.Add(1)
		go func(e *pool.Endpoint) {
			defer wg.Done()
			c.check(ctx, e)
		}(e)
	}
	wg.Wait()

	c.prune(endpoints)
	c.metrics.SetHealthyBackends(len(c.pool.SnapshotEligible()))
}

// check performs a single TCP dial probe against one backend.
func (c *Checker) check(ctx context.Context, e *pool.Endpoint) {
	dialer := &net.Dialer{Timeout: c.cfg.Timeout.Duration()}

	conn, err := dialer.DialContext(ctx, "tcp", e.Address)
	if err != nil {
		c.ReportFailure(e.Address)
		return
	}
	_ = conn.Close()

	c.reportSuccess(e.Address)
}

// ReportFailure records one failed reachability observation, from a
// probe or from a connect failure on the data path. Crossing the
// threshold marks the backend unhealthy.
func (c *Checker) ReportFailure(addr string) {
	c.mu.Lock()
	c.failures[addr]++
	n := c.failures[addr]
	c.mu.Unlock()

	c.metrics.HealthCheckFailed(addr)

	e := c.pool.Get(addr)
	if e == nil {
		return
	}

	if n >= c.cfg.FailureThreshold && e.Status() != pool.StatusUnhealthy {
		c.pool.SetHealth(addr, pool.StatusUnhealthy)
		c.logger.Warn("backend marked unhealthy",
			observability.String("addr", addr),
			observability.Int("consecutiveFailures", n),
		)
	}
}

// reportSuccess resets the failure counter and restores the backend
// without debounce.
func (c *Checker) reportSuccess(addr string) {
	c.mu.Lock()
	delete(c.failures, addr)
	c.mu.Unlock()

	e := c.pool.Get(addr)
	if e == nil {
		return
	}

	if e.Status() != pool.StatusHealthy {
		c.pool.SetHealth(addr, pool.StatusHealthy)
		c.logger.Info("backend healthy", observability.String("addr", addr))
	}
}

// prune drops failure counters for backends no longer in the pool so a
// readded address starts with a clean history.
func (c *Checker) prune(endpoints []*pool.Endpoint) {
	known := make(map[string]struct{}, len(endpoints))
	for _, e := range endpoints {
		known[e.Address] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for addr := range c.failures {
		if _, ok := known[addr]; !ok {
			delete(c.failures, addr)
		}
	}
}
