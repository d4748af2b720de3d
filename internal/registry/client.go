// Package registry keeps the backend pool eventually consistent with
// the external Redis service registry.
package registry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/pool"
)

// Client polls the registry sorted set and reconciles the backend pool
// against it. Backends publish heartbeats as sorted-set members scored
// by unix time; a member whose score is older than the node TTL has
// stopped refreshing and is treated as expired. The client never writes
// to the registry.
type Client struct {
	cfg     config.RegistryConfig
	rdb     redis.UniversalClient
	pool    *pool.Pool
	metrics *observability.Metrics
	logger  observability.Logger

	grace time.Duration

	// consecutive sync failures; guarded by the run loop only.
	failures int

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDrainGrace sets the retention period for drained backend records.
func WithDrainGrace(grace time.Duration) Option {
	return func(c *Client) {
		c.grace = grace
	}
}

// NewClient creates a registry client. The Redis connection is
// established lazily; an unreachable registry at startup is a transient
// condition handled by the poll loop, not a startup failure.
func NewClient(
	cfg config.RegistryConfig,
	p *pool.Pool,
	metrics *observability.Metrics,
	opts ...Option,
) (*Client, error) {
	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		rdb:       redis.NewClient(redisOpts),
		pool:      p,
		metrics:   metrics,
		logger:    observability.NopLogger(),
		grace:     config.DefaultDrainGrace,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Start launches the poll loop.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.run(ctx)
}

// Stop terminates the poll loop and closes the Redis connection.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.stoppedCh
	_ = c.rdb.Close()
}

// run is the main poll loop.
func (c *Client) run(ctx context.Context) {
	defer close(c.stoppedCh)

	ticker := time.NewTicker(c.cfg.PollInterval.Duration())
	defer ticker.Stop()

	c.Sync(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sync(ctx)
		}
	}
}

// Sync performs one reconciliation cycle: query the registry, diff the
// result against the pool, and commit the changes. A query failure
// retains the last-known pool state until MaxFailures consecutive
// failures have accumulated, at which point cached entries age out so a
// dead registry eventually stops advertising dead backends.
func (c *Client) Sync(ctx context.Context) {
	addrs, err := c.query(ctx)
	if err != nil {
		c.failures++
		c.metrics.RegistrySyncFailed()
		c.logger.Warn("registry query failed",
			observability.Error(err),
			observability.Int("consecutiveFailures", c.failures),
		)
		if c.failures >= c.cfg.MaxFailures {
			c.ageOut()
		}
		return
	}

	if c.failures >= c.cfg.MaxFailures {
		c.logger.Info("registry connectivity restored",
			observability.Int("backends", len(addrs)),
		)
	}
	c.failures = 0

	c.reconcile(addrs)
}

// query lists the registry members whose heartbeat is fresher than the
// node TTL.
func (c *Client) query(ctx context.Context) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, c.cfg.PollInterval.Duration())
	defer cancel()

	minScore := time.Now().Add(-c.cfg.NodeTTL.Duration()).Unix()
	return c.rdb.ZRangeByScore(queryCtx, c.cfg.Key, &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
}

// reconcile commits a fresh registry snapshot into the pool.
func (c *Client) reconcile(addrs []string) {
	present := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		present[addr] = struct{}{}
		if c.pool.Get(addr) == nil {
			c.logger.Info("backend discovered", observability.String("addr", addr))
		}
		c.pool.Upsert(addr)
	}

	for _, addr := range c.pool.Addresses() {
		if _, ok := present[addr]; ok {
			continue
		}
		if e := c.pool.Get(addr); e != nil && e.RegistryPresent() {
			c.logger.Warn("backend heartbeat expired", observability.String("addr", addr))
		}
		c.pool.MarkAbsent(addr)
		if c.pool.RemoveIfDrained(addr, c.grace) {
			c.metrics.BackendRemoved(addr)
			c.logger.Info("backend purged", observability.String("addr", addr))
		}
	}

	c.metrics.SetHealthyBackends(len(c.pool.SnapshotEligible()))
}

// ageOut marks every cached entry registry-absent. Invoked only after
// MaxFailures consecutive query failures: a registry outage that long
// is no longer distinguishable from every backend having expired.
func (c *Client) ageOut() {
	aged := 0
	for _, addr := range c.pool.Addresses() {
		if e := c.pool.Get(addr); e != nil && e.RegistryPresent() {
			aged++
		}
		c.pool.MarkAbsent(addr)
		if c.pool.RemoveIfDrained(addr, c.grace) {
			c.metrics.BackendRemoved(addr)
		}
	}
	if aged > 0 {
		c.logger.Error("registry unreachable, aging out cached backends",
			observability.Int("aged", aged),
			observability.Int("consecutiveFailures", c.failures),
		)
	}
	c.metrics.SetHealthyBackends(len(c.pool.SnapshotEligible()))
}
