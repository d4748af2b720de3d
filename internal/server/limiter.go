package server

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

// clientEntry holds the limiters for one client IP.
type clientEntry struct {
	conns    *rate.Limiter
	bw       *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter enforces per-client-IP connection and bandwidth limits.
// One misbehaving chat client must not starve the rest: the connection
// limiter gates new sessions, the bandwidth limiter paces decrypted
// reads inside a session. Idle client entries expire so the table does
// not grow with churn.
type ClientLimiter struct {
	cfg    config.ClientConfig
	logger observability.Logger

	mu      sync.Mutex
	clients map[string]*clientEntry

	stopCh    chan struct{}
	stoppedCh chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewClientLimiter creates a limiter table.
func NewClientLimiter(cfg config.ClientConfig, logger observability.Logger) *ClientLimiter {
	return &ClientLimiter{
		cfg:       cfg,
		logger:    logger,
		clients:   make(map[string]*clientEntry),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start launches the idle-entry cleanup loop.
func (l *ClientLimiter) Start() {
	l.startOnce.Do(func() {
		go l.cleanupLoop()
	})
}

// Stop terminates the cleanup loop.
func (l *ClientLimiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		<-l.stoppedCh
	})
}

// AllowConnection reports whether a new connection from the client may
// proceed.
func (l *ClientLimiter) AllowConnection(ip string) bool {
	if l.cfg.ConnectionsPerSecond <= 0 {
		return true
	}
	return l.entry(ip).conns.Allow()
}

// WrapBandwidth returns conn with its reads paced to the client's
// bandwidth budget. With limiting disabled the conn is returned as is.
func (l *ClientLimiter) WrapBandwidth(ip string, conn net.Conn) net.Conn {
	if l.cfg.BandwidthBytesPerSecond <= 0 {
		return conn
	}
	return &limitedConn{
		Conn:    conn,
		limiter: l.entry(ip).bw,
		burst:   l.cfg.BandwidthBurstBytes,
	}
}

// Len returns the number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *ClientLimiter) entry(ip string) *clientEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.clients[ip]
	if !ok {
		connBurst := int(l.cfg.ConnectionsPerSecond)
		if connBurst < 1 {
			connBurst = 1
		}
		e = &clientEntry{
			conns: rate.NewLimiter(rate.Limit(l.cfg.ConnectionsPerSecond), connBurst),
			bw:    rate.NewLimiter(rate.Limit(l.cfg.BandwidthBytesPerSecond), l.cfg.BandwidthBurstBytes),
		}
		l.clients[ip] = e
	}
	e.lastSeen = time.Now()
	return e
}

func (l *ClientLimiter) cleanupLoop() {
	defer close(l.stoppedCh)

	expiry := l.cfg.IdleExpiry.Duration()
	if expiry <= 0 {
		expiry = 5 * time.Minute
	}

	ticker := time.NewTicker(expiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.expire(expiry)
		}
	}
}

func (l *ClientLimiter) expire(expiry time.Duration) {
	cutoff := time.Now().Add(-expiry)

	l.mu.Lock()
	removed := 0
	for ip, e := range l.clients {
		if e.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
			removed++
		}
	}
	remaining := len(l.clients)
	l.mu.Unlock()

	if removed > 0 {
		l.logger.Debug("expired idle client limiter entries",
			observability.Int("removed", removed),
			observability.Int("remaining", remaining),
		)
	}
}

// limitedConn paces reads through a token bucket. Reads are clamped to
// the bucket burst so a single large read cannot exceed the budget.
type limitedConn struct {
	net.Conn
	limiter *rate.Limiter
	burst   int
}

func (c *limitedConn) Read(b []byte) (int, error) {
	if c.burst > 0 && len(b) > c.burst {
		b = b[:c.burst]
	}

	n, err := c.Conn.Read(b)
	if n > 0 {
		if werr := c.limiter.WaitN(context.Background(), n); werr != nil {
			return n, err
		}
	}
	return n, err
}
