package healthcheck

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/pool"
)

// startBackend opens a listener that accepts and closes connections.
func startBackend(t *testing.T) (string, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	return ln.Addr().String(), func() { _ = ln.Close() }
}

// deadAddr returns an address with nothing listening on it.
func deadAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		Interval:         config.Duration(50 * time.Millisecond),
		Timeout:          config.Duration(500 * time.Millisecond),
		FailureThreshold: 3,
	}
}

func newTestChecker(p *pool.Pool) *Checker {
	return NewChecker(testHealthConfig(), p, observability.NewMetrics())
}

func TestCheckAll_ReachableBackendBecomesHealthy(t *testing.T) {
	addr, cleanup := startBackend(t)
	defer cleanup()

	p := pool.New()
	p.Upsert(addr)
	require.Equal(t, pool.StatusUnknown, p.Get(addr).Status())

	c := newTestChecker(p)
	c.CheckAll(context.Background())

	assert.Equal(t, pool.StatusHealthy, p.Get(addr).Status())
}

func TestCheckAll_UnreachableBackendDebounced(t *testing.T) {
	addr := deadAddr(t)

	p := pool.New()
	p.Upsert(addr)

	c := newTestChecker(p)

	// Below the threshold the backend keeps its current status.
	c.CheckAll(context.Background())
	c.CheckAll(context.Background())
	assert.Equal(t, pool.StatusUnknown, p.Get(addr).Status())

	c.CheckAll(context.Background())
	assert.Equal(t, pool.StatusUnhealthy, p.Get(addr).Status())
}

func TestCheckAll_SingleSuccessRestores(t *testing.T) {
	p := pool.New()
	c := newTestChecker(p)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	p.Upsert(addr)

	require.NoError(t, ln.Close())
	for i := 0; i < 3; i++ {
		c.CheckAll(context.Background())
	}
	require.Equal(t, pool.StatusUnhealthy, p.Get(addr).Status())

	// Backend comes back on the same address.
	ln, err = net.Listen("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	c.CheckAll(context.Background())
	assert.Equal(t, pool.StatusHealthy, p.Get(addr).Status())
}

func TestReportFailure_CountsTowardThreshold(t *testing.T) {
	p := pool.New()
	addr := "10.255.0.1:7000"
	p.Upsert(addr)

	c := newTestChecker(p)

	c.ReportFailure(addr)
	c.ReportFailure(addr)
	assert.Equal(t, pool.StatusUnknown, p.Get(addr).Status())

	c.ReportFailure(addr)
	assert.Equal(t, pool.StatusUnhealthy, p.Get(addr).Status())
}

func TestReportFailure_UnknownBackend(t *testing.T) {
	c := newTestChecker(pool.New())

	// Must not panic or create pool entries.
	c.ReportFailure("10.255.0.1:7000")
	assert.Equal(t, 0, c.pool.Len())
}

func TestCheckAll_PrunesRemovedBackends(t *testing.T) {
	p := pool.New()
	addr := "10.255.0.1:7000"
	p.Upsert(addr)

	c := newTestChecker(p)
	c.ReportFailure(addr)
	c.ReportFailure(addr)

	// Backend leaves and the pool forgets it.
	p.MarkAbsent(addr)
	require.True(t, p.RemoveIfDrained(addr, 0))
	c.CheckAll(context.Background())

	// Readded address starts with a clean failure history.
	p.Upsert(addr)
	c.ReportFailure(addr)
	c.ReportFailure(addr)
	assert.Equal(t, pool.StatusUnknown, p.Get(addr).Status())
}

func TestStartStop(t *testing.T) {
	addr, cleanup := startBackend(t)
	defer cleanup()

	p := pool.New()
	p.Upsert(addr)

	c := newTestChecker(p)
	c.Start(context.Background())

	assert.Eventually(t, func() bool {
		return p.Get(addr).Status() == pool.StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)

	c.Stop()
	c.Stop()
}
