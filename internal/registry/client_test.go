package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/pool"
)

// setupMiniRedis creates a miniredis server for testing.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	cleanup := func() {
		mr.Close()
	}

	return mr, cleanup
}

func testRegistryConfig(addr string) config.RegistryConfig {
	return config.RegistryConfig{
		URL:          "redis://" + addr,
		Key:          config.DefaultRegistryKey,
		NodeTTL:      config.Duration(5 * time.Second),
		PollInterval: config.Duration(100 * time.Millisecond),
		MaxFailures:  3,
	}
}

func newTestClient(t *testing.T, addr string, p *pool.Pool, opts ...Option) *Client {
	t.Helper()

	c, err := NewClient(testRegistryConfig(addr), p, observability.NewMetrics(), opts...)
	require.NoError(t, err)
	return c
}

func heartbeat(mr *miniredis.Miniredis, addr string, at time.Time) {
	mr.ZAdd(config.DefaultRegistryKey, float64(at.Unix()), addr)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(config.RegistryConfig{URL: "not-a-url"}, pool.New(), observability.NewMetrics())
	assert.Error(t, err)
}

func TestSync_DiscoversBackends(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	heartbeat(mr, "10.0.0.1:7000", time.Now())
	heartbeat(mr, "10.0.0.2:7000", time.Now())

	p := pool.New()
	c := newTestClient(t, mr.Addr(), p)
	defer c.Stop()

	c.Sync(context.Background())

	assert.Equal(t, 2, p.Len())
	require.NotNil(t, p.Get("10.0.0.1:7000"))
	assert.True(t, p.Get("10.0.0.1:7000").RegistryPresent())
}

func TestSync_IgnoresExpiredHeartbeats(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	heartbeat(mr, "10.0.0.1:7000", time.Now())
	heartbeat(mr, "10.0.0.2:7000", time.Now().Add(-time.Minute))

	p := pool.New()
	c := newTestClient(t, mr.Addr(), p)
	defer c.Stop()

	c.Sync(context.Background())

	assert.Equal(t, 1, p.Len())
	assert.Nil(t, p.Get("10.0.0.2:7000"))
}

func TestSync_MarksDepartedBackendsAbsent(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	heartbeat(mr, "10.0.0.1:7000", time.Now())
	heartbeat(mr, "10.0.0.2:7000", time.Now())

	p := pool.New()
	c := newTestClient(t, mr.Addr(), p)
	defer c.Stop()

	c.Sync(context.Background())
	require.Equal(t, 2, p.Len())

	// A connection keeps the departed backend draining instead of purged.
	p.Get("10.0.0.2:7000").Acquire()

	mr.ZRem(config.DefaultRegistryKey, "10.0.0.2:7000")
	c.Sync(context.Background())

	e := p.Get("10.0.0.2:7000")
	require.NotNil(t, e)
	assert.False(t, e.RegistryPresent())
	assert.True(t, p.Get("10.0.0.1:7000").RegistryPresent())
}

func TestSync_PurgesDrainedBackends(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	heartbeat(mr, "10.0.0.1:7000", time.Now())

	p := pool.New()
	c := newTestClient(t, mr.Addr(), p, WithDrainGrace(0))
	defer c.Stop()

	c.Sync(context.Background())
	require.Equal(t, 1, p.Len())

	mr.ZRem(config.DefaultRegistryKey, "10.0.0.1:7000")
	c.Sync(context.Background())

	assert.Equal(t, 0, p.Len())
}

func TestSync_FailureKeepsLastSnapshot(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	heartbeat(mr, "10.0.0.1:7000", time.Now())

	p := pool.New()
	c := newTestClient(t, mr.Addr(), p)
	defer c.Stop()

	c.Sync(context.Background())
	require.Equal(t, 1, p.Len())

	mr.SetError("connection refused")
	c.Sync(context.Background())
	c.Sync(context.Background())

	// Below MaxFailures the cached entry stays serviceable.
	assert.True(t, p.Get("10.0.0.1:7000").RegistryPresent())
}

func TestSync_AgesOutAfterMaxFailures(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	heartbeat(mr, "10.0.0.1:7000", time.Now())

	p := pool.New()
	c := newTestClient(t, mr.Addr(), p)
	defer c.Stop()

	c.Sync(context.Background())
	require.Equal(t, 1, p.Len())

	mr.SetError("connection refused")
	for i := 0; i < 3; i++ {
		c.Sync(context.Background())
	}

	e := p.Get("10.0.0.1:7000")
	if e != nil {
		assert.False(t, e.RegistryPresent())
	}
}

func TestSync_RecoveryRestoresBackends(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	heartbeat(mr, "10.0.0.1:7000", time.Now())

	p := pool.New()
	c := newTestClient(t, mr.Addr(), p)
	defer c.Stop()

	c.Sync(context.Background())

	mr.SetError("connection refused")
	for i := 0; i < 3; i++ {
		c.Sync(context.Background())
	}

	mr.SetError("")
	heartbeat(mr, "10.0.0.1:7000", time.Now())
	c.Sync(context.Background())

	require.NotNil(t, p.Get("10.0.0.1:7000"))
	assert.True(t, p.Get("10.0.0.1:7000").RegistryPresent())
}

func TestStartStop(t *testing.T) {
	mr, cleanup := setupMiniRedis(t)
	defer cleanup()

	heartbeat(mr, "10.0.0.1:7000", time.Now())

	p := pool.New()
	c := newTestClient(t, mr.Addr(), p)

	c.Start(context.Background())

	assert.Eventually(t, func() bool {
		return p.Get("10.0.0.1:7000") != nil
	}, 2*time.Second, 10*time.Millisecond)

	c.Stop()

	// Stop is idempotent.
	c.Stop()
}
