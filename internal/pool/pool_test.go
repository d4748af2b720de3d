package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsert(t *testing.T) {
	p := New()

	e := p.Upsert("10.0.0.1:7000")
	require.NotNil(t, e)
	assert.True(t, e.RegistryPresent())
	assert.Equal(t, StatusUnknown, e.Status())
	assert.Equal(t, int64(0), e.Connections())

	// Upserting again returns the same record.
	again := p.Upsert("10.0.0.1:7000")
	assert.Same(t, e, again)
	assert.Equal(t, 1, p.Len())
}

func TestUpsert_RestoresAbsentEndpoint(t *testing.T) {
	p := New()

	e := p.Upsert("10.0.0.1:7000")
	p.MarkAbsent("10.0.0.1:7000")
	require.False(t, e.RegistryPresent())

	p.Upsert("10.0.0.1:7000")
	assert.True(t, e.RegistryPresent())
}

func TestMarkAbsent_UnknownAddress(t *testing.T) {
	p := New()
	p.MarkAbsent("10.0.0.1:7000")
	assert.Equal(t, 0, p.Len())
}

func TestEligible(t *testing.T) {
	p := New()
	e := p.Upsert("10.0.0.1:7000")

	// Present and unprobed counts as eligible.
	assert.True(t, e.Eligible())

	p.SetHealth("10.0.0.1:7000", StatusHealthy)
	assert.True(t, e.Eligible())

	p.SetHealth("10.0.0.1:7000", StatusUnhealthy)
	assert.False(t, e.Eligible())

	p.SetHealth("10.0.0.1:7000", StatusHealthy)
	p.MarkAbsent("10.0.0.1:7000")
	assert.False(t, e.Eligible())
}

func TestAcquireRelease(t *testing.T) {
	p := New()
	e := p.Upsert("10.0.0.1:7000")

	assert.Equal(t, int64(1), e.Acquire())
	assert.Equal(t, int64(2), e.Acquire())
	assert.Equal(t, int64(1), e.Release())
	assert.Equal(t, int64(0), e.Release())

	// Over-releasing never goes negative.
	assert.Equal(t, int64(0), e.Release())
}

func TestAcquireRelease_Concurrent(t *testing.T) {
	p := New()
	e := p.Upsert("10.0.0.1:7000")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Acquire()
			e.Release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), e.Connections())
}

func TestRemoveIfDrained(t *testing.T) {
	p := New()
	e := p.Upsert("10.0.0.1:7000")

	// Still registry-present: not removable.
	assert.False(t, p.RemoveIfDrained("10.0.0.1:7000", 0))

	p.MarkAbsent("10.0.0.1:7000")
	e.Acquire()

	// Still draining: not removable.
	assert.False(t, p.RemoveIfDrained("10.0.0.1:7000", 0))

	e.Release()
	assert.True(t, p.RemoveIfDrained("10.0.0.1:7000", 0))
	assert.Nil(t, p.Get("10.0.0.1:7000"))
}

func TestRemoveIfDrained_GracePeriod(t *testing.T) {
	p := New()
	p.Upsert("10.0.0.1:7000")
	p.MarkAbsent("10.0.0.1:7000")

	assert.False(t, p.RemoveIfDrained("10.0.0.1:7000", time.Hour))
	assert.True(t, p.RemoveIfDrained("10.0.0.1:7000", 0))
}

func TestRemoveIfDrained_UnknownAddress(t *testing.T) {
	p := New()
	assert.False(t, p.RemoveIfDrained("10.0.0.1:7000", 0))
}

func TestSnapshotEligible_SortedAndFiltered(t *testing.T) {
	p := New()
	p.Upsert("10.0.0.3:7000")
	p.Upsert("10.0.0.1:7000")
	p.Upsert("10.0.0.2:7000")
	p.SetHealth("10.0.0.2:7000", StatusUnhealthy)

	eligible := p.SnapshotEligible()
	require.Len(t, eligible, 2)
	assert.Equal(t, "10.0.0.1:7000", eligible[0].Address)
	assert.Equal(t, "10.0.0.3:7000", eligible[1].Address)
}

func TestAddresses(t *testing.T) {
	p := New()
	p.Upsert("10.0.0.2:7000")
	p.Upsert("10.0.0.1:7000")

	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, p.Addresses())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "unknown", StatusUnknown.String())
	assert.Equal(t, "healthy", StatusHealthy.String())
	assert.Equal(t, "unhealthy", StatusUnhealthy.String())
}
