package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avalb/internal/observability"
)

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client
}

func TestTracker_AddRemove(t *testing.T) {
	tracker := NewConnectionTracker(10, observability.NopLogger())

	tracked, err := tracker.Add(pipeConn(t))
	require.NoError(t, err)
	assert.NotEmpty(t, tracked.ID)
	assert.Equal(t, 1, tracker.Count())

	tracker.Remove(tracked.ID)
	assert.Equal(t, 0, tracker.Count())

	// Removing twice must not drive the count negative.
	tracker.Remove(tracked.ID)
	assert.Equal(t, 0, tracker.Count())
}

func TestTracker_Ceiling(t *testing.T) {
	tracker := NewConnectionTracker(2, observability.NopLogger())

	_, err := tracker.Add(pipeConn(t))
	require.NoError(t, err)
	_, err = tracker.Add(pipeConn(t))
	require.NoError(t, err)

	_, err = tracker.Add(pipeConn(t))
	assert.Error(t, err)
	assert.Equal(t, 2, tracker.Count())
}

func TestCountingConn(t *testing.T) {
	tracker := NewConnectionTracker(10, observability.NopLogger())

	client, server := net.Pipe()
	defer func() {
		_ = client.Close()
		_ = server.Close()
	}()

	tracked, err := tracker.Add(server)
	require.NoError(t, err)

	counting := NewCountingConn(server, tracked)

	go func() {
		_, _ = client.Write([]byte("hello"))
	}()
	buf := make([]byte, 5)
	_, err = counting.Read(buf)
	require.NoError(t, err)

	go func() {
		out := make([]byte, 2)
		_, _ = client.Read(out)
	}()
	_, err = counting.Write([]byte("ok"))
	require.NoError(t, err)

	in, out, duration := tracked.Stats()
	assert.Equal(t, int64(5), in)
	assert.Equal(t, int64(2), out)
	assert.GreaterOrEqual(t, duration, time.Duration(0))
}

func TestTracker_CloseAll(t *testing.T) {
	tracker := NewConnectionTracker(10, observability.NopLogger())

	client, server := net.Pipe()
	defer func() { _ = client.Close() }()

	_, err := tracker.Add(server)
	require.NoError(t, err)

	tracker.CloseAll()

	// The closed pipe unblocks reads on the other end.
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	assert.Error(t, err)
}
