package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avalb/internal/observability"
)

// ConnectionTracker tracks live client sessions for the connection
// ceiling, metrics, and forced close on shutdown.
type ConnectionTracker struct {
	connections sync.Map
	maxConns    int
	connCount   atomic.Int64
	logger      observability.Logger
}

// TrackedConnection is one live client session.
type TrackedConnection struct {
	ID         string
	RemoteAddr string
	StartTime  time.Time

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	conn net.Conn
}

// AddBytesIn adds to the bytes-received counter.
func (tc *TrackedConnection) AddBytesIn(n int64) {
	tc.bytesIn.Add(n)
}

// AddBytesOut adds to the bytes-sent counter.
func (tc *TrackedConnection) AddBytesOut(n int64) {
	tc.bytesOut.Add(n)
}

// Stats returns the byte counters and session duration.
func (tc *TrackedConnection) Stats() (bytesIn, bytesOut int64, duration time.Duration) {
	return tc.bytesIn.Load(), tc.bytesOut.Load(), time.Since(tc.StartTime)
}

// NewConnectionTracker creates a tracker with the given ceiling.
func NewConnectionTracker(maxConns int, logger observability.Logger) *ConnectionTracker {
	if maxConns <= 0 {
		maxConns = 10000
	}

	return &ConnectionTracker{
		maxConns: maxConns,
		logger:   logger,
	}
}

// Add registers a connection. It fails when the ceiling is reached.
func (t *ConnectionTracker) Add(conn net.Conn) (*TrackedConnection, error) {
	if int(t.connCount.Load()) >= t.maxConns {
		return nil, fmt.Errorf("maximum connections reached: %d", t.maxConns)
	}

	tracked := &TrackedConnection{
		ID:         uuid.New().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		StartTime:  time.Now(),
		conn:       conn,
	}

	t.connections.Store(tracked.ID, tracked)
	t.connCount.Add(1)

	t.logger.Debug("connection added",
		observability.String("id", tracked.ID),
		observability.String("remoteAddr", tracked.RemoteAddr),
	)

	return tracked, nil
}

// Remove deregisters a connection.
func (t *ConnectionTracker) Remove(id string) {
	if _, loaded := t.connections.LoadAndDelete(id); loaded {
		t.connCount.Add(-1)
	}
}

// Count returns the number of live sessions.
func (t *ConnectionTracker) Count() int {
	return int(t.connCount.Load())
}

// CloseAll force-closes every tracked session. Used when graceful
// shutdown runs out of time.
func (t *ConnectionTracker) CloseAll() {
	t.connections.Range(func(_, value interface{}) bool {
		tracked := value.(*TrackedConnection)
		if tracked.conn != nil {
			_ = tracked.conn.Close()
		}
		return true
	})
}

// CountingConn wraps a net.Conn to feed the session byte counters.
type CountingConn struct {
	net.Conn
	tracked *TrackedConnection
}

// NewCountingConn creates a counting connection wrapper.
func NewCountingConn(conn net.Conn, tracked *TrackedConnection) *CountingConn {
	return &CountingConn{Conn: conn, tracked: tracked}
}

func (c *CountingConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		c.tracked.AddBytesIn(int64(n))
	}
	return n, err
}

func (c *CountingConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		c.tracked.AddBytesOut(int64(n))
	}
	return n, err
}
