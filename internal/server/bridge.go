package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/pool"
)

const bridgeBufferSize = 32 * 1024

// writeTimeout bounds a single write to a stalled peer.
const writeTimeout = 30 * time.Second

// Bridge splices client connections onto backend connections. A session
// holds its backend's connection count for its whole lifetime, so
// least-connections scheduling and draining see accurate load.
type Bridge struct {
	metrics *observability.Metrics
	logger  observability.Logger

	connectTimeout time.Duration
	bufferPool     *sync.Pool

	// onConnectFailure feeds dial failures into health accounting.
	onConnectFailure func(addr string)
}

// NewBridge creates a bridge.
func NewBridge(
	connectTimeout time.Duration,
	metrics *observability.Metrics,
	logger observability.Logger,
	onConnectFailure func(addr string),
) *Bridge {
	return &Bridge{
		metrics:          metrics,
		logger:           logger,
		connectTimeout:   connectTimeout,
		onConnectFailure: onConnectFailure,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, bridgeBufferSize)
			},
		},
	}
}

// Run connects to the endpoint and splices traffic until either side
// closes or the context is cancelled. The endpoint's connection count
// is incremented before the dial and released exactly once on return.
func (b *Bridge) Run(ctx context.Context, clientConn net.Conn, endpoint *pool.Endpoint) error {
	endpoint.Acquire()
	b.metrics.BridgeOpened(endpoint.Address, endpoint.Connections())

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		endpoint.Release()
		b.metrics.BridgeClosed(endpoint.Address, endpoint.Connections())
	}
	defer release()

	dialer := &net.Dialer{Timeout: b.connectTimeout}
	backendConn, err := dialer.DialContext(ctx, "tcp", endpoint.Address)
	if err != nil {
		if b.onConnectFailure != nil {
			b.onConnectFailure(endpoint.Address)
		}
		return fmt.Errorf("failed to connect to backend %s: %w", endpoint.Address, err)
	}
	defer func() { _ = backendConn.Close() }()

	b.logger.Debug("bridge established",
		observability.String("backend", endpoint.Address),
		observability.String("client", clientConn.RemoteAddr().String()),
	)

	return b.bidirectionalCopy(ctx, clientConn, backendConn)
}

// bidirectionalCopy copies in both directions until one side finishes,
// then closes both conns so the other direction unblocks.
func (b *Bridge) bidirectionalCopy(ctx context.Context, conn1, conn2 net.Conn) error {
	errCh := make(chan error, 2)

	copyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		errCh <- b.copyWithContext(copyCtx, conn2, conn1)
	}()
	go func() {
		errCh <- b.copyWithContext(copyCtx, conn1, conn2)
	}()

	var firstErr error
	select {
	case <-ctx.Done():
		_ = conn1.Close()
		_ = conn2.Close()
		firstErr = ctx.Err()
	case firstErr = <-errCh:
		_ = conn1.Close()
		_ = conn2.Close()
	}

	cancel()
	<-errCh

	return firstErr
}

// copyWithContext copies src to dst with a pooled buffer, using short
// read deadlines so context cancellation is observed on idle streams.
func (b *Bridge) copyWithContext(ctx context.Context, dst, src net.Conn) error {
	buf := b.bufferPool.Get().([]byte)
	defer b.bufferPool.Put(buf)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := src.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			if isClosedError(err) {
				return nil
			}
			return err
		}

		n, err := src.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if isClosedError(err) {
				return nil
			}
			return err
		}

		if n > 0 {
			if err := dst.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				if isClosedError(err) {
					return nil
				}
				return err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				if isClosedError(err) {
					return nil
				}
				return err
			}
		}
	}
}

// isClosedError checks if the error is due to a closed connection.
func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF {
		return true
	}
	if netErr, ok := err.(*net.OpError); ok {
		return netErr.Err.Error() == "use of closed network connection"
	}
	return false
}
