// Package server implements the TLS front door: it terminates client
// TLS sessions and bridges the plaintext stream to a scheduled backend.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/pool"
	"github.com/vyrodovalexey/avalb/internal/scheduler"
)

// acceptDeadline bounds a single Accept so the loop can observe
// shutdown on an idle listener.
const acceptDeadline = 500 * time.Millisecond

// Server accepts client TCP connections, performs the TLS handshake,
// and hands each session to the bridge.
type Server struct {
	cfg       *config.Config
	pool      *pool.Pool
	picker    scheduler.Picker
	bridge    *Bridge
	limiter   *ClientLimiter
	tracker   *ConnectionTracker
	tlsConfig *tls.Config
	metrics   *observability.Metrics
	logger    observability.Logger

	listener net.Listener
	wg       sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewServer creates the front-door server.
func NewServer(
	cfg *config.Config,
	p *pool.Pool,
	picker scheduler.Picker,
	bridge *Bridge,
	tlsConfig *tls.Config,
	metrics *observability.Metrics,
	logger observability.Logger,
) *Server {
	return &Server{
		cfg:       cfg,
		pool:      p,
		picker:    picker,
		bridge:    bridge,
		limiter:   NewClientLimiter(cfg.Client, logger),
		tracker:   NewConnectionTracker(cfg.MaxConnections, logger),
		tlsConfig: tlsConfig,
		metrics:   metrics,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Tracker returns the connection tracker.
func (s *Server) Tracker() *ConnectionTracker {
	return s.tracker
}

// Start binds the listener and runs the accept loop until the context
// is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.ListenPort)
	lc := &net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.limiter.Start()

	s.logger.Info("front door listening",
		observability.String("address", addr),
		observability.String("policy", s.cfg.Policy),
		observability.Int("maxConnections", s.cfg.MaxConnections),
	)

	return s.acceptLoop(ctx)
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		default:
		}

		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			_ = tcpListener.SetDeadline(time.Now().Add(acceptDeadline))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.stopCh:
				return nil
			default:
				s.logger.Error("accept error", observability.Error(err))
				continue
			}
		}

		s.admit(ctx, conn)
	}
}

// admit applies the pre-handshake admission checks and spawns the
// session handler. Rejections happen before TLS so abusive clients
// cost no handshake work.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	clientIP := remoteIP(conn)

	if !s.limiter.AllowConnection(clientIP) {
		s.metrics.ConnectionRejected()
		s.logger.Warn("connection rate limit exceeded",
			observability.String("client", clientIP),
		)
		_ = conn.Close()
		return
	}

	tracked, err := s.tracker.Add(conn)
	if err != nil {
		s.metrics.ConnectionRejected()
		s.logger.Warn("connection ceiling reached",
			observability.String("client", clientIP),
			observability.Error(err),
		)
		_ = conn.Close()
		return
	}

	s.metrics.ConnectionAccepted()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.tracker.Remove(tracked.ID)
		s.handleConnection(ctx, conn, clientIP, tracked)
	}()
}

// handleConnection terminates TLS and bridges the session.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, clientIP string, tracked *TrackedConnection) {
	defer func() { _ = conn.Close() }()

	tlsConn := tls.Server(conn, s.tlsConfig)

	handshakeCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout.Duration())
	err := tlsConn.HandshakeContext(handshakeCtx)
	cancel()
	if err != nil {
		s.metrics.HandshakeFailed()
		s.logger.Warn("tls handshake failed",
			observability.String("client", clientIP),
			observability.Error(err),
		)
		return
	}

	endpoint, err := s.picker.Pick(s.pool.SnapshotEligible())
	if err != nil {
		if errors.Is(err, scheduler.ErrNoBackendsAvailable) {
			s.metrics.ConnectionRejected()
			s.logger.Warn("no backends available",
				observability.String("client", clientIP),
			)
		} else {
			s.logger.Error("scheduling failed", observability.Error(err))
		}
		return
	}

	clientSide := NewCountingConn(s.limiter.WrapBandwidth(clientIP, tlsConn), tracked)

	if err := s.bridge.Run(ctx, clientSide, endpoint); err != nil &&
		!errors.Is(err, context.Canceled) {
		s.logger.Debug("bridge closed with error",
			observability.String("client", clientIP),
			observability.String("backend", endpoint.Address),
			observability.Error(err),
		)
	}

	bytesIn, bytesOut, duration := tracked.Stats()
	s.logger.Debug("session closed",
		observability.String("client", clientIP),
		observability.String("backend", endpoint.Address),
		observability.Int64("bytesIn", bytesIn),
		observability.Int64("bytesOut", bytesOut),
		observability.Duration("duration", duration),
	)
}

// Stop drains the server: the listener closes immediately, live
// sessions get the shutdown timeout to finish, stragglers are
// force-closed.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	if s.listener != nil {
		_ = s.listener.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions drained")
	case <-shutdownCtx.Done():
		s.logger.Warn("shutdown timeout reached, closing remaining sessions",
			observability.Int("remaining", s.tracker.Count()),
		)
		s.tracker.CloseAll()
		<-done
	}

	s.limiter.Stop()
	s.logger.Info("front door stopped")
	return nil
}

// remoteIP extracts the client IP without the ephemeral port.
func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
