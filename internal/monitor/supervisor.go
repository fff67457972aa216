package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cochaviz/virtray/internal/backend"
	"github.com/cochaviz/virtray/internal/logging"
)

// ConnectionSupervisor owns the single live backend connection. All
// other components reach the backend through it and never hold the
// handle themselves.
type ConnectionSupervisor struct {
	Backend        backend.Backend
	ConnectTimeout time.Duration
	// BaseDelay is the smallest gap between reconnect attempts. It
	// should equal the poll interval so a down backend is never probed
	// tighter than the loop would poll it.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	Logger   *slog.Logger

	mu          sync.Mutex
	conn        backend.Connection
	state       ConnectionState
	retryDelay  time.Duration
	nextAttempt time.Time

	now func() time.Time
}

const (
	defaultConnectTimeout = 5 * time.Second
	defaultBaseDelay      = 10 * time.Second
	defaultBackoffFactor  = 6
)

func NewConnectionSupervisor(b backend.Backend, logger *slog.Logger) *ConnectionSupervisor {
	return &ConnectionSupervisor{
		Backend: b,
		Logger:  logger,
		state:   ConnectionState{Phase: ConnDisconnected},
	}
}

// EnsureConnected returns the current connection state, attempting to
// (re)establish the connection when it is down and a retry is due.
// Attempts are bounded by ConnectTimeout and never occur more often
// than the backoff schedule allows.
func (s *ConnectionSupervisor) EnsureConnected(ctx context.Context) ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && s.conn.Alive() {
		s.state = ConnectionState{Phase: ConnConnected}
		return s.state
	}

	now := s.clock()
	if !s.nextAttempt.IsZero() && now.Before(s.nextAttempt) {
		return s.state
	}

	s.releaseLocked()
	s.state = ConnectionState{Phase: ConnConnecting}
	s.logger().Debug("opening backend connection")

	openCtx, cancel := context.WithTimeout(ctx, s.connectTimeout())
	defer cancel()

	conn, err := s.Backend.Open(openCtx)
	if err != nil {
		s.scheduleRetryLocked(now)
		s.state = ConnectionState{Phase: ConnDegraded, Reason: err.Error()}
		s.logger().Warn("backend connection failed",
			"error", err,
			"retry_in", s.retryDelay,
		)
		return s.state
	}

	s.conn = conn
	s.retryDelay = 0
	s.nextAttempt = time.Time{}
	s.state = ConnectionState{Phase: ConnConnected}
	s.logger().Info("backend connection established")
	return s.state
}

// IsUsable reports whether a live connection is available.
func (s *ConnectionSupervisor) IsUsable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.state.Phase == ConnConnected
}

// Conn returns the supervised connection, or nil when disconnected.
func (s *ConnectionSupervisor) Conn() backend.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Acquire hands out the live connection handle under the supervisor's
// lock, so a concurrent MarkFailed cannot release it between a
// usability check and the call that uses it.
func (s *ConnectionSupervisor) Acquire() (backend.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.state.Phase != ConnConnected {
		return nil, false
	}
	return s.conn, true
}

// State returns the supervisor's current view of the link.
func (s *ConnectionSupervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkFailed records a failure observed on the connection (typically a
// failed fetch), releases the handle and schedules a reconnect.
func (s *ConnectionSupervisor) MarkFailed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked()
	s.scheduleRetryLocked(s.clock())
	s.state = ConnectionState{Phase: ConnDegraded, Reason: reason}
	s.logger().Warn("backend connection marked failed",
		"reason", reason,
		"retry_in", s.retryDelay,
	)
}

// Close releases the connection handle. The supervisor can be reused
// afterwards; the next EnsureConnected dials again.
func (s *ConnectionSupervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
	s.state = ConnectionState{Phase: ConnDisconnected}
	s.retryDelay = 0
	s.nextAttempt = time.Time{}
}

func (s *ConnectionSupervisor) releaseLocked() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger().Debug("closing backend connection", "error", err)
	}
	s.conn = nil
}

// scheduleRetryLocked doubles the retry delay up to MaxDelay, starting
// from BaseDelay.
func (s *ConnectionSupervisor) scheduleRetryLocked(now time.Time) {
	base := s.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	max := s.MaxDelay
	if max <= 0 {
		max = base * defaultBackoffFactor
	}

	if s.retryDelay < base {
		s.retryDelay = base
	} else {
		s.retryDelay *= 2
	}
	if s.retryDelay > max {
		s.retryDelay = max
	}
	s.nextAttempt = now.Add(s.retryDelay)
}

func (s *ConnectionSupervisor) connectTimeout() time.Duration {
	if s.ConnectTimeout > 0 {
		return s.ConnectTimeout
	}
	return defaultConnectTimeout
}

func (s *ConnectionSupervisor) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *ConnectionSupervisor) logger() *slog.Logger {
	return logging.Ensure(s.Logger)
}
