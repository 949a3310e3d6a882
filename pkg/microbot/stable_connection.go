package microbot

import (
	"context"
	"sync"
	"time"

	"github.com/microbotd/microbotd/pkg/logger"
)

// MaxReconnectAttempts bounds how many times StableConnection retries the
// authenticated-connect procedure before giving up permanently.
const MaxReconnectAttempts = 5

// StableConnection is an auto-reconnecting proxy in front of Connection.
// On loss of the underlying link it transparently re-runs the
// authenticated-connect procedure and notifies its owner so caches and
// subscriptions can be replayed.
type StableConnection struct {
	log *logger.Logger

	// reconnect performs the full authenticated-connect procedure and
	// returns a fresh raw Connection.
	reconnect func(ctx context.Context) (*Connection, error)

	// onReconnect is invoked after a successful reconnect, before Get
	// returns the new Connection. Typically resubscribes the
	// SubscribingReader against the new Connection.
	onReconnect func(conn *Connection)

	mu     sync.Mutex
	conn   *Connection
	active bool
	closed bool
}

// NewStableConnection wraps an already-established Connection.
func NewStableConnection(conn *Connection, reconnect func(ctx context.Context) (*Connection, error), onReconnect func(*Connection), log *logger.Logger) *StableConnection {
	if log == nil {
		log = logger.Global()
	}
	return &StableConnection{
		log:         log,
		reconnect:   reconnect,
		onReconnect: onReconnect,
		conn:        conn,
		active:      true,
	}
}

// Get returns the live Connection, reconnecting if the underlying link has
// dropped. It gives up after MaxReconnectAttempts and returns
// ErrConnectionError, marking the StableConnection permanently inactive.
func (s *StableConnection) Get(ctx context.Context) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrConnectionError
	}
	if s.active && s.conn.IsActive() {
		return s.conn, nil
	}

	for attempt := 0; attempt < MaxReconnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				s.active = false
				return nil, ctx.Err()
			}
		}

		conn, err := s.reconnect(ctx)
		if err != nil {
			s.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		s.conn = conn
		s.active = true
		if s.onReconnect != nil {
			s.onReconnect(conn)
		}
		return conn, nil
	}

	s.active = false
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
	}
	return nil, ErrConnectionError
}

// IsActive reports whether the stable connection currently believes it has
// a live underlying Connection, without attempting to reconnect.
func (s *StableConnection) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.active && s.conn != nil && s.conn.IsActive()
}

// Close closes the inner connection and makes the StableConnection
// permanently inactive; subsequent Get calls fail with ErrConnectionError.
func (s *StableConnection) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.active = false
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
