// Package session owns the process-wide map of live MCP sessions and their
// lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	loggerv2 "unifimcp/logger/v2"
	"unifimcp/metrics"
)

// ErrUnknownSession is returned for ids that are not in the store, including
// ids of sessions that were closed.
var ErrUnknownSession = errors.New("unknown session")

// Close reasons not already defined by the transport package.
const (
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// NewID returns a fresh session id (random UUID v4 from crypto/rand).
func NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return id.String(), nil
}

// Store maps session ids to sessions. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	clock   clockwork.Clock
	logger  loggerv2.Logger
	metrics *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithLogger(l loggerv2.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		clock:    clockwork.NewRealClock(),
		logger:   loggerv2.NewNoop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock is the store's time source, shared with the sessions it creates.
func (s *Store) Clock() clockwork.Clock {
	return s.clock
}

// Add inserts a pending session and marks it active. Ids are never reused.
func (s *Store) Add(sess *Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session id is required")
	}
	if !sess.state.CompareAndSwap(int32(StatePending), int32(StateActive)) {
		return fmt.Errorf("session %s is %s, not pending", sess.ID, sess.State())
	}

	s.mu.Lock()
	if _, exists := s.sessions[sess.ID]; exists {
		s.mu.Unlock()
		sess.state.Store(int32(StatePending))
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	sess.touch(s.clock.Now())
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.metrics.SessionOpened()
	s.logger.Info("Session created", loggerv2.String("session_id", sess.ID))
	return nil
}

// Get returns the active session for id and records activity on it. Unknown
// ids return ErrUnknownSession and never create an entry.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	sess.touch(s.clock.Now())
	return sess, nil
}

// Close removes the session and releases its adapter. Closing an unknown or
// already closed id is a no-op and returns false.
func (s *Store) Close(id, reason string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.release(sess, reason)
	return true
}

func (s *Store) release(sess *Session, reason string) {
	sess.state.Store(int32(StateClosed))
	if sess.Adapter != nil {
		sess.Adapter.Close()
	}
	s.metrics.SessionClosed(reason)
	s.logger.Info("Session closed",
		loggerv2.String("session_id", sess.ID),
		loggerv2.String("reason", reason),
		loggerv2.Duration("age", s.clock.Since(sess.CreatedAt)))
}

// CloseAll empties the store and returns how many sessions were closed.
func (s *Store) CloseAll(reason string) int {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		s.release(sess, reason)
	}
	return len(sessions)
}

// Len is the number of active sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// List returns summaries of the active sessions, oldest first.
func (s *Store) List() []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.summary())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ReapIdle closes sessions idle for longer than maxIdle. Sessions with an
// attached push stream are left alone. It returns the reaped ids.
func (s *Store) ReapIdle(maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}
	cutoff := s.clock.Now().Add(-maxIdle)

	s.mu.RLock()
	var idle []string
	for id, sess := range s.sessions {
		if sess.Adapter != nil && sess.Adapter.StreamAttached() {
			continue
		}
		if sess.LastActive().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	s.mu.RUnlock()

	reaped := idle[:0]
	for _, id := range idle {
		if s.Close(id, ReasonIdle) {
			reaped = append(reaped, id)
		}
	}
	return reaped
}

// RunReaper calls ReapIdle every interval until ctx is done.
func (s *Store) RunReaper(ctx context.Context, interval, maxIdle time.Duration) error {
	if interval <= 0 || maxIdle <= 0 {
		return nil
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Idle session reaper started",
		loggerv2.Duration("interval", interval),
		loggerv2.Duration("max_idle", maxIdle))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if reaped := s.ReapIdle(maxIdle); len(reaped) > 0 {
				s.logger.Info("Reaped idle sessions", loggerv2.Int("count", len(reaped)))
			}
		}
	}
}
