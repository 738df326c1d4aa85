package session

import (
	"sync/atomic"
	"time"

	"unifimcp/tools"
	"unifimcp/transport"
)

// State is the lifecycle state of a session.
type State int32

const (
	StatePending State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session binds one client conversation to its own adapter and registry.
type Session struct {
	ID        string
	CreatedAt time.Time
	Adapter   *transport.Adapter
	Registry  *tools.Registry

	state      atomic.Int32
	lastActive atomic.Int64
}

// New returns a pending session. It becomes active when added to a Store.
func New(id string, adapter *transport.Adapter, registry *tools.Registry, now time.Time) *Session {
	s := &Session{
		ID:        id,
		CreatedAt: now,
		Adapter:   adapter,
		Registry:  registry,
	}
	s.state.Store(int32(StatePending))
	s.lastActive.Store(now.UnixNano())
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// LastActive is the time of the last routed request.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActive.Store(now.UnixNano())
}

// Summary is a read-only view of a session for listings.
type Summary struct {
	ID              string    `json:"id"`
	State           string    `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	LastActive      time.Time `json:"last_active"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	Initialized     bool      `json:"initialized"`
	StreamAttached  bool      `json:"stream_attached"`
}

func (s *Session) summary() Summary {
	sum := Summary{
		ID:         s.ID,
		State:      s.State().String(),
		CreatedAt:  s.CreatedAt,
		LastActive: s.LastActive(),
	}
	if s.Adapter != nil {
		sum.ProtocolVersion = s.Adapter.ProtocolVersion()
		sum.Initialized = s.Adapter.Initialized()
		sum.StreamAttached = s.Adapter.StreamAttached()
	}
	return sum
}
