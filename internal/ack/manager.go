package ack

import (
	"sync"
	"time"

	"meshcast/internal/dataType"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultTimeout = 5 * time.Second

// RateLimiter decides whether another automatic ack may go to a source.
type RateLimiter interface {
	CheckAckRateLimit(sourceID string) bool
}

type Options struct {
	AutoAck          bool
	RemoveOnFirstAck bool
}

// Manager owns the table of open ack sessions.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	closed   bool
}

func NewManager(opts Options, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		opts:     opts,
		log:      log,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// CreateSession starts tracking acks for messageID. The session leaves the
// table after timeout, or on its first ack when RemoveOnFirstAck is set.
func (m *Manager) CreateSession(messageID uuid.UUID, timeout time.Duration) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := NewSession(messageID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return s
	}
	if old, ok := m.sessions[messageID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	m.sessions[messageID] = s
	s.timer = time.AfterFunc(timeout, func() { m.expire(s) })
	return s
}

func (m *Manager) expire(s *Session) {
	if m.remove(s) {
		m.log.Debug("ack session timed out",
			zap.Stringer("message_id", s.id),
			zap.Int("acks", len(s.Received())))
	}
}

// remove deletes s from the table if it is still the session for its id.
func (m *Manager) remove(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.id]; !ok || cur != s {
		return false
	}
	delete(m.sessions, s.id)
	if s.timer != nil {
		s.timer.Stop()
	}
	return true
}

// ReportAck routes an ack for messageID to its session. It returns false when
// no session is waiting.
func (m *Manager) ReportAck(messageID uuid.UUID, source dataType.SourceIdentity) bool {
	m.mu.Lock()
	s, ok := m.sessions[messageID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if s.ReportAck(source) && m.opts.RemoveOnFirstAck {
		m.remove(s)
	}
	return true
}

// Cancel stops tracking messageID, e.g. when the message never left.
func (m *Manager) Cancel(messageID uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[messageID]
	m.mu.Unlock()
	if ok {
		m.remove(s)
	}
}

func (m *Manager) Session(messageID uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[messageID]
	return s, ok
}

func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ShouldAutoSendAck is true when auto-ack is on, env asked for an ack, env is
// not itself an ack, and the source still has ack budget.
func (m *Manager) ShouldAutoSendAck(env *dataType.Envelope, limiter RateLimiter) bool {
	if !m.opts.AutoAck || !env.AckRequested || env.Type == dataType.MessageTypeAck {
		return false
	}
	if limiter == nil {
		return true
	}
	return limiter.CheckAckRateLimit(env.Source.ID.String())
}

// Close stops every timeout and empties the table.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(m.sessions, id)
	}
	m.closed = true
}
