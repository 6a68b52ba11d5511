// Package ack tracks acknowledgements for messages that asked for them.
package ack

import (
	"context"
	"sync"
	"time"

	"meshcast/internal/dataType"

	"github.com/google/uuid"
)

// Session waits for acknowledgements of one message. The first ack completes
// it; later acks are still recorded and still notify observers.
type Session struct {
	id      uuid.UUID
	created time.Time
	done    chan struct{}

	mu        sync.Mutex
	received  map[uuid.UUID]dataType.SourceIdentity
	order     []uuid.UUID
	observers map[int]func(dataType.SourceIdentity)
	nextObs   int
	completed bool
	timer     *time.Timer
}

func NewSession(id uuid.UUID) *Session {
	return &Session{
		id:        id,
		created:   time.Now(),
		done:      make(chan struct{}),
		received:  make(map[uuid.UUID]dataType.SourceIdentity),
		observers: make(map[int]func(dataType.SourceIdentity)),
	}
}

func (s *Session) MessageID() uuid.UUID { return s.id }

// Done is closed on the first acknowledgement.
func (s *Session) Done() <-chan struct{} { return s.done }

// ReportAck records an ack from source and reports whether it was the first
// one for this session.
func (s *Session) ReportAck(source dataType.SourceIdentity) bool {
	s.mu.Lock()
	if _, dup := s.received[source.ID]; dup {
		s.mu.Unlock()
		return false
	}
	s.received[source.ID] = source
	s.order = append(s.order, source.ID)
	first := !s.completed
	s.completed = true
	observers := make([]func(dataType.SourceIdentity), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	if first {
		close(s.done)
	}
	for _, fn := range observers {
		fn(source)
	}
	return first
}

// OnAck registers fn for every new acknowledging source. The returned func
// unregisters it.
func (s *Session) OnAck(fn func(dataType.SourceIdentity)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Received returns the acknowledging sources in arrival order.
func (s *Session) Received() []dataType.SourceIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dataType.SourceIdentity, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.received[id])
	}
	return out
}

// Wait blocks until the first ack or timeout and reports whether any ack came.
func (s *Session) Wait(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.WaitContext(ctx)
}

func (s *Session) WaitContext(ctx context.Context) bool {
	select {
	case <-s.done:
		return true
	case <-ctx.Done():
		select {
		case <-s.done:
			return true
		default:
			return false
		}
	}
}
