package server

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"meshcast/internal/dataType"
)

// memoryHub is an in-process multicast group. Every frame sent on one member
// is delivered to all others.
type memoryHub struct {
	mu      sync.Mutex
	members []*memorySocket
}

func (h *memoryHub) join() *memorySocket {
	s := &memorySocket{hub: h, arrivals: make(chan *dataType.ArrivalRecord, 256)}
	h.mu.Lock()
	h.members = append(h.members, s)
	h.mu.Unlock()
	return s
}

func (h *memoryHub) broadcast(from *memorySocket, data []byte) {
	h.mu.Lock()
	members := slices.Clone(h.members)
	h.mu.Unlock()
	for _, m := range members {
		if m != from {
			m.injectNext(data)
		}
	}
}

var _ Socket = (*memorySocket)(nil)

type memorySocket struct {
	hub      *memoryHub
	arrivals chan *dataType.ArrivalRecord

	mu      sync.Mutex
	nextSeq uint64
	started bool
	closed  bool

	sent [][]byte

	rented   atomic.Int64
	released atomic.Int64
}

func (s *memorySocket) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.sent = append(s.sent, bytes.Clone(data))
	}
	s.mu.Unlock()
	if closed {
		return ErrSocketClosed
	}
	if s.hub != nil {
		s.hub.broadcast(s, data)
	}
	return nil
}

func (s *memorySocket) StartReceiving() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	return nil
}

func (s *memorySocket) Receive() <-chan *dataType.ArrivalRecord {
	return s.arrivals
}

func (s *memorySocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.arrivals)
	return nil
}

// injectNext queues data under the next arrival sequence.
func (s *memorySocket) injectNext(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	s.pushLocked(data, s.nextSeq)
}

// inject queues data under an explicit arrival sequence.
func (s *memorySocket) inject(data []byte, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(data, seq)
}

func (s *memorySocket) pushLocked(data []byte, seq uint64) {
	if s.closed {
		return
	}
	s.rented.Add(1)
	rec := dataType.NewArrivalRecord(bytes.Clone(data), seq, time.Now(), nil, func() {
		s.released.Add(1)
	})
	select {
	case s.arrivals <- rec:
	default:
		rec.Release()
	}
}

// lastSent returns the most recent frame written by this member.
func (s *memorySocket) lastSent() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

// racingSocket behaves like a read loop that hands over one more datagram
// after Close and only then closes its channel.
type racingSocket struct {
	*memorySocket
}

func (s racingSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.rented.Add(1)
		s.arrivals <- dataType.NewArrivalRecord([]byte{0x01}, 0, time.Now(), nil, func() {
			s.released.Add(1)
		})
		close(s.arrivals)
	}()
	return nil
}
