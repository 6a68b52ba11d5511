// Package sequencing releases arrivals in arrival-sequence order, waiting a
// bounded time for gaps before skipping them.
package sequencing

import (
	"container/heap"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"meshcast/internal/utils"

	"go.uber.org/zap"
)

const (
	DefaultGapTimeout = 200 * time.Millisecond
	DefaultCapacity   = 1024
)

type Options struct {
	GapTimeout time.Duration
	Capacity   int // bounds both the input queue and the reorder heap
	Logger     *zap.Logger
}

type Stats struct {
	Delivered   uint64
	Stale       uint64
	Overflow    uint64
	GapsSkipped uint64
	Panics      uint64
}

// Gate is a single-consumer reordering buffer. Submit and Skip may be called
// from any goroutine; deliver only ever runs on the goroutine inside Run.
type Gate[T any] struct {
	opts    Options
	input   chan entry[T]
	deliver func(seq uint64, value T)
	discard func(value T)
	log     *zap.Logger
	drops   *utils.Suppressor

	// owned by Run
	expected uint64
	pending  minHeap[T]
	timer    *time.Timer
	armedFor uint64

	delivered   atomic.Uint64
	stale       atomic.Uint64
	overflow    atomic.Uint64
	gapsSkipped atomic.Uint64
	panics      atomic.Uint64
	running     atomic.Bool
}

// New creates a gate expecting sequence 1 first. deliver receives values in
// order; discard, if set, receives values the gate drops so their resources
// can be freed.
func New[T any](opts Options, deliver func(seq uint64, value T), discard func(value T)) *Gate[T] {
	if opts.GapTimeout <= 0 {
		opts.GapTimeout = DefaultGapTimeout
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("gate")
	return &Gate[T]{
		opts:     opts,
		input:    make(chan entry[T], opts.Capacity),
		deliver:  deliver,
		discard:  discard,
		log:      log,
		drops:    utils.NewSuppressor(log, 3, time.Minute),
		expected: 1,
	}
}

// Submit queues value for arrival seq. It never blocks; when the queue is
// full the value is dropped and false returned.
func (g *Gate[T]) Submit(seq uint64, value T) bool {
	return g.enqueue(entry[T]{seq: seq, value: value})
}

// Skip marks seq as consumed upstream so the gate moves past it without
// waiting for the gap timer.
func (g *Gate[T]) Skip(seq uint64) bool {
	return g.enqueue(entry[T]{seq: seq, skip: true})
}

func (g *Gate[T]) enqueue(e entry[T]) bool {
	select {
	case g.input <- e:
		return true
	default:
		g.overflow.Add(1)
		g.drops.Warn("input_full", "sequencing queue full, dropping newest arrival",
			zap.Uint64("seq", e.seq), zap.Int("capacity", g.opts.Capacity))
		g.drop(e)
		return false
	}
}

func (g *Gate[T]) Stats() Stats {
	return Stats{
		Delivered:   g.delivered.Load(),
		Stale:       g.stale.Load(),
		Overflow:    g.overflow.Load(),
		GapsSkipped: g.gapsSkipped.Load(),
		Panics:      g.panics.Load(),
	}
}

// Run consumes the queue until ctx is done. Anything still queued or buffered
// at that point is discarded.
func (g *Gate[T]) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return fmt.Errorf("gate already running")
	}
	defer g.shutdown()

	for {
		var timerC <-chan time.Time
		if g.timer != nil {
			timerC = g.timer.C
		}
		select {
		case <-ctx.Done():
			return nil
		case e := <-g.input:
			g.receive(e)
		case <-timerC:
			g.timer = nil
			g.onGapTimeout()
		}
	}
}

func (g *Gate[T]) receive(e entry[T]) {
	switch {
	case e.seq < g.expected:
		g.stale.Add(1)
		g.drops.Debug("stale", "dropping stale arrival",
			zap.Uint64("seq", e.seq), zap.Uint64("expected", g.expected))
		g.drop(e)
	case e.seq == g.expected:
		g.release(e)
		g.drain()
	default:
		if len(g.pending) >= g.opts.Capacity {
			g.overflow.Add(1)
			g.drops.Warn("heap_full", "reorder buffer full, dropping newest arrival",
				zap.Uint64("seq", e.seq), zap.Uint64("expected", g.expected))
			g.drop(e)
			return
		}
		heap.Push(&g.pending, e)
	}
	g.rearm()
}

// onGapTimeout skips to the lowest buffered arrival if the gap the timer was
// armed for is still open.
func (g *Gate[T]) onGapTimeout() {
	if g.armedFor == g.expected {
		if next, ok := g.pending.peek(); ok && next.seq > g.expected {
			g.gapsSkipped.Add(1)
			g.log.Debug("gap timeout, skipping missing arrivals",
				zap.Uint64("from", g.expected), zap.Uint64("to", next.seq))
			g.expected = next.seq
		}
	}
	g.drain()
	g.rearm()
}

// drain releases buffered entries that are now contiguous and discards any
// that fell behind.
func (g *Gate[T]) drain() {
	for {
		next, ok := g.pending.peek()
		if !ok || next.seq > g.expected {
			return
		}
		heap.Pop(&g.pending)
		if next.seq < g.expected {
			g.stale.Add(1)
			g.drop(next)
			continue
		}
		g.release(next)
	}
}

func (g *Gate[T]) release(e entry[T]) {
	g.expected = e.seq + 1
	if e.skip {
		return
	}
	g.delivered.Add(1)
	g.safeDeliver(e)
}

func (g *Gate[T]) safeDeliver(e entry[T]) {
	defer func() {
		if r := recover(); r != nil {
			g.panics.Add(1)
			g.log.Error("deliver panicked", zap.Uint64("seq", e.seq), zap.Any("panic", r))
		}
	}()
	g.deliver(e.seq, e.value)
}

// rearm keeps exactly one timer pending while a gap is open, always armed for
// the current expected sequence.
func (g *Gate[T]) rearm() {
	if len(g.pending) == 0 {
		g.stopTimer()
		return
	}
	if g.timer != nil && g.armedFor == g.expected {
		return
	}
	g.stopTimer()
	g.armedFor = g.expected
	g.timer = time.NewTimer(g.opts.GapTimeout)
}

func (g *Gate[T]) stopTimer() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Gate[T]) drop(e entry[T]) {
	if g.discard != nil && !e.skip {
		g.discard(e.value)
	}
}

func (g *Gate[T]) shutdown() {
	g.stopTimer()
	for _, e := range g.pending {
		g.drop(e)
	}
	g.pending = nil
	for {
		select {
		case e := <-g.input:
			g.drop(e)
		default:
			return
		}
	}
}
