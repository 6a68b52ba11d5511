// Package replay rejects duplicated and replayed packets per source.
package replay

import (
	"sync"
	"time"
)

const WindowSize = 64

type Verdict int

const (
	Accept    Verdict = iota // not seen before
	Duplicate                // seen, bit already set
	TooOld                   // fell off the back of the window
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case TooOld:
		return "too_old"
	default:
		return "unknown"
	}
}

// Window is a 64-entry sliding bitmask over one source's sequence numbers.
// Bit i stands for highest-i.
type Window struct {
	mu           sync.Mutex
	initialized  bool
	highest      uint32
	bitmap       uint64
	lastActivity time.Time
}

func NewWindow() *Window {
	return &Window{lastActivity: time.Now()}
}

// CheckAndMark accepts seq at most once.
func (w *Window) CheckAndMark(seq uint32) bool {
	return w.Check(seq, true) == Accept
}

// IsReplay answers what CheckAndMark would, without recording anything.
func (w *Window) IsReplay(seq uint32) bool {
	return w.Check(seq, false) != Accept
}

func (w *Window) Check(seq uint32, mark bool) Verdict {
	w.mu.Lock()
	defer w.mu.Unlock()

	if mark {
		w.lastActivity = time.Now()
	}

	if !w.initialized {
		if mark {
			w.initialized = true
			w.highest = seq
			w.bitmap = 1
		}
		return Accept
	}

	if seq > w.highest {
		if mark {
			shift := seq - w.highest
			if shift >= WindowSize {
				w.bitmap = 0
			} else {
				w.bitmap <<= shift
			}
			w.bitmap |= 1
			w.highest = seq
		}
		return Accept
	}

	offset := w.highest - seq
	if offset >= WindowSize {
		return TooOld
	}
	bit := uint64(1) << offset
	if w.bitmap&bit != 0 {
		return Duplicate
	}
	if mark {
		w.bitmap |= bit
	}
	return Accept
}

func (w *Window) Highest() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highest
}

func (w *Window) idleSince(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return now.Sub(w.lastActivity)
}
