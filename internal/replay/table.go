package replay

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type windowShard struct {
	mu      sync.RWMutex
	windows map[string]*Window
}

// windowTable maps source ids to windows. Shards keep unrelated sources off
// each other's locks; each window still serializes its own updates.
type windowTable struct {
	shards     []*windowShard
	shardCount uint64
}

func newWindowTable(shardCount int) *windowTable {
	if shardCount <= 0 {
		shardCount = 1
	}
	wt := &windowTable{
		shards:     make([]*windowShard, shardCount),
		shardCount: uint64(shardCount),
	}
	for i := range wt.shards {
		wt.shards[i] = &windowShard{windows: make(map[string]*Window)}
	}
	return wt
}

func (wt *windowTable) shard(source string) *windowShard {
	return wt.shards[xxhash.Sum64String(source)%wt.shardCount]
}

func (wt *windowTable) get(source string) (*Window, bool) {
	s := wt.shard(source)
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[source]
	return w, ok
}

func (wt *windowTable) getOrCreate(source string) *Window {
	if w, ok := wt.get(source); ok {
		return w
	}
	s := wt.shard(source)
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[source]; ok {
		return w
	}
	w := NewWindow()
	s.windows[source] = w
	return w
}

func (wt *windowTable) len() int {
	n := 0
	for _, s := range wt.shards {
		s.mu.RLock()
		n += len(s.windows)
		s.mu.RUnlock()
	}
	return n
}

func (wt *windowTable) cleanup(now time.Time, idle time.Duration) int {
	removed := 0
	for _, s := range wt.shards {
		s.mu.Lock()
		for source, w := range s.windows {
			if w.idleSince(now) > idle {
				delete(s.windows, source)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
