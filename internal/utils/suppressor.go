package utils

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type suppressEntry struct {
	count      int
	suppressed int
	lastReport time.Time
}

// Suppressor rate limits repetitive log lines per key: the first Limit
// occurrences are written, then one notice, then at most one summary line
// per Interval carrying the number of lines swallowed meanwhile.
type Suppressor struct {
	mu       sync.Mutex
	log      *zap.Logger
	limit    int
	interval time.Duration
	entries  map[string]*suppressEntry
	now      func() time.Time
}

func NewSuppressor(log *zap.Logger, limit int, interval time.Duration) *Suppressor {
	if limit <= 0 {
		limit = 5
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Suppressor{
		log:      log,
		limit:    limit,
		interval: interval,
		entries:  make(map[string]*suppressEntry),
		now:      time.Now,
	}
}

func (s *Suppressor) Warn(key, msg string, fields ...zap.Field) {
	s.write(zapcore.WarnLevel, key, msg, fields)
}

func (s *Suppressor) Debug(key, msg string, fields ...zap.Field) {
	s.write(zapcore.DebugLevel, key, msg, fields)
}

func (s *Suppressor) write(level zapcore.Level, key, msg string, fields []zap.Field) {
	now := s.now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &suppressEntry{}
		s.entries[key] = e
	}
	e.count++
	var emit, notice bool
	var swallowed int
	switch {
	case e.count <= s.limit:
		emit = true
	case e.count == s.limit+1:
		notice = true
		e.lastReport = now
	case now.Sub(e.lastReport) >= s.interval:
		swallowed = e.suppressed + 1
		e.suppressed = 0
		e.lastReport = now
	default:
		e.suppressed++
	}
	s.mu.Unlock()

	switch {
	case emit:
		s.log.Check(level, msg).Write(fields...)
	case notice:
		s.log.Check(level, msg+" (further occurrences suppressed)").Write(append(fields, zap.String("suppress_key", key))...)
	case swallowed > 0:
		s.log.Check(level, msg+" (suppressed)").Write(append(fields, zap.String("suppress_key", key), zap.Int("suppressed", swallowed))...)
	}
}

// Reset forgets all counters, e.g. after a flood has ended.
func (s *Suppressor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*suppressEntry)
}
