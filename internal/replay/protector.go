package replay

import (
	"context"
	"time"

	"meshcast/internal/dataType"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultReplayWindow  = 5 * time.Minute
	DefaultMaxFutureSkew = 2 * time.Minute
	DefaultIdleTimeout   = 10 * time.Minute
	DefaultAckBurst      = 10
	DefaultAckRefill     = rate.Limit(1)

	tableShards = 32
)

type Reason string

const (
	ReasonAccepted  Reason = "accepted"
	ReasonExpired   Reason = "expired"
	ReasonFuture    Reason = "future"
	ReasonDuplicate Reason = "duplicate"
	ReasonTooOld    Reason = "too_old"
)

type Options struct {
	ReplayWindow  time.Duration // max message age
	MaxFutureSkew time.Duration
	IdleTimeout   time.Duration // windows and limiters unused this long are dropped
	AckBurst      int
	AckRefill     rate.Limit
}

func (o *Options) applyDefaults() {
	if o.ReplayWindow <= 0 {
		o.ReplayWindow = DefaultReplayWindow
	}
	if o.MaxFutureSkew <= 0 {
		o.MaxFutureSkew = DefaultMaxFutureSkew
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.AckBurst <= 0 {
		o.AckBurst = DefaultAckBurst
	}
	if o.AckRefill <= 0 {
		o.AckRefill = DefaultAckRefill
	}
}

// Protector combines message age checks, a replay window per source and an
// ack rate limiter per source.
type Protector struct {
	opts     Options
	windows  *windowTable
	limiters *dataType.RateLimiterTable
	log      *zap.Logger
	now      func() time.Time
}

func NewProtector(opts Options, log *zap.Logger) *Protector {
	opts.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Protector{
		opts:     opts,
		windows:  newWindowTable(tableShards),
		limiters: dataType.NewRateLimiterTable(tableShards, opts.AckRefill, opts.AckBurst),
		log:      log,
		now:      time.Now,
	}
}

// IsValid checks the send time against the allowed age and skew, then records
// senderSequence in the source's window.
func (p *Protector) IsValid(env *dataType.Envelope, senderSequence uint32) (bool, Reason) {
	if ok, reason := p.CheckAge(env); !ok {
		return false, reason
	}

	w := p.windows.getOrCreate(env.Source.ID.String())
	switch w.Check(senderSequence, true) {
	case Duplicate:
		return false, ReasonDuplicate
	case TooOld:
		return false, ReasonTooOld
	}
	return true, ReasonAccepted
}

// CheckAge applies only the send-time checks. It serves messages that carry
// no sender sequence.
func (p *Protector) CheckAge(env *dataType.Envelope) (bool, Reason) {
	now := p.now()
	sent := env.SendTime()
	if now.Sub(sent) > p.opts.ReplayWindow {
		return false, ReasonExpired
	}
	if sent.Sub(now) > p.opts.MaxFutureSkew {
		return false, ReasonFuture
	}
	return true, ReasonAccepted
}

// IsReplay reports whether senderSequence from source would be rejected by
// its window, without recording it.
func (p *Protector) IsReplay(sourceID string, senderSequence uint32) bool {
	w, ok := p.windows.get(sourceID)
	if !ok {
		return false
	}
	return w.IsReplay(senderSequence)
}

// CheckAckRateLimit takes one token from the source's ack bucket.
func (p *Protector) CheckAckRateLimit(sourceID string) bool {
	return p.limiters.Allow(sourceID)
}

func (p *Protector) TrackedSources() int {
	return p.windows.len()
}

func (p *Protector) Cleanup() {
	windows := p.windows.cleanup(p.now(), p.opts.IdleTimeout)
	limiters := p.limiters.GC(p.opts.IdleTimeout)
	if windows > 0 || limiters > 0 {
		p.log.Debug("replay state cleaned up",
			zap.Int("windows", windows),
			zap.Int("limiters", limiters))
	}
}

// Run calls Cleanup every interval until ctx is done.
func (p *Protector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}
