// Package peer keeps the table of peers heard through heartbeats.
package peer

import (
	"context"
	"maps"
	"sync"
	"time"

	"meshcast/internal/dataType"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StaleFactor times the heartbeat interval is how long a silent peer is kept.
const StaleFactor = 3

type EventKind int

const (
	PeerDiscovered EventKind = iota
	PeerEvicted
)

func (k EventKind) String() string {
	if k == PeerDiscovered {
		return "discovered"
	}
	return "evicted"
}

type Event struct {
	Kind EventKind
	Peer dataType.RemotePeer
}

type Options struct {
	Interval   time.Duration // zero disables the heartbeat loop
	LocalID    uuid.UUID
	DeviceName string
	Metadata   map[string]string
}

// SendFunc broadcasts a heartbeat.
type SendFunc func(ctx context.Context, hb dataType.HeartbeatMessage) error

type Manager struct {
	opts    Options
	table   *dataType.PeerTable
	send    SendFunc
	onTick  func()
	log     *zap.Logger
	started time.Time
	now     func() time.Time

	obsMu     sync.RWMutex
	observers map[int]func(Event)
	nextObs   int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(opts Options, table *dataType.PeerTable, send SendFunc, onTick func(), log *zap.Logger) *Manager {
	if table == nil {
		table = dataType.NewPeerTable()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		opts:      opts,
		table:     table,
		send:      send,
		onTick:    onTick,
		log:       log,
		started:   time.Now(),
		now:       time.Now,
		observers: make(map[int]func(Event)),
	}
}

// Subscribe registers fn for discovery and eviction events.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

func (m *Manager) notify(ev Event) {
	m.obsMu.RLock()
	fns := make([]func(Event), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// HandleHeartbeat records hb. Heartbeats carrying localID are our own
// loopback and are ignored.
func (m *Manager) HandleHeartbeat(hb dataType.HeartbeatMessage, localID uuid.UUID) {
	if hb.SourceID == localID || hb.SourceID == uuid.Nil {
		return
	}
	p := dataType.RemotePeer{
		SourceID:   hb.SourceID.String(),
		DeviceName: hb.DeviceName,
		LastSeen:   m.now(),
		Uptime:     time.Duration(hb.UptimeSeconds) * time.Second,
		Metadata:   hb.Metadata,
	}
	if m.table.Upsert(p) {
		m.log.Info("peer discovered",
			zap.String("source_id", p.SourceID),
			zap.String("device", p.DeviceName))
		m.notify(Event{Kind: PeerDiscovered, Peer: p})
	}
}

// EvictStale drops peers silent for longer than StaleFactor intervals.
func (m *Manager) EvictStale() []dataType.RemotePeer {
	if m.opts.Interval <= 0 {
		return nil
	}
	evicted := m.table.EvictOlderThan(m.now().Add(-StaleFactor * m.opts.Interval))
	for _, p := range evicted {
		m.log.Info("peer evicted",
			zap.String("source_id", p.SourceID),
			zap.Time("last_seen", p.LastSeen))
		m.notify(Event{Kind: PeerEvicted, Peer: p})
	}
	return evicted
}

func (m *Manager) Peers() []dataType.RemotePeer {
	return m.table.GetSnapshot()
}

func (m *Manager) Table() *dataType.PeerTable {
	return m.table
}

func (m *Manager) Heartbeat() dataType.HeartbeatMessage {
	return dataType.HeartbeatMessage{
		SourceID:      m.opts.LocalID,
		DeviceName:    m.opts.DeviceName,
		UptimeSeconds: int64(m.now().Sub(m.started) / time.Second),
		Metadata:      maps.Clone(m.opts.Metadata),
	}
}

// Start launches the heartbeat loop. Without an interval it does nothing.
func (m *Manager) Start(ctx context.Context) {
	if m.opts.Interval <= 0 {
		return
	}
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	if m.send != nil {
		if err := m.send(ctx, m.Heartbeat()); err != nil && ctx.Err() == nil {
			m.log.Warn("heartbeat send failed", zap.Error(err))
		}
	}
	if m.onTick != nil {
		m.onTick()
	}
	m.EvictStale()
}

// Stop ends the loop and waits for it, at most timeout.
func (m *Manager) Stop(timeout time.Duration) bool {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.runMu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
