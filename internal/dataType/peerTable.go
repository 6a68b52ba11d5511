package dataType

import (
	"maps"
	"sort"
	"sync"
	"time"
)

type RemotePeer struct {
	SourceID   string
	DeviceName string
	LastSeen   time.Time
	Uptime     time.Duration
	Metadata   map[string]string
}

type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]*RemotePeer
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers: make(map[string]*RemotePeer),
	}
}

// Upsert records a heartbeat from peer. It reports whether the peer was new.
func (pt *PeerTable) Upsert(peer RemotePeer) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if existing, ok := pt.peers[peer.SourceID]; ok {
		// A late heartbeat must not move LastSeen backwards
		if peer.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = peer.LastSeen
		}
		existing.DeviceName = peer.DeviceName
		existing.Uptime = peer.Uptime
		existing.Metadata = maps.Clone(peer.Metadata)
		return false
	}

	p := peer
	p.Metadata = maps.Clone(peer.Metadata)
	pt.peers[peer.SourceID] = &p
	return true
}

func (pt *PeerTable) Get(sourceID string) (RemotePeer, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p, ok := pt.peers[sourceID]
	if !ok {
		return RemotePeer{}, false
	}
	return p.copy(), true
}

func (pt *PeerTable) Remove(sourceID string) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if _, ok := pt.peers[sourceID]; !ok {
		return false
	}
	delete(pt.peers, sourceID)
	return true
}

func (pt *PeerTable) Len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.peers)
}

// EvictOlderThan removes every peer last seen before cutoff and returns them.
// Each peer is returned by exactly one call.
func (pt *PeerTable) EvictOlderThan(cutoff time.Time) []RemotePeer {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	var evicted []RemotePeer
	for id, p := range pt.peers {
		if p.LastSeen.Before(cutoff) {
			evicted = append(evicted, p.copy())
			delete(pt.peers, id)
		}
	}
	return evicted
}

// GetSnapshot returns copies of all known peers ordered by source id
func (pt *PeerTable) GetSnapshot() []RemotePeer {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	snapshot := make([]RemotePeer, 0, len(pt.peers))
	for _, p := range pt.peers {
		snapshot = append(snapshot, p.copy())
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].SourceID < snapshot[j].SourceID })
	return snapshot
}

func (p *RemotePeer) copy() RemotePeer {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	return c
}
