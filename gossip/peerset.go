// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package gossip

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// PeerInfo is a read-only snapshot of a live peer.
type PeerInfo struct {
	NodeID     string `json:"nodeId"`
	Addr       string `json:"addr"`
	RTTMillis  int64  `json:"rttMs"`
	LastSeen   int64  `json:"lastSeen"`
	Handshaked bool   `json:"handshaked"`
}

// peerSet indexes live peers by id. Pre-handshake peers sit under their
// remote address and get re-keyed when the handshake identifies them.
type peerSet struct {
	mu    sync.Mutex
	peers map[string]*Peer
	rng   *rand.Rand
}

func newPeerSet() *peerSet {
	return &peerSet{
		peers: make(map[string]*Peer),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (ps *peerSet) add(p *Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.peers[p.ID()] = p
}

// rekey moves a peer from its provisional address key to its node id.
// A previous connection under the same node id is superseded.
func (ps *peerSet) rekey(oldID string, p *Peer) (dropped *Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.peers, oldID)
	if prev, ok := ps.peers[p.ID()]; ok && prev != p {
		dropped = prev
	}
	ps.peers[p.ID()] = p
	return
}

func (ps *peerSet) remove(p *Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.peers[p.ID()] == p {
		delete(ps.peers, p.ID())
	}
}

func (ps *peerSet) get(id string) *Peer {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.peers[id]
}

func (ps *peerSet) len() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.peers)
}

func (ps *peerSet) all() []*Peer {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p)
	}
	return out
}

// selectForRelay picks up to fanout handshaked peers, lowest RTT first.
// Peers without a measurement follow in random order so new neighbors
// still get traffic.
func (ps *peerSet) selectForRelay(fanout int, exclude string) []*Peer {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	var measured, unmeasured []*Peer
	for id, p := range ps.peers {
		if id == exclude || !p.Handshaked() {
			continue
		}
		if p.RTT() >= 0 {
			measured = append(measured, p)
		} else {
			unmeasured = append(unmeasured, p)
		}
	}
	sort.Slice(measured, func(i, j int) bool {
		return measured[i].RTT() < measured[j].RTT()
	})
	ps.rng.Shuffle(len(unmeasured), func(i, j int) {
		unmeasured[i], unmeasured[j] = unmeasured[j], unmeasured[i]
	})

	picked := append(measured, unmeasured...)
	if len(picked) > fanout {
		picked = picked[:fanout]
	}
	return picked
}

// snapshot returns peer infos for the operator surface.
func (ps *peerSet) snapshot() []PeerInfo {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]PeerInfo, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, PeerInfo{
			NodeID:     p.ID(),
			Addr:       p.Addr(),
			RTTMillis:  p.RTT(),
			LastSeen:   p.LastSeen(),
			Handshaked: p.Handshaked(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
