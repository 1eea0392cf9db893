// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package mesh

import "sync"

// Event is a coordinator state change pushed to subscribers (the
// operator websocket feed).
type Event struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data,omitempty"`
}

// Event kinds.
const (
	EventLedgerAdvance = "ledger_advance"
	EventTaskUpdate    = "task_update"
	EventCapsule       = "capsule"
)

// eventHub fans events out to subscribers. Slow subscribers lose
// events rather than stalling the coordinator.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan Event]struct{})}
}

func (h *eventHub) subscribe() chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *eventHub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
