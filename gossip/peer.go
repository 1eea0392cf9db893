// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package gossip

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	peerSendQueueLen = 256
	peerWriteTimeout = 10 * time.Second
)

// Peer is a live connection to a neighbor. Until the handshake lands it is
// keyed by remote address; afterwards by the neighbor's node id.
type Peer struct {
	conn    net.Conn
	inbound bool

	mu         sync.Mutex
	id         string
	handshaked bool

	sendCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// rtt in milliseconds, -1 until the first pong lands
	rtt      int64
	lastSeen int64
}

func newPeer(conn net.Conn, inbound bool) *Peer {
	p := &Peer{
		conn:    conn,
		inbound: inbound,
		id:      conn.RemoteAddr().String(),
		sendCh:  make(chan []byte, peerSendQueueLen),
		closed:  make(chan struct{}),
		rtt:     -1,
	}
	p.touch()
	return p
}

// ID returns the node id once handshaked, otherwise the remote address.
func (p *Peer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// Handshaked reports whether the peer has identified itself.
func (p *Peer) Handshaked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshaked
}

// setIdentity records the node id learned from the handshake. It returns
// false when the peer already handshaked, so duplicate handshakes are inert.
func (p *Peer) setIdentity(nodeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handshaked {
		return false
	}
	p.id = nodeID
	p.handshaked = true
	return true
}

// Addr returns the remote address of the connection.
func (p *Peer) Addr() string {
	return p.conn.RemoteAddr().String()
}

// RTT returns the last measured round trip in milliseconds, -1 if none.
func (p *Peer) RTT() int64 {
	return atomic.LoadInt64(&p.rtt)
}

func (p *Peer) setRTT(ms int64) {
	atomic.StoreInt64(&p.rtt, ms)
}

// LastSeen returns the unix-milli time of the last inbound traffic.
func (p *Peer) LastSeen() int64 {
	return atomic.LoadInt64(&p.lastSeen)
}

func (p *Peer) touch() {
	atomic.StoreInt64(&p.lastSeen, time.Now().UnixMilli())
}

// Send queues a wire frame. A full queue means the peer cannot keep up,
// so the connection is dropped instead of blocking the caller.
func (p *Peer) Send(frame []byte) {
	select {
	case p.sendCh <- frame:
	case <-p.closed:
	default:
		p.Disconnect()
	}
}

// Disconnect closes the connection. Idempotent.
func (p *Peer) Disconnect() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}

// writeLoop drains the send queue onto the socket. Each frame already
// carries its trailing newline.
func (p *Peer) writeLoop() {
	for {
		select {
		case frame := <-p.sendCh:
			p.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
			if _, err := p.conn.Write(frame); err != nil {
				p.Disconnect()
				return
			}
		case <-p.closed:
			return
		}
	}
}
