// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package gossip implements the mesh transport: newline-delimited JSON
// over TCP, flood relay with hop budgets, a TTL'd seen-set for dedupe,
// RTT-ranked fanout selection and point-to-point queries.
package gossip

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"

	"github.com/openclaw/mesh/co"
	"github.com/openclaw/mesh/metrics"
)

var log = log15.New("pkg", "gossip")

var (
	metricMessagesIn  = metrics.CounterVec("gossip_messages_in_total", []string{"kind"})
	metricMessagesOut = metrics.CounterVec("gossip_messages_out_total", []string{"kind"})
	metricDuplicates  = metrics.Counter("gossip_duplicates_total")
	metricMalformed   = metrics.Counter("gossip_malformed_total")
	metricPeerCount   = metrics.Gauge("gossip_peers")
	metricRTT         = metrics.Histogram("gossip_rtt_ms", metrics.BucketMillis10s)
)

const maxFrameSize = 8 << 20

// Options tune the transport. Zero fields fall back to defaults.
type Options struct {
	ListenAddr string
	Bootstrap  []string

	DefaultHops   int
	TaskHops      int
	DefaultFanout int
	TaskFanout    int

	SeenTTL   time.Duration
	SeenLimit int

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	PingExpiry        time.Duration
	QueryTimeout      time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":0"
	}
	if opts.DefaultHops == 0 {
		opts.DefaultHops = 3
	}
	if opts.TaskHops == 0 {
		opts.TaskHops = 4
	}
	if opts.DefaultFanout == 0 {
		opts.DefaultFanout = 6
	}
	if opts.TaskFanout == 0 {
		opts.TaskFanout = 8
	}
	if opts.SeenTTL == 0 {
		opts.SeenTTL = 5 * time.Minute
	}
	if opts.SeenLimit == 0 {
		opts.SeenLimit = 10_000
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.PingExpiry == 0 {
		opts.PingExpiry = 15 * time.Second
	}
	if opts.QueryTimeout == 0 {
		opts.QueryTimeout = 5 * time.Second
	}
	return opts
}

// Handler consumes delivered messages. fromID names the peer the message
// arrived from. Handlers must not block for long; they run on the peer's
// read loop.
type Handler func(msg *Message, fromID string)

type pendingPing struct {
	peerID string
	sentAt time.Time
}

// Node is a gossip transport endpoint.
type Node struct {
	nodeID  string
	opts    Options
	handler Handler

	listener net.Listener
	port     int

	peers *peerSet
	seen  *seenSet

	pingMu sync.Mutex
	pings  map[string]pendingPing

	queryMu sync.Mutex
	queries map[string]chan json.RawMessage

	goes     co.Goes
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a node. SetHandler must be called before Start.
func New(nodeID string, opts Options) (*Node, error) {
	opts = opts.withDefaults()
	seen, err := newSeenSet(opts.SeenLimit, opts.SeenTTL)
	if err != nil {
		return nil, errors.Wrap(err, "create seen set")
	}
	return &Node{
		nodeID:  nodeID,
		opts:    opts,
		peers:   newPeerSet(),
		seen:    seen,
		pings:   make(map[string]pendingPing),
		queries: make(map[string]chan json.RawMessage),
		done:    make(chan struct{}),
	}, nil
}

// SetHandler installs the message consumer.
func (n *Node) SetHandler(h Handler) {
	n.handler = h
}

// NodeID returns this node's identity.
func (n *Node) NodeID() string {
	return n.nodeID
}

// Port returns the bound listen port once started.
func (n *Node) Port() int {
	return n.port
}

// PeerCount returns the number of live connections.
func (n *Node) PeerCount() int {
	return n.peers.len()
}

// Peers returns a snapshot of live peers.
func (n *Node) Peers() []PeerInfo {
	return n.peers.snapshot()
}

// Start binds the listener, dials the bootstrap addresses and launches
// the accept and heartbeat loops.
func (n *Node) Start() error {
	listener, err := net.Listen("tcp", n.opts.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", n.opts.ListenAddr)
	}
	n.listener = listener
	n.port = listener.Addr().(*net.TCPAddr).Port
	log.Info("transport up", "addr", listener.Addr(), "node", n.nodeID)

	n.goes.Go(n.acceptLoop)
	n.goes.Go(n.heartbeatLoop)
	for _, addr := range n.opts.Bootstrap {
		addr := addr
		n.goes.Go(func() { n.dial(addr) })
	}
	return nil
}

// Stop tears down the listener and all peer connections and waits for
// the loops to exit.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.done)
		if n.listener != nil {
			n.listener.Close()
		}
		for _, p := range n.peers.all() {
			p.Disconnect()
		}
	})
	n.goes.Wait()
}

// Connect dials addr and runs the connection. Used for bootstrap peers
// and operator-initiated joins.
func (n *Node) Connect(addr string) {
	n.goes.Go(func() { n.dial(addr) })
}

func (n *Node) dial(addr string) {
	conn, err := net.DialTimeout("tcp", addr, n.opts.HandshakeTimeout)
	if err != nil {
		log.Debug("dial failed", "addr", addr, "err", err)
		return
	}
	n.serveConn(conn, false)
}

func (n *Node) acceptLoop() {
	var backoff time.Duration
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.done:
				return
			default:
			}
			// temporary failures (fd exhaustion) must not spin the loop hot
			if backoff < time.Second {
				backoff += 50 * time.Millisecond
			}
			log.Debug("accept failed", "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-n.done:
				return
			}
			continue
		}
		backoff = 0
		n.goes.Go(func() { n.serveConn(conn, true) })
	}
}

// serveConn runs a connection until EOF or teardown. Both sides open with
// a handshake; a peer that stays silent past the handshake timeout is cut.
func (n *Node) serveConn(conn net.Conn, inbound bool) {
	peer := newPeer(conn, inbound)
	n.peers.add(peer)
	metricPeerCount.Set(int64(n.peers.len()))
	defer func() {
		peer.Disconnect()
		n.peers.remove(peer)
		metricPeerCount.Set(int64(n.peers.len()))
	}()

	n.goes.Go(peer.writeLoop)

	guard := time.AfterFunc(n.opts.HandshakeTimeout, func() {
		if !peer.Handshaked() {
			log.Debug("handshake timed out", "addr", peer.Addr())
			peer.Disconnect()
		}
	})
	defer guard.Stop()

	n.sendTo(peer, &Message{
		Type:      KindHandshake,
		NodeID:    n.nodeID,
		Port:      n.port,
		Timestamp: time.Now().UnixMilli(),
	})

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			metricMalformed.Add(1)
			log.Debug("malformed frame", "peer", peer.ID(), "err", err)
			continue
		}
		peer.touch()
		n.dispatch(peer, &msg)
	}
	if err := scanner.Err(); err != nil {
		log.Debug("connection closed", "peer", peer.ID(), "err", err)
	}
}

func (n *Node) dispatch(peer *Peer, msg *Message) {
	metricMessagesIn.AddWithLabel(1, map[string]string{"kind": msg.Type})

	switch msg.Type {
	case KindHandshake:
		n.handleHandshake(peer, msg)
		return
	case KindPing:
		n.handlePing(peer, msg)
		return
	case KindPong:
		n.handlePong(msg)
		return
	case KindQueryResponse:
		if !n.resolveQuery(msg.RequestID, msg.Payload) {
			// the waiter already timed out; a late reply has nowhere to go
			log.Debug("unmatched query response", "peer", peer.ID(), "request", msg.RequestID)
		}
		return
	}

	if msg.MessageID != "" && n.seen.CheckAndMark(msg.MessageID) {
		metricDuplicates.Add(1)
		return
	}

	if n.handler != nil {
		n.handler(msg, peer.ID())
	}
	if relayable(msg.Type) {
		n.relay(peer.ID(), msg)
	}
}

func (n *Node) handleHandshake(peer *Peer, msg *Message) {
	if msg.NodeID == "" || msg.NodeID == n.nodeID {
		peer.Disconnect()
		return
	}
	oldID := peer.ID()
	if !peer.setIdentity(msg.NodeID) {
		return
	}
	if dropped := n.peers.rekey(oldID, peer); dropped != nil {
		log.Debug("superseding connection", "node", msg.NodeID)
		dropped.Disconnect()
	}
	log.Debug("peer handshaked", "node", msg.NodeID, "addr", peer.Addr())
	if peer.inbound {
		n.sendTo(peer, &Message{
			Type:      KindHandshake,
			NodeID:    n.nodeID,
			Port:      n.port,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

func (n *Node) handlePing(peer *Peer, msg *Message) {
	var ping pingPayload
	if err := json.Unmarshal(msg.Payload, &ping); err != nil {
		return
	}
	pong, _ := json.Marshal(pingPayload{PingID: ping.PingID, Timestamp: time.Now().UnixMilli()})
	n.sendTo(peer, &Message{Type: KindPong, Payload: pong, Timestamp: time.Now().UnixMilli()})
}

func (n *Node) handlePong(msg *Message) {
	var pong pingPayload
	if err := json.Unmarshal(msg.Payload, &pong); err != nil {
		return
	}
	n.pingMu.Lock()
	pending, ok := n.pings[pong.PingID]
	delete(n.pings, pong.PingID)
	n.pingMu.Unlock()
	if !ok {
		return
	}
	if p := n.peers.get(pending.peerID); p != nil {
		rtt := time.Since(pending.sentAt).Milliseconds()
		p.setRTT(rtt)
		metricRTT.Observe(rtt)
	}
}

// relay floods msg onward, decrementing the hop budget. A message that
// arrives with no budget left is delivered but goes no further.
func (n *Node) relay(fromID string, msg *Message) {
	hops := n.hopsFor(msg.Type)
	if msg.HopsLeft != nil {
		hops = *msg.HopsLeft
	}
	next := hops - 1
	if next < 0 {
		return
	}
	out := *msg
	out.HopsLeft = &next
	n.fanOut(&out, fromID)
}

func (n *Node) fanOut(msg *Message, exclude string) {
	frame, err := encodeFrame(msg)
	if err != nil {
		log.Warn("encode frame", "kind", msg.Type, "err", err)
		return
	}
	for _, p := range n.peers.selectForRelay(n.fanoutFor(msg.Type), exclude) {
		p.Send(frame)
		metricMessagesOut.AddWithLabel(1, map[string]string{"kind": msg.Type})
	}
}

func (n *Node) hopsFor(kind string) int {
	if isTaskKind(kind) {
		return n.opts.TaskHops
	}
	return n.opts.DefaultHops
}

func (n *Node) fanoutFor(kind string) int {
	if isTaskKind(kind) {
		return n.opts.TaskFanout
	}
	return n.opts.DefaultFanout
}

// Broadcast floods a new message into the mesh. The message id is marked
// seen locally so echoes do not come back around.
func (n *Node) Broadcast(kind string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	hops := n.hopsFor(kind)
	msg := &Message{
		Type:      kind,
		Payload:   raw,
		MessageID: uuid.New(),
		HopsLeft:  &hops,
		NodeID:    n.nodeID,
		Timestamp: time.Now().UnixMilli(),
	}
	n.seen.CheckAndMark(msg.MessageID)
	n.fanOut(msg, "")
	return nil
}

// SendToPeer delivers a message to one peer only, without flooding.
func (n *Node) SendToPeer(peerID string, msg *Message) error {
	p := n.peers.get(peerID)
	if p == nil {
		return errors.Errorf("no such peer %s", peerID)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	n.sendTo(p, msg)
	return nil
}

// Query sends a request to one peer and waits for the matching
// query_response, up to the query timeout.
func (n *Node) Query(peerID string, payload interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal query")
	}
	requestID := uuid.New()
	ch := make(chan json.RawMessage, 1)
	n.queryMu.Lock()
	n.queries[requestID] = ch
	n.queryMu.Unlock()
	defer func() {
		n.queryMu.Lock()
		delete(n.queries, requestID)
		n.queryMu.Unlock()
	}()

	if err := n.SendToPeer(peerID, &Message{
		Type:      KindQuery,
		Payload:   raw,
		RequestID: requestID,
		NodeID:    n.nodeID,
	}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(n.opts.QueryTimeout):
		return nil, errors.Errorf("query to %s timed out", peerID)
	case <-n.done:
		return nil, errors.New("transport stopped")
	}
}

// Respond answers a query received from peerID.
func (n *Node) Respond(peerID, requestID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal response")
	}
	return n.SendToPeer(peerID, &Message{
		Type:      KindQueryResponse,
		Payload:   raw,
		RequestID: requestID,
		NodeID:    n.nodeID,
	})
}

func (n *Node) resolveQuery(requestID string, payload json.RawMessage) bool {
	if requestID == "" {
		return false
	}
	n.queryMu.Lock()
	ch, ok := n.queries[requestID]
	delete(n.queries, requestID)
	n.queryMu.Unlock()
	if ok {
		ch <- payload
	}
	return ok
}

// heartbeatLoop pings every peer on an interval and expires pings that
// never came back. A peer that misses a pong keeps its stale RTT; the
// dead connection surfaces through the write path.
func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(n.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.expirePings()
			n.pingPeers()
		case <-n.done:
			return
		}
	}
}

func (n *Node) pingPeers() {
	for _, p := range n.peers.all() {
		if !p.Handshaked() {
			continue
		}
		pingID := uuid.New()
		n.pingMu.Lock()
		n.pings[pingID] = pendingPing{peerID: p.ID(), sentAt: time.Now()}
		n.pingMu.Unlock()
		raw, _ := json.Marshal(pingPayload{PingID: pingID, Timestamp: time.Now().UnixMilli()})
		n.sendTo(p, &Message{Type: KindPing, Payload: raw, Timestamp: time.Now().UnixMilli()})
	}
}

func (n *Node) expirePings() {
	cutoff := time.Now().Add(-n.opts.PingExpiry)
	n.pingMu.Lock()
	for id, pending := range n.pings {
		if pending.sentAt.Before(cutoff) {
			delete(n.pings, id)
		}
	}
	n.pingMu.Unlock()
}

func (n *Node) sendTo(p *Peer, msg *Message) {
	frame, err := encodeFrame(msg)
	if err != nil {
		log.Warn("encode frame", "kind", msg.Type, "err", err)
		return
	}
	p.Send(frame)
	metricMessagesOut.AddWithLabel(1, map[string]string{"kind": msg.Type})
}

func encodeFrame(msg *Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}
