// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package mesh wires the transport to the domain components: it maps
// gossip messages onto ledger, bazaar and capsule operations, runs the
// follower sync and re-broadcast workers, and exposes the user-facing
// actions.
package mesh

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pborman/uuid"

	"github.com/openclaw/mesh/bazaar"
	"github.com/openclaw/mesh/capsule"
	"github.com/openclaw/mesh/co"
	"github.com/openclaw/mesh/gossip"
	"github.com/openclaw/mesh/ledger"
	"github.com/openclaw/mesh/metrics"
	"github.com/openclaw/mesh/rating"
	"github.com/openclaw/mesh/wallet"
	"github.com/openclaw/mesh/worker"
)

var log = log15.New("pkg", "mesh")

var (
	metricUnknownKinds = metrics.CounterVec("mesh_unknown_kinds_total", []string{"kind"})
	metricHandlerDrops = metrics.CounterVec("mesh_handler_drops_total", []string{"kind"})
	metricSettlements  = metrics.Counter("mesh_settlements_total")
)

// Options tune the coordinator. Zero fields take defaults.
type Options struct {
	// Confirmations is the target confirmation count of user actions.
	Confirmations uint64
	// ActionTimeout bounds each user action's confirmation wait.
	ActionTimeout time.Duration
	// PublishFee, when positive, is transferred to the platform account
	// on each publish.
	PublishFee int64

	SyncInterval       time.Duration
	FullResyncInterval time.Duration
	RebroadcastMin     time.Duration
	RebroadcastMax     time.Duration
	BatchLimit         int
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}
	if opts.ActionTimeout == 0 {
		opts.ActionTimeout = 10 * time.Second
	}
	if opts.SyncInterval == 0 {
		opts.SyncInterval = 5 * time.Second
	}
	if opts.FullResyncInterval == 0 {
		opts.FullResyncInterval = 60 * time.Second
	}
	if opts.RebroadcastMin == 0 {
		opts.RebroadcastMin = 2 * time.Second
	}
	if opts.RebroadcastMax == 0 {
		opts.RebroadcastMax = 15 * time.Second
	}
	if opts.BatchLimit == 0 {
		opts.BatchLimit = 200
	}
	return opts
}

// pendingTx is a follower-submitted transaction awaiting its slot in
// the replicated log.
type pendingTx struct {
	tx       *ledger.Transaction
	nextAt   time.Time
	interval time.Duration
}

// Coordinator owns the node's event loop.
type Coordinator struct {
	wallet   *wallet.Wallet
	node     *gossip.Node
	ledger   *ledger.Ledger
	capsules *capsule.Store
	bazaar   *bazaar.Bazaar
	ratings  *rating.Engine
	worker   *worker.Worker
	opts     Options
	events   *eventHub

	pendingMu  sync.Mutex
	pending    map[string]*pendingTx
	rejections map[string]*TxResult

	nonceMu   sync.Mutex
	lastNonce uint64

	goes     co.Goes
	done     chan struct{}
	stopOnce sync.Once
}

// New wires a coordinator over the given components and installs it as
// the transport's message handler.
func New(w *wallet.Wallet, node *gossip.Node, lgr *ledger.Ledger, caps *capsule.Store,
	bz *bazaar.Bazaar, ratings *rating.Engine, opts Options) *Coordinator {
	c := &Coordinator{
		wallet:     w,
		node:       node,
		ledger:     lgr,
		capsules:   caps,
		bazaar:     bz,
		ratings:    ratings,
		opts:       opts.withDefaults(),
		events:     newEventHub(),
		pending:    make(map[string]*pendingTx),
		rejections: make(map[string]*TxResult),
		done:       make(chan struct{}),
	}
	node.SetHandler(c.handleMessage)
	return c
}

// SetWorker attaches the task worker so assignment outcomes reach it.
// Must be called before Start.
func (c *Coordinator) SetWorker(w *worker.Worker) {
	c.worker = w
}

// Start launches the background workers: follower sync and
// re-broadcast loops, or the leader's settlement loop.
func (c *Coordinator) Start() {
	if c.ledger.IsLeader() {
		c.goes.Go(c.settlementLoop)
	} else {
		c.goes.Go(c.syncLoop)
		c.goes.Go(c.rebroadcastLoop)
	}
}

// Stop terminates the workers and waits for them.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.goes.Wait()
}

// Subscribe returns a channel of coordinator events. Callers must
// Unsubscribe when done.
func (c *Coordinator) Subscribe() chan Event {
	return c.events.subscribe()
}

// Unsubscribe releases an event channel.
func (c *Coordinator) Unsubscribe(ch chan Event) {
	c.events.unsubscribe(ch)
}

// NodeID returns the local node identity.
func (c *Coordinator) NodeID() string {
	return c.wallet.NodeID()
}

// AccountID returns the local account.
func (c *Coordinator) AccountID() string {
	return c.wallet.AccountID()
}

// handleMessage is the transport handler: it maps each message kind to
// its component operation. Unknown kinds are dropped with a counter.
func (c *Coordinator) handleMessage(msg *gossip.Message, fromID string) {
	var err error
	switch msg.Type {
	case gossip.KindCapsule:
		err = c.handleCapsule(msg)
	case gossip.KindTask:
		err = c.handleTask(msg)
	case gossip.KindTaskBid:
		err = c.handleTaskBid(msg)
	case gossip.KindTaskAssigned:
		err = c.handleTaskAssigned(msg)
	case gossip.KindTaskCompleted:
		err = c.handleTaskCompleted(msg)
	case gossip.KindTaskFailed:
		err = c.handleTaskFailed(msg)
	case gossip.KindTaskLike:
		err = c.handleTaskLike(msg)
	case gossip.KindTx:
		err = c.handleTx(msg, fromID)
	case gossip.KindTxResult:
		err = c.handleTxResult(msg)
	case gossip.KindTxLog:
		err = c.handleTxLog(msg, fromID)
	case gossip.KindTxLogRequest:
		err = c.handleTxLogRequest(msg, fromID)
	case gossip.KindTxLogBatch:
		err = c.handleTxLogBatch(msg, fromID)
	case gossip.KindLedgerHeadRequest:
		err = c.handleLedgerHeadRequest(msg, fromID)
	case gossip.KindLedgerHeadResponse:
		err = c.handleLedgerHeadResponse(msg, fromID)
	case gossip.KindQuery:
		err = c.handleQuery(msg, fromID)
	default:
		metricUnknownKinds.AddWithLabel(1, map[string]string{"kind": msg.Type})
		log.Debug("unknown message kind", "kind", msg.Type, "from", fromID)
		return
	}
	if err != nil {
		metricHandlerDrops.AddWithLabel(1, map[string]string{"kind": msg.Type})
		log.Debug("message dropped", "kind", msg.Type, "from", fromID, "err", err)
	}
}

// reply sends a point-to-point message with an exhausted hop budget so
// the receiver delivers it without relaying.
func (c *Coordinator) reply(peerID, kind string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	hops := 0
	return c.node.SendToPeer(peerID, &gossip.Message{
		Type:      kind,
		Payload:   raw,
		MessageID: uuid.New(),
		HopsLeft:  &hops,
	})
}

func (c *Coordinator) handleCapsule(msg *gossip.Message) error {
	var rec capsule.Record
	if err := json.Unmarshal(msg.Payload, &rec); err != nil {
		return err
	}
	// peer capsules arrive without content; keep it that way
	rec.Content = nil
	if _, err := c.capsules.Put(&rec); err != nil {
		return err
	}
	c.events.publish(Event{Kind: EventCapsule, Data: rec.PublicView()})
	return nil
}

func (c *Coordinator) handleTask(msg *gossip.Message) error {
	var task bazaar.Task
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return err
	}
	if err := c.bazaar.Ingest(&task); err != nil {
		return err
	}
	c.events.publish(Event{Kind: EventTaskUpdate, Data: c.bazaar.Get(task.TaskID)})
	return nil
}

func (c *Coordinator) handleTaskBid(msg *gossip.Message) error {
	var bid bazaar.BidMessage
	if err := json.Unmarshal(msg.Payload, &bid); err != nil {
		return err
	}
	task, err := c.bazaar.AddBid(bid.TaskID, bid.Bid)
	if err == bazaar.ErrDuplicateBid || err == bazaar.ErrTaskNotOpen {
		return nil
	}
	if err != nil {
		return err
	}
	c.events.publish(Event{Kind: EventTaskUpdate, Data: task})
	return nil
}

func (c *Coordinator) handleTaskAssigned(msg *gossip.Message) error {
	var assigned bazaar.AssignedMessage
	if err := json.Unmarshal(msg.Payload, &assigned); err != nil {
		return err
	}
	task, err := c.bazaar.Assign(assigned.TaskID, assigned.AssignedTo, assigned.AssignedAt)
	if err != nil {
		return err
	}
	if c.worker != nil {
		c.worker.HandleAssigned(assigned.TaskID, assigned.AssignedTo)
	}
	c.events.publish(Event{Kind: EventTaskUpdate, Data: task})
	return nil
}

func (c *Coordinator) handleTaskCompleted(msg *gossip.Message) error {
	var completed bazaar.CompletedMessage
	if err := json.Unmarshal(msg.Payload, &completed); err != nil {
		return err
	}
	completedAt := msg.Timestamp
	if completedAt == 0 {
		completedAt = time.Now().UnixMilli()
	}
	task, err := c.bazaar.Complete(completed.TaskID, completed.NodeID, completed.Result, completedAt)
	if err != nil {
		return err
	}
	c.events.publish(Event{Kind: EventTaskUpdate, Data: task})
	return nil
}

func (c *Coordinator) handleTaskFailed(msg *gossip.Message) error {
	var failed bazaar.FailedMessage
	if err := json.Unmarshal(msg.Payload, &failed); err != nil {
		return err
	}
	task, err := c.bazaar.Fail(failed.TaskID, failed.NodeID)
	if err != nil {
		return err
	}
	c.events.publish(Event{Kind: EventTaskUpdate, Data: task})
	return nil
}

func (c *Coordinator) handleTaskLike(msg *gossip.Message) error {
	var like bazaar.LikeMessage
	if err := json.Unmarshal(msg.Payload, &like); err != nil {
		return err
	}
	err := c.bazaar.Like(like.TaskID, like.LikedBy)
	if err == rating.ErrDuplicateLike {
		return nil
	}
	return err
}

// handleTx is the leader's intake of follower-submitted transactions.
// The verdict goes back to the submitting peer as a tx_result; accepted
// entries are flooded as tx_log.
func (c *Coordinator) handleTx(msg *gossip.Message, fromID string) error {
	if !c.ledger.IsLeader() {
		return nil
	}
	var tx ledger.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		return err
	}
	entry, err := c.ledger.SubmitLocalAsLeader(&tx)
	if err != nil {
		// a nonce from the future means earlier transactions are still in
		// flight; stay silent and let the submitter re-broadcast
		if ledger.CodeOf(err) == ledger.ErrBadNonce && tx.Nonce >= c.ledger.NextNonce(tx.From) {
			return nil
		}
		result := &TxResult{TxID: tx.TxID, Accepted: false, Reason: string(ledger.CodeOf(err))}
		if rej, ok := err.(*ledger.Rejection); ok {
			result.Detail = rej.Detail
		}
		if ledger.CodeOf(err) == ledger.ErrDuplicateTx {
			// already in the log: report success so the submitter stops
			result = &TxResult{TxID: tx.TxID, Accepted: true, Seq: 0}
		}
		return c.reply(fromID, gossip.KindTxResult, result)
	}
	if err := c.reply(fromID, gossip.KindTxResult, &TxResult{TxID: entry.TxID, Accepted: true, Seq: entry.Seq}); err != nil {
		log.Debug("tx_result send failed", "peer", fromID, "err", err)
	}
	if err := c.node.Broadcast(gossip.KindTxLog, entry); err != nil {
		log.Warn("tx_log broadcast failed", "err", err)
	}
	c.onLedgerAdvance()
	return nil
}

func (c *Coordinator) handleTxResult(msg *gossip.Message) error {
	var result TxResult
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return err
	}
	if result.Accepted {
		return nil
	}
	c.pendingMu.Lock()
	if _, ok := c.pending[result.TxID]; ok {
		delete(c.pending, result.TxID)
		c.rejections[result.TxID] = &result
	}
	c.pendingMu.Unlock()
	// a retired transaction leaves a nonce hole; fall back to the
	// ledger projection for the next reservation
	c.nonceMu.Lock()
	c.lastNonce = 0
	c.nonceMu.Unlock()
	log.Warn("transaction rejected by leader", "tx", result.TxID, "reason", result.Reason)
	return nil
}

func (c *Coordinator) handleTxLog(msg *gossip.Message, fromID string) error {
	if c.ledger.IsLeader() {
		return nil
	}
	var entry ledger.Entry
	if err := json.Unmarshal(msg.Payload, &entry); err != nil {
		return err
	}
	err := c.ledger.ApplyRemoteEntry(&entry)
	if err == nil {
		c.onLedgerAdvance()
		return nil
	}
	switch ledger.CodeOf(err) {
	case ledger.ErrOutOfOrder:
		c.requestGap(fromID)
		return nil
	case ledger.ErrDuplicateTx:
		return nil
	default:
		return err
	}
}

func (c *Coordinator) handleTxLogRequest(msg *gossip.Message, fromID string) error {
	var req TxLogRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return err
	}
	limit := req.Limit
	if limit <= 0 || limit > c.opts.BatchLimit {
		limit = c.opts.BatchLimit
	}
	entries, lastSeq, hasMore, err := c.ledger.EntriesSince(req.SinceSeq, limit)
	if err != nil {
		return err
	}
	return c.reply(fromID, gossip.KindTxLogBatch, &TxLogBatch{
		Entries: entries,
		LastSeq: lastSeq,
		HasMore: hasMore,
	})
}

func (c *Coordinator) handleTxLogBatch(msg *gossip.Message, fromID string) error {
	if c.ledger.IsLeader() {
		return nil
	}
	var batch TxLogBatch
	if err := json.Unmarshal(msg.Payload, &batch); err != nil {
		return err
	}
	advanced := false
	for _, entry := range batch.Entries {
		err := c.ledger.ApplyRemoteEntry(entry)
		if err == nil {
			advanced = true
			continue
		}
		switch ledger.CodeOf(err) {
		case ledger.ErrDuplicateTx, ledger.ErrOutOfOrder:
		default:
			log.Debug("batch entry refused", "seq", entry.Seq, "err", err)
		}
	}
	if advanced {
		c.onLedgerAdvance()
	}
	if batch.HasMore && batch.LastSeq > c.ledger.LastSeq() {
		c.requestGap(fromID)
	}
	return nil
}

func (c *Coordinator) handleLedgerHeadRequest(msg *gossip.Message, fromID string) error {
	return c.reply(fromID, gossip.KindLedgerHeadResponse, &LedgerHead{LastSeq: c.ledger.LastSeq()})
}

func (c *Coordinator) handleLedgerHeadResponse(msg *gossip.Message, fromID string) error {
	var head LedgerHead
	if err := json.Unmarshal(msg.Payload, &head); err != nil {
		return err
	}
	if head.LastSeq > c.ledger.LastSeq() {
		c.requestGap(fromID)
	}
	return nil
}

// handleQuery answers peer capsule queries with public views.
func (c *Coordinator) handleQuery(msg *gossip.Message, fromID string) error {
	var query CapsuleQuery
	if err := json.Unmarshal(msg.Payload, &query); err != nil {
		return err
	}
	records, err := c.capsules.Query(capsule.Filter{
		Type:          query.Type,
		Tags:          query.Tags,
		Text:          query.Text,
		MinConfidence: query.MinConfidence,
		Limit:         query.Limit,
	})
	if err != nil {
		return err
	}
	views := make([]*capsule.Record, 0, len(records))
	for _, rec := range records {
		views = append(views, rec.PublicView())
	}
	return c.node.Respond(fromID, msg.RequestID, &CapsuleQueryResponse{Capsules: views})
}

// requestGap asks peerID for entries after the local head.
func (c *Coordinator) requestGap(peerID string) {
	if err := c.reply(peerID, gossip.KindTxLogRequest, &TxLogRequest{SinceSeq: c.ledger.LastSeq()}); err != nil {
		log.Debug("gap request failed", "peer", peerID, "err", err)
	}
}

// onLedgerAdvance runs after every successful apply: funded escrows
// open their tasks, satisfied pending transactions retire, and the new
// head goes out to subscribers.
func (c *Coordinator) onLedgerAdvance() {
	for _, task := range c.bazaar.OnLedgerAdvance(c.ledger.Balance) {
		c.events.publish(Event{Kind: EventTaskUpdate, Data: task})
	}

	c.pendingMu.Lock()
	for txID := range c.pending {
		if c.ledger.Confirmations(txID) > 0 {
			delete(c.pending, txID)
		}
	}
	c.pendingMu.Unlock()

	c.events.publish(Event{Kind: EventLedgerAdvance, Data: &LedgerHead{LastSeq: c.ledger.LastSeq()}})
}
