// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package worker runs the node's side of the auction: it bids on open
// tasks, resolves voting windows for tasks this node published, and
// delivers packaged results for tasks it wins. Content generation is a
// stub; the deliverable pipeline is real.
package worker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/openclaw/mesh/bazaar"
	"github.com/openclaw/mesh/co"
	"github.com/openclaw/mesh/gossip"
	"github.com/openclaw/mesh/metrics"
	"github.com/openclaw/mesh/rating"
)

var log = log15.New("pkg", "worker")

var (
	metricBidsSent  = metrics.Counter("worker_bids_sent_total")
	metricAssigned  = metrics.Counter("worker_assignments_total")
	metricDelivered = metrics.Counter("worker_deliveries_total")
)

const (
	// DefaultBidInterval is the open-task scan cadence.
	DefaultBidInterval = 10 * time.Second
	// DefaultVoteInterval is the voting-outcome scan cadence.
	DefaultVoteInterval = 5 * time.Second
	// bidFraction of the bounty is offered on each bid.
	bidFraction = 0.9
)

// Broadcaster emits messages into the mesh.
type Broadcaster interface {
	Broadcast(kind string, payload interface{}) error
}

// Options tune the worker's cadences. Zero fields take defaults.
type Options struct {
	BidInterval  time.Duration
	VoteInterval time.Duration
}

// Worker drives bidding and task execution for one node.
type Worker struct {
	nodeID    string
	accountID string
	bazaar    *bazaar.Bazaar
	ratings   *rating.Engine
	out       Broadcaster
	opts      Options

	mu      sync.Mutex
	bidding map[string]bool
	active  map[string]bool

	goes     co.Goes
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a worker. accountID is the account behind nodeID; the
// bazaar keys publishers by account.
func New(nodeID, accountID string, bz *bazaar.Bazaar, ratings *rating.Engine, out Broadcaster, opts Options) *Worker {
	if opts.BidInterval <= 0 {
		opts.BidInterval = DefaultBidInterval
	}
	if opts.VoteInterval <= 0 {
		opts.VoteInterval = DefaultVoteInterval
	}
	return &Worker{
		nodeID:    nodeID,
		accountID: accountID,
		bazaar:    bz,
		ratings:   ratings,
		out:       out,
		opts:      opts,
		bidding:   make(map[string]bool),
		active:    make(map[string]bool),
		done:      make(chan struct{}),
	}
}

// Start launches the bidding and voting loops.
func (w *Worker) Start() {
	w.goes.Go(func() { w.loop(w.opts.BidInterval, w.scanOpenTasks) })
	w.goes.Go(func() { w.loop(w.opts.VoteInterval, w.resolveVoting) })
}

// Stop terminates the loops and waits for them.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.goes.Wait()
}

func (w *Worker) loop(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-w.done:
			return
		}
	}
}

// scanOpenTasks places one bid per eligible open task at 90% of the
// bounty. A node disqualified by its rating sits out.
func (w *Worker) scanOpenTasks() {
	if w.ratings != nil {
		dq, err := w.ratings.IsDisqualified(w.nodeID)
		if err != nil {
			log.Warn("rating check failed", "err", err)
			return
		}
		if dq {
			return
		}
	}

	for _, task := range w.bazaar.OpenTasks() {
		w.mu.Lock()
		skip := w.bidding[task.TaskID] || w.active[task.TaskID]
		if !skip {
			w.bidding[task.TaskID] = true
		}
		w.mu.Unlock()
		if skip || task.Publisher == w.accountID || task.HasBid(w.nodeID) {
			continue
		}

		bid := bazaar.Bid{
			NodeID:    w.nodeID,
			Amount:    int64(float64(task.Bounty.Amount) * bidFraction),
			Timestamp: time.Now().UnixMilli(),
		}
		if _, err := w.bazaar.AddBid(task.TaskID, bid); err != nil {
			log.Debug("local bid refused", "task", task.TaskID, "err", err)
			continue
		}
		if err := w.out.Broadcast(gossip.KindTaskBid, bazaar.BidMessage{TaskID: task.TaskID, Bid: bid}); err != nil {
			log.Warn("bid broadcast failed", "task", task.TaskID, "err", err)
			continue
		}
		metricBidsSent.Add(1)
		log.Info("bid placed", "task", task.TaskID, "amount", bid.Amount)
	}
}

// resolveVoting assigns tasks this node published whose voting window
// has elapsed, and broadcasts the outcome.
func (w *Worker) resolveVoting() {
	for _, task := range w.bazaar.VotingDue(w.accountID) {
		winner, err := w.bazaar.DetermineWinner(task.TaskID)
		if err != nil {
			log.Debug("no winner yet", "task", task.TaskID, "err", err)
			continue
		}
		assignedAt := time.Now().UnixMilli()
		if _, err := w.bazaar.Assign(task.TaskID, winner.NodeID, assignedAt); err != nil {
			log.Warn("assign failed", "task", task.TaskID, "err", err)
			continue
		}
		msg := bazaar.AssignedMessage{TaskID: task.TaskID, AssignedTo: winner.NodeID, AssignedAt: assignedAt}
		if err := w.out.Broadcast(gossip.KindTaskAssigned, msg); err != nil {
			log.Warn("assignment broadcast failed", "task", task.TaskID, "err", err)
		}
		w.HandleAssigned(task.TaskID, winner.NodeID)
	}
}

// HandleAssigned reacts to a task_assigned outcome, local or remote.
// Winning starts the work; losing drops the task from the bidding set.
func (w *Worker) HandleAssigned(taskID, assignedTo string) {
	w.mu.Lock()
	delete(w.bidding, taskID)
	if assignedTo == w.nodeID {
		w.active[taskID] = true
	}
	w.mu.Unlock()

	if assignedTo != w.nodeID {
		return
	}
	metricAssigned.Add(1)
	w.goes.Go(func() { w.execute(taskID) })
}

// execute produces the deliverable and broadcasts completion. The task
// body is a stub; packaging and settlement signaling are the contract.
func (w *Worker) execute(taskID string) {
	defer func() {
		w.mu.Lock()
		delete(w.active, taskID)
		w.mu.Unlock()
	}()

	task := w.bazaar.Get(taskID)
	if task == nil {
		return
	}

	result := json.RawMessage(`{"summary":"auto-completed"}`)
	pkg, err := BuildPackage(taskID, result)
	if err != nil {
		log.Warn("packaging failed", "task", taskID, "err", err)
		w.reportFailure(taskID)
		return
	}

	completedAt := time.Now().UnixMilli()
	if _, err := w.bazaar.Complete(taskID, w.nodeID, result, completedAt); err != nil {
		log.Warn("local completion refused", "task", taskID, "err", err)
		return
	}
	msg := bazaar.CompletedMessage{TaskID: taskID, NodeID: w.nodeID, Result: result, Package: pkg}
	if err := w.out.Broadcast(gossip.KindTaskCompleted, msg); err != nil {
		log.Warn("completion broadcast failed", "task", taskID, "err", err)
		return
	}
	metricDelivered.Add(1)
	log.Info("task delivered", "task", taskID, "package", pkg.FileName, "bytes", pkg.Size)
}

func (w *Worker) reportFailure(taskID string) {
	if _, err := w.bazaar.Fail(taskID, w.nodeID); err != nil {
		log.Warn("local failure refused", "task", taskID, "err", err)
	}
	msg := bazaar.FailedMessage{TaskID: taskID, NodeID: w.nodeID}
	if err := w.out.Broadcast(gossip.KindTaskFailed, msg); err != nil {
		log.Warn("failure broadcast failed", "task", taskID, "err", err)
	}
}
