// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package bazaar runs the task auction: publishing against an escrow,
// collecting bids, deterministic winner selection after the voting
// window, and settlement bookkeeping with rating hooks.
package bazaar

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/openclaw/mesh/kv"
	"github.com/openclaw/mesh/metrics"
	"github.com/openclaw/mesh/rating"
)

var log = log15.New("pkg", "bazaar")

var (
	metricPublished = metrics.Counter("bazaar_tasks_published_total")
	metricBids      = metrics.Counter("bazaar_bids_total")
	metricByStatus  = metrics.CounterVec("bazaar_transitions_total", []string{"to"})
)

var taskBucket = kv.Bucket("k")

// DefaultVotingWindow is how long a task collects bids after the first one.
const DefaultVotingWindow = 5 * time.Second

var (
	ErrUnknownTask  = errors.New("unknown task")
	ErrTaskNotOpen  = errors.New("task is not accepting bids")
	ErrDuplicateBid = errors.New("node already bid on task")
	ErrNotCompleted = errors.New("task is not completed")
)

// Stats summarizes the local task view.
type Stats struct {
	Total        int   `json:"total"`
	Open         int   `json:"open"`
	Completed    int   `json:"completed"`
	TotalRewards int64 `json:"totalRewards"`
}

// Bazaar tracks every known task. Mutations persist the task before
// returning; restart rehydrates from the store.
type Bazaar struct {
	mu           sync.RWMutex
	store        kv.GetPutter
	ratings      *rating.Engine
	votingWindow time.Duration

	tasks   map[string]*Task
	settled map[string]bool
}

// New opens the task keyspace of db and rehydrates persisted tasks.
// Tasks already completed are marked settled so restart does not pay
// them twice.
func New(db kv.GetPutter, ratings *rating.Engine, votingWindow time.Duration) (*Bazaar, error) {
	if votingWindow <= 0 {
		votingWindow = DefaultVotingWindow
	}
	b := &Bazaar{
		store:        taskBucket.NewStore(db),
		ratings:      ratings,
		votingWindow: votingWindow,
		tasks:        make(map[string]*Task),
		settled:      make(map[string]bool),
	}
	iter := b.store.NewIterator(kv.Range{})
	defer iter.Release()
	for iter.Next() {
		var task Task
		if err := json.Unmarshal(iter.Value(), &task); err != nil {
			return nil, errors.Wrap(err, "decode task")
		}
		b.tasks[task.TaskID] = &task
		if task.Status == StatusCompleted {
			b.settled[task.TaskID] = true
		}
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "rehydrate tasks")
	}
	return b, nil
}

// Publish creates a task in pending_escrow. The caller funds the escrow
// account through the ledger; OnLedgerAdvance opens the task once the
// funds land.
func (b *Bazaar) Publish(description string, bounty Bounty, tags []string, publisher string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	publishedAt := time.Now().UnixMilli()
	taskID := TaskIDOf(description, publisher, publishedAt)
	if _, ok := b.tasks[taskID]; ok {
		return nil, errors.Errorf("task %s already exists", taskID)
	}
	task := &Task{
		TaskID:          taskID,
		Description:     description,
		Bounty:          bounty,
		Tags:            tags,
		Publisher:       publisher,
		EscrowAccountID: EscrowAccountIDOf(taskID),
		Status:          StatusPendingEscrow,
		Bids:            []Bid{},
		PublishedAt:     publishedAt,
	}
	if err := b.persistLocked(task); err != nil {
		return nil, err
	}
	b.tasks[taskID] = task
	metricPublished.Add(1)
	log.Info("task published", "task", taskID, "bounty", bounty.Amount, "escrow", task.EscrowAccountID)
	return task.clone(), nil
}

// Ingest records a task learned from a peer. Known tasks are left
// untouched; the ledger is the authority for any dispute.
func (b *Bazaar) Ingest(task *Task) error {
	if task.TaskID == "" || task.Bounty.Amount <= 0 {
		return errors.New("malformed task")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.tasks[task.TaskID]; ok {
		return nil
	}
	cp := task.clone()
	if cp.EscrowAccountID == "" {
		cp.EscrowAccountID = EscrowAccountIDOf(cp.TaskID)
	}
	if cp.Status == "" {
		cp.Status = StatusOpen
	}
	if cp.Bids == nil {
		cp.Bids = []Bid{}
	}
	if err := b.persistLocked(cp); err != nil {
		return err
	}
	b.tasks[cp.TaskID] = cp
	return nil
}

// AddBid appends a bid. One bid per node per task; the first bid flips
// the task from open to voting. Bids after assignment are refused.
func (b *Bazaar) AddBid(taskID string, bid Bid) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return nil, ErrUnknownTask
	}
	if task.Status != StatusOpen && task.Status != StatusVoting {
		return nil, ErrTaskNotOpen
	}
	if task.HasBid(bid.NodeID) {
		return nil, ErrDuplicateBid
	}
	task.Bids = append(task.Bids, bid)
	if task.Status == StatusOpen {
		task.Status = StatusVoting
		task.VotingStartedAt = time.Now().UnixMilli()
		metricByStatus.AddWithLabel(1, map[string]string{"to": string(StatusVoting)})
	}
	if err := b.persistLocked(task); err != nil {
		return nil, err
	}
	metricBids.Add(1)
	return task.clone(), nil
}

// DetermineWinner picks the winning bid: lowest amount, earliest
// timestamp, then node id. The same order on every node keeps observers
// in agreement.
func (b *Bazaar) DetermineWinner(taskID string) (*Bid, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return nil, ErrUnknownTask
	}
	if len(task.Bids) == 0 {
		return nil, errors.New("no bids")
	}
	bids := append([]Bid(nil), task.Bids...)
	sort.Slice(bids, func(i, j int) bool {
		if bids[i].Amount != bids[j].Amount {
			return bids[i].Amount < bids[j].Amount
		}
		if bids[i].Timestamp != bids[j].Timestamp {
			return bids[i].Timestamp < bids[j].Timestamp
		}
		return bids[i].NodeID < bids[j].NodeID
	})
	winner := bids[0]
	return &winner, nil
}

// VotingDue returns tasks published by publisher whose voting window
// has elapsed. The publisher assigns them.
func (b *Bazaar) VotingDue(publisher string) []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now().UnixMilli()
	var due []*Task
	for _, task := range b.tasks {
		if task.Status != StatusVoting || task.Publisher != publisher {
			continue
		}
		if now-task.VotingStartedAt >= b.votingWindow.Milliseconds() {
			due = append(due, task.clone())
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TaskID < due[j].TaskID })
	return due
}

// Assign moves a voting task to assigned and freezes its bid list.
func (b *Bazaar) Assign(taskID, nodeID string, assignedAt int64) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return nil, ErrUnknownTask
	}
	if task.terminal() || task.Status == StatusAssigned {
		return nil, errors.Errorf("task %s is %s", taskID, task.Status)
	}
	task.Status = StatusAssigned
	task.AssignedTo = nodeID
	task.AssignedAt = assignedAt
	if err := b.persistLocked(task); err != nil {
		return nil, err
	}
	metricByStatus.AddWithLabel(1, map[string]string{"to": string(StatusAssigned)})
	log.Info("task assigned", "task", taskID, "winner", nodeID)
	return task.clone(), nil
}

// Complete records a finished task and feeds the winner's latency into
// the rating engine. Settlement stays with the caller.
func (b *Bazaar) Complete(taskID, nodeID string, result json.RawMessage, completedAt int64) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return nil, ErrUnknownTask
	}
	if task.terminal() {
		return nil, errors.Errorf("task %s is %s", taskID, task.Status)
	}
	task.Status = StatusCompleted
	task.CompletedBy = nodeID
	task.CompletedAt = completedAt
	task.Result = result
	if err := b.persistLocked(task); err != nil {
		return nil, err
	}
	metricByStatus.AddWithLabel(1, map[string]string{"to": string(StatusCompleted)})

	if b.ratings != nil && task.AssignedAt > 0 && completedAt >= task.AssignedAt {
		if err := b.ratings.RecordCompletion(nodeID, completedAt-task.AssignedAt); err != nil {
			log.Warn("rating update failed", "task", taskID, "err", err)
		}
	}
	log.Info("task completed", "task", taskID, "by", nodeID)
	return task.clone(), nil
}

// Fail records a failed task and charges the worker's rating.
func (b *Bazaar) Fail(taskID, nodeID string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return nil, ErrUnknownTask
	}
	if task.terminal() {
		return nil, errors.Errorf("task %s is %s", taskID, task.Status)
	}
	task.Status = StatusFailed
	if err := b.persistLocked(task); err != nil {
		return nil, err
	}
	metricByStatus.AddWithLabel(1, map[string]string{"to": string(StatusFailed)})

	if b.ratings != nil {
		if err := b.ratings.RecordFailure(nodeID); err != nil {
			log.Warn("rating update failed", "task", taskID, "err", err)
		}
	}
	log.Info("task failed", "task", taskID, "by", nodeID)
	return task.clone(), nil
}

// Like credits the completed task's winner with a like. One like per
// task.
func (b *Bazaar) Like(taskID, likedBy string) error {
	b.mu.RLock()
	task, ok := b.tasks[taskID]
	var winner string
	if ok {
		winner = task.CompletedBy
	}
	completed := ok && task.Status == StatusCompleted
	b.mu.RUnlock()

	if !ok {
		return ErrUnknownTask
	}
	if !completed {
		return ErrNotCompleted
	}
	if b.ratings == nil {
		return nil
	}
	return b.ratings.AddLike(taskID, winner, likedBy)
}

// OnLedgerAdvance promotes pending_escrow tasks whose escrow account
// now holds at least the bounty. Returns the opened tasks.
func (b *Bazaar) OnLedgerAdvance(balanceOf func(account string) int64) []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	var opened []*Task
	for _, task := range b.tasks {
		if task.Status != StatusPendingEscrow {
			continue
		}
		if balanceOf(task.EscrowAccountID) < task.Bounty.Amount {
			continue
		}
		task.Status = StatusOpen
		if err := b.persistLocked(task); err != nil {
			log.Warn("persist task failed", "task", task.TaskID, "err", err)
			continue
		}
		metricByStatus.AddWithLabel(1, map[string]string{"to": string(StatusOpen)})
		log.Info("escrow funded, task open", "task", task.TaskID)
		opened = append(opened, task.clone())
	}
	sort.Slice(opened, func(i, j int) bool { return opened[i].TaskID < opened[j].TaskID })
	return opened
}

// MarkSettled records that the task's escrow release has been emitted.
func (b *Bazaar) MarkSettled(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settled[taskID] = true
}

// NeedsSettlement returns completed tasks not yet settled.
func (b *Bazaar) NeedsSettlement() []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Task
	for _, task := range b.tasks {
		if task.Status == StatusCompleted && !b.settled[task.TaskID] {
			out = append(out, task.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Get returns a copy of the task, or nil.
func (b *Bazaar) Get(taskID string) *Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if task, ok := b.tasks[taskID]; ok {
		return task.clone()
	}
	return nil
}

// Tasks returns copies of every known task, newest first.
func (b *Bazaar) Tasks() []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Task, 0, len(b.tasks))
	for _, task := range b.tasks {
		out = append(out, task.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PublishedAt != out[j].PublishedAt {
			return out[i].PublishedAt > out[j].PublishedAt
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// OpenTasks returns tasks currently accepting bids.
func (b *Bazaar) OpenTasks() []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Task
	for _, task := range b.tasks {
		if task.Status == StatusOpen {
			out = append(out, task.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Stats summarizes the task set.
func (b *Bazaar) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := Stats{Total: len(b.tasks)}
	for _, task := range b.tasks {
		switch task.Status {
		case StatusOpen:
			stats.Open++
		case StatusCompleted:
			stats.Completed++
			stats.TotalRewards += task.Bounty.Amount
		}
	}
	return stats
}

// LockedBalance sums the escrows of publisher's unsettled tasks.
func (b *Bazaar) LockedBalance(publisher string, balanceOf func(account string) int64) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var locked int64
	for _, task := range b.tasks {
		if task.Publisher != publisher || b.settled[task.TaskID] {
			continue
		}
		locked += balanceOf(task.EscrowAccountID)
	}
	return locked
}

func (b *Bazaar) persistLocked(task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "marshal task")
	}
	return errors.Wrap(b.store.Put([]byte(task.TaskID), raw), "store task")
}
