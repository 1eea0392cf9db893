// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package bazaar

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/mesh/lvldb"
	"github.com/openclaw/mesh/rating"
)

func newTestBazaar(t *testing.T) (*Bazaar, *rating.Engine) {
	db, err := lvldb.NewMem()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ratings, err := rating.NewMem(rating.DefaultParams)
	require.NoError(t, err)
	t.Cleanup(ratings.Close)

	b, err := New(db, ratings, 10*time.Millisecond)
	require.NoError(t, err)
	return b, ratings
}

func publishOpenTask(t *testing.T, b *Bazaar, bounty int64) *Task {
	t.Helper()
	task, err := b.Publish("resize the images", Bounty{Amount: bounty, Token: "CLAW"}, nil, "acct_publisher000001")
	require.NoError(t, err)

	funded := map[string]int64{task.EscrowAccountID: bounty}
	opened := b.OnLedgerAdvance(func(a string) int64 { return funded[a] })
	require.Len(t, opened, 1)
	return opened[0]
}

func TestDeterministicIDs(t *testing.T) {
	id := TaskIDOf("desc", "acct_p", 1700000000000)
	assert.Equal(t, id, TaskIDOf("desc", "acct_p", 1700000000000))
	assert.NotEqual(t, id, TaskIDOf("desc", "acct_p", 1700000000001))
	assert.Len(t, id, len("task_")+16)

	escrow := EscrowAccountIDOf(id)
	assert.Equal(t, escrow, EscrowAccountIDOf(id))
	assert.Len(t, escrow, len("escrow_")+24)
}

func TestEscrowPromotion(t *testing.T) {
	b, _ := newTestBazaar(t)
	task, err := b.Publish("index the corpus", Bounty{Amount: 300, Token: "CLAW"}, []string{"infra"}, "acct_publisher000001")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingEscrow, task.Status)

	// underfunded escrow keeps the task pending
	opened := b.OnLedgerAdvance(func(string) int64 { return 299 })
	assert.Empty(t, opened)
	assert.Equal(t, StatusPendingEscrow, b.Get(task.TaskID).Status)

	opened = b.OnLedgerAdvance(func(string) int64 { return 300 })
	require.Len(t, opened, 1)
	assert.Equal(t, StatusOpen, opened[0].Status)
}

func TestBidding(t *testing.T) {
	b, _ := newTestBazaar(t)
	task := publishOpenTask(t, b, 300)

	got, err := b.AddBid(task.TaskID, Bid{NodeID: "node_a", Amount: 270, Timestamp: 10})
	require.NoError(t, err)
	assert.Equal(t, StatusVoting, got.Status)
	assert.NotZero(t, got.VotingStartedAt)

	// duplicate (taskId, nodeId) is refused
	_, err = b.AddBid(task.TaskID, Bid{NodeID: "node_a", Amount: 200, Timestamp: 11})
	assert.Equal(t, ErrDuplicateBid, err)

	got, err = b.AddBid(task.TaskID, Bid{NodeID: "node_b", Amount: 250, Timestamp: 12})
	require.NoError(t, err)
	assert.Len(t, got.Bids, 2)

	_, err = b.AddBid("task_missing", Bid{NodeID: "node_c", Amount: 1, Timestamp: 13})
	assert.Equal(t, ErrUnknownTask, err)
}

func TestWinnerSelection(t *testing.T) {
	b, _ := newTestBazaar(t)
	task := publishOpenTask(t, b, 300)

	_, err := b.AddBid(task.TaskID, Bid{NodeID: "node_late", Amount: 250, Timestamp: 20})
	require.NoError(t, err)
	_, err = b.AddBid(task.TaskID, Bid{NodeID: "node_early", Amount: 250, Timestamp: 10})
	require.NoError(t, err)
	_, err = b.AddBid(task.TaskID, Bid{NodeID: "node_pricey", Amount: 280, Timestamp: 5})
	require.NoError(t, err)

	// lowest amount wins; earliest timestamp breaks the tie
	winner, err := b.DetermineWinner(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "node_early", winner.NodeID)
}

func TestBidsFrozenAfterAssignment(t *testing.T) {
	b, _ := newTestBazaar(t)
	task := publishOpenTask(t, b, 300)
	_, err := b.AddBid(task.TaskID, Bid{NodeID: "node_a", Amount: 270, Timestamp: 10})
	require.NoError(t, err)

	_, err = b.Assign(task.TaskID, "node_a", time.Now().UnixMilli())
	require.NoError(t, err)

	_, err = b.AddBid(task.TaskID, Bid{NodeID: "node_b", Amount: 100, Timestamp: 11})
	assert.Equal(t, ErrTaskNotOpen, err)
	assert.Len(t, b.Get(task.TaskID).Bids, 1)
}

func TestVotingDue(t *testing.T) {
	b, _ := newTestBazaar(t)
	task := publishOpenTask(t, b, 300)
	_, err := b.AddBid(task.TaskID, Bid{NodeID: "node_a", Amount: 270, Timestamp: 10})
	require.NoError(t, err)

	assert.Empty(t, b.VotingDue("acct_other"))

	time.Sleep(20 * time.Millisecond)
	due := b.VotingDue("acct_publisher000001")
	require.Len(t, due, 1)
	assert.Equal(t, task.TaskID, due[0].TaskID)
}

func TestCompletionFeedsRating(t *testing.T) {
	b, ratings := newTestBazaar(t)
	task := publishOpenTask(t, b, 300)
	_, err := b.AddBid(task.TaskID, Bid{NodeID: "node_a", Amount: 270, Timestamp: 10})
	require.NoError(t, err)

	assignedAt := time.Now().UnixMilli()
	_, err = b.Assign(task.TaskID, "node_a", assignedAt)
	require.NoError(t, err)

	got, err := b.Complete(task.TaskID, "node_a", json.RawMessage(`{"ok":true}`), assignedAt+1000)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "node_a", got.CompletedBy)

	rec, err := ratings.Get("node_a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Completed)

	// completed tasks surface for settlement exactly once
	require.Len(t, b.NeedsSettlement(), 1)
	b.MarkSettled(task.TaskID)
	assert.Empty(t, b.NeedsSettlement())
}

func TestFailureFeedsRating(t *testing.T) {
	b, ratings := newTestBazaar(t)
	task := publishOpenTask(t, b, 300)
	_, err := b.AddBid(task.TaskID, Bid{NodeID: "node_a", Amount: 270, Timestamp: 10})
	require.NoError(t, err)
	_, err = b.Assign(task.TaskID, "node_a", time.Now().UnixMilli())
	require.NoError(t, err)

	got, err := b.Fail(task.TaskID, "node_a")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	rec, err := ratings.Get("node_a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Failed)
}

func TestLike(t *testing.T) {
	b, ratings := newTestBazaar(t)
	task := publishOpenTask(t, b, 300)
	_, err := b.AddBid(task.TaskID, Bid{NodeID: "node_a", Amount: 270, Timestamp: 10})
	require.NoError(t, err)

	// likes only land on completed tasks
	assert.Equal(t, ErrNotCompleted, b.Like(task.TaskID, "node_fan"))

	assignedAt := time.Now().UnixMilli()
	_, err = b.Assign(task.TaskID, "node_a", assignedAt)
	require.NoError(t, err)
	_, err = b.Complete(task.TaskID, "node_a", nil, assignedAt+10)
	require.NoError(t, err)

	require.NoError(t, b.Like(task.TaskID, "node_fan"))
	assert.Equal(t, rating.ErrDuplicateLike, b.Like(task.TaskID, "node_other"))

	rec, err := ratings.Get("node_a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Likes)
}

func TestRehydration(t *testing.T) {
	db, err := lvldb.NewMem()
	require.NoError(t, err)
	defer db.Close()

	ratings, err := rating.NewMem(rating.DefaultParams)
	require.NoError(t, err)
	defer ratings.Close()

	b, err := New(db, ratings, time.Second)
	require.NoError(t, err)
	task, err := b.Publish("hydrate me", Bounty{Amount: 100, Token: "CLAW"}, nil, "acct_publisher000001")
	require.NoError(t, err)
	opened := b.OnLedgerAdvance(func(string) int64 { return 100 })
	require.Len(t, opened, 1)
	_, err = b.AddBid(task.TaskID, Bid{NodeID: "node_a", Amount: 90, Timestamp: 1})
	require.NoError(t, err)
	_, err = b.Assign(task.TaskID, "node_a", 1)
	require.NoError(t, err)
	_, err = b.Complete(task.TaskID, "node_a", nil, 2)
	require.NoError(t, err)

	reopened, err := New(db, ratings, time.Second)
	require.NoError(t, err)
	got := reopened.Get(task.TaskID)
	require.NotNil(t, got)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "node_a", got.CompletedBy)
	// completed tasks come back settled
	assert.Empty(t, reopened.NeedsSettlement())
}

func TestStatsAndLockedBalance(t *testing.T) {
	b, _ := newTestBazaar(t)
	open := publishOpenTask(t, b, 300)
	pending, err := b.Publish("still pending", Bounty{Amount: 50, Token: "CLAW"}, nil, "acct_publisher000001")
	require.NoError(t, err)

	stats := b.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Open)
	assert.Equal(t, 0, stats.Completed)

	balances := map[string]int64{
		open.EscrowAccountID:    300,
		pending.EscrowAccountID: 0,
	}
	locked := b.LockedBalance("acct_publisher000001", func(a string) int64 { return balances[a] })
	assert.Equal(t, int64(300), locked)
}

func TestIngest(t *testing.T) {
	b, _ := newTestBazaar(t)

	remote := &Task{
		TaskID:      "task_remote000000001",
		Description: "from a peer",
		Bounty:      Bounty{Amount: 40, Token: "CLAW"},
		Publisher:   "acct_remote000000001",
		Status:      StatusOpen,
		PublishedAt: time.Now().UnixMilli(),
	}
	require.NoError(t, b.Ingest(remote))
	got := b.Get(remote.TaskID)
	require.NotNil(t, got)
	assert.Equal(t, EscrowAccountIDOf(remote.TaskID), got.EscrowAccountID)

	// second ingest with a mutated copy is ignored
	mutated := remote.clone()
	mutated.Bounty.Amount = 9999
	require.NoError(t, b.Ingest(mutated))
	assert.Equal(t, int64(40), b.Get(remote.TaskID).Bounty.Amount)

	assert.Error(t, b.Ingest(&Task{TaskID: "", Bounty: Bounty{Amount: 1}}))
}
