// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package mesh

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/mesh/bazaar"
	"github.com/openclaw/mesh/capsule"
	"github.com/openclaw/mesh/gossip"
	"github.com/openclaw/mesh/ledger"
	"github.com/openclaw/mesh/lvldb"
	"github.com/openclaw/mesh/rating"
	"github.com/openclaw/mesh/wallet"
	"github.com/openclaw/mesh/worker"
)

type testNode struct {
	wallet *wallet.Wallet
	node   *gossip.Node
	ledger *ledger.Ledger
	coord  *Coordinator
	bazaar *bazaar.Bazaar
	worker *worker.Worker
}

func startTestNode(t *testing.T, isLeader bool, supply int64, bootstrap ...string) *testNode {
	t.Helper()

	w, err := wallet.Generate()
	require.NoError(t, err)

	db, err := lvldb.NewMem()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	lgr, err := ledger.New(db)
	require.NoError(t, err)
	if isLeader {
		require.NoError(t, lgr.Initialize(true, w, supply))
	} else {
		require.NoError(t, lgr.Initialize(false, nil, 0))
	}

	ratings, err := rating.NewMem(rating.DefaultParams)
	require.NoError(t, err)
	t.Cleanup(ratings.Close)

	bz, err := bazaar.New(db, ratings, 100*time.Millisecond)
	require.NoError(t, err)

	node, err := gossip.New(w.NodeID(), gossip.Options{
		ListenAddr: "127.0.0.1:0",
		Bootstrap:  bootstrap,
	})
	require.NoError(t, err)

	coord := New(w, node, lgr, capsule.NewStore(db), bz, ratings, Options{
		Confirmations:      1,
		ActionTimeout:      5 * time.Second,
		SyncInterval:       100 * time.Millisecond,
		FullResyncInterval: time.Hour,
		RebroadcastMin:     100 * time.Millisecond,
		RebroadcastMax:     time.Second,
	})
	wk := worker.New(w.NodeID(), w.AccountID(), bz, ratings, node, worker.Options{
		BidInterval:  100 * time.Millisecond,
		VoteInterval: 100 * time.Millisecond,
	})
	coord.SetWorker(wk)

	require.NoError(t, node.Start())
	coord.Start()
	t.Cleanup(func() {
		wk.Stop()
		coord.Stop()
		node.Stop()
	})

	return &testNode{wallet: w, node: node, ledger: lgr, coord: coord, bazaar: bz, worker: wk}
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (n *testNode) addr() string {
	return fmt.Sprintf("127.0.0.1:%d", n.node.Port())
}

func TestFollowerSyncsGenesis(t *testing.T) {
	leader := startTestNode(t, true, 1_000_000)
	follower := startTestNode(t, false, 0, leader.addr())

	waitUntil(t, 5*time.Second, "genesis sync", func() bool {
		return follower.ledger.LastSeq() >= 1
	})
	assert.Equal(t, int64(1_000_000), follower.ledger.Balance(leader.wallet.AccountID()))
	assert.Equal(t, leader.wallet.PublicKeyPEM(), follower.ledger.LeaderKeyPEM())
}

func TestLeaderTransferReachesFollower(t *testing.T) {
	leader := startTestNode(t, true, 1_000_000)
	follower := startTestNode(t, false, 0, leader.addr())

	receipt, err := leader.coord.Transfer(follower.wallet.AccountID(), 500)
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed)
	assert.Equal(t, int64(999_500), leader.ledger.Balance(leader.wallet.AccountID()))

	waitUntil(t, 5*time.Second, "transfer replication", func() bool {
		return follower.ledger.Balance(follower.wallet.AccountID()) == 500
	})
}

func TestFollowerSubmitsTransfer(t *testing.T) {
	leader := startTestNode(t, true, 1_000_000)
	follower := startTestNode(t, false, 0, leader.addr())

	_, err := leader.coord.Transfer(follower.wallet.AccountID(), 500)
	require.NoError(t, err)
	waitUntil(t, 5*time.Second, "funding", func() bool {
		return follower.ledger.Balance(follower.wallet.AccountID()) == 500
	})

	// follower emission: broadcast tx, leader appends, tx_log comes back
	receipt, err := follower.coord.Transfer(leader.wallet.AccountID(), 100)
	require.NoError(t, err)
	assert.True(t, receipt.Confirmed)
	assert.Equal(t, int64(400), follower.ledger.Balance(follower.wallet.AccountID()))
	assert.Equal(t, int64(999_600), leader.ledger.Balance(leader.wallet.AccountID()))
}

func TestRejectionRetiresPendingTx(t *testing.T) {
	leader := startTestNode(t, true, 1_000)
	follower := startTestNode(t, false, 0, leader.addr())
	waitUntil(t, 5*time.Second, "genesis sync", func() bool {
		return follower.ledger.LastSeq() >= 1
	})

	tx := ledger.NewTransfer(follower.wallet.AccountID(), leader.wallet.AccountID(), 10, 1)
	require.NoError(t, tx.Sign(follower.wallet))
	follower.coord.pendingMu.Lock()
	follower.coord.pending[tx.TxID] = &pendingTx{tx: tx, nextAt: time.Now(), interval: time.Second}
	follower.coord.pendingMu.Unlock()

	raw, err := json.Marshal(&TxResult{TxID: tx.TxID, Accepted: false, Reason: string(ledger.ErrInsufficientBalance)})
	require.NoError(t, err)
	require.NoError(t, follower.coord.handleTxResult(&gossip.Message{Type: gossip.KindTxResult, Payload: raw}))

	follower.coord.pendingMu.Lock()
	_, stillPending := follower.coord.pending[tx.TxID]
	follower.coord.pendingMu.Unlock()
	assert.False(t, stillPending)

	receipt := follower.coord.waitForConfirmations(tx.TxID, 100*time.Millisecond)
	assert.False(t, receipt.Confirmed)
	assert.Equal(t, string(ledger.ErrInsufficientBalance), receipt.Reason)
}

func TestTaskLifecycleEndToEnd(t *testing.T) {
	leader := startTestNode(t, true, 1_000_000)
	follower := startTestNode(t, false, 0, leader.addr())
	waitUntil(t, 5*time.Second, "genesis sync", func() bool {
		return follower.ledger.LastSeq() >= 1
	})

	// only the follower bids; the leader publishes
	leader.worker.Start()
	follower.worker.Start()

	result, err := leader.coord.PublishTask("compress the archive", bazaar.Bounty{Amount: 300, Token: "CLAW"}, nil)
	require.NoError(t, err)
	require.Len(t, result.Receipts, 1)
	assert.True(t, result.Receipts[0].Confirmed)
	taskID := result.Task.TaskID

	// escrow funded on the leader's ledger
	escrow := result.Task.EscrowAccountID
	assert.Equal(t, int64(300), leader.ledger.Balance(escrow))

	waitUntil(t, 10*time.Second, "task completion", func() bool {
		task := leader.bazaar.Get(taskID)
		return task != nil && task.Status == bazaar.StatusCompleted
	})
	task := leader.bazaar.Get(taskID)
	assert.Equal(t, follower.wallet.NodeID(), task.CompletedBy)

	// leader releases the escrow to the winner's account
	waitUntil(t, 10*time.Second, "settlement", func() bool {
		return leader.ledger.Balance(follower.wallet.AccountID()) == 300
	})
	assert.Equal(t, int64(0), leader.ledger.Balance(escrow))

	// the winner sees the payout through replication
	waitUntil(t, 10*time.Second, "payout replication", func() bool {
		return follower.ledger.Balance(follower.wallet.AccountID()) == 300
	})
}

func TestCapsulePublishAndQuery(t *testing.T) {
	leader := startTestNode(t, true, 1_000_000)
	follower := startTestNode(t, false, 0, leader.addr())
	waitUntil(t, 5*time.Second, "genesis sync", func() bool {
		return follower.ledger.LastSeq() >= 1
	})

	content := json.RawMessage(`{"type":"skill","howto":"fold proteins"}`)
	pub, err := leader.coord.PublishCapsule(content, []string{"bio"}, 0.9,
		capsule.Price{Amount: 100, Token: "CLAW", CreatorShare: 0.8})
	require.NoError(t, err)

	// metadata floods to the follower, content stays home
	waitUntil(t, 5*time.Second, "capsule metadata", func() bool {
		recs, err := follower.coord.Capsules(capsule.Filter{})
		return err == nil && len(recs) == 1
	})
	recs, err := follower.coord.Capsules(capsule.Filter{})
	require.NoError(t, err)
	assert.Equal(t, pub.AssetID, recs[0].AssetID)
	assert.Empty(t, recs[0].Content)
	assert.Equal(t, capsule.ContentHashOf(content), recs[0].ContentHash)

	// direct peer query returns the same public view
	got, err := follower.coord.QueryPeerCapsules(leader.wallet.NodeID(), CapsuleQuery{Tags: []string{"bio"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pub.AssetID, got[0].AssetID)
	assert.Empty(t, got[0].Content)
}

func TestPurchaseCapsuleSplitsPayment(t *testing.T) {
	leader := startTestNode(t, true, 1_000_000)
	follower := startTestNode(t, false, 0, leader.addr())
	waitUntil(t, 5*time.Second, "genesis sync", func() bool {
		return follower.ledger.LastSeq() >= 1
	})
	_, err := leader.coord.Transfer(follower.wallet.AccountID(), 1_000)
	require.NoError(t, err)
	waitUntil(t, 5*time.Second, "funding", func() bool {
		return follower.ledger.Balance(follower.wallet.AccountID()) == 1_000
	})

	content := json.RawMessage(`{"type":"skill","howto":"fold proteins"}`)
	pub, err := leader.coord.PublishCapsule(content, nil, 0.9,
		capsule.Price{Amount: 100, Token: "CLAW", CreatorShare: 0.8})
	require.NoError(t, err)
	waitUntil(t, 5*time.Second, "capsule metadata", func() bool {
		recs, err := follower.coord.Capsules(capsule.Filter{})
		return err == nil && len(recs) == 1
	})

	result, err := follower.coord.PurchaseCapsule(pub.AssetID)
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
	require.Len(t, result.Receipts, 2)

	// creator gets 80, platform (also the leader here) gets 20
	waitUntil(t, 5*time.Second, "payment replication", func() bool {
		return follower.ledger.Balance(follower.wallet.AccountID()) == 900
	})
	assert.Equal(t, int64(999_100), leader.ledger.Balance(leader.wallet.AccountID()))
}

func TestUnknownKindDropped(t *testing.T) {
	leader := startTestNode(t, true, 1_000)
	// exercised directly: unknown kinds must not panic
	leader.coord.handleMessage(&gossip.Message{Type: "mystery"}, "node_x")
}

func TestPurchaseCapsuleCapsCreatorShare(t *testing.T) {
	leader := startTestNode(t, true, 1_000_000)
	follower := startTestNode(t, false, 0, leader.addr())
	waitUntil(t, 5*time.Second, "genesis sync", func() bool {
		return follower.ledger.LastSeq() >= 1
	})
	_, err := leader.coord.Transfer(follower.wallet.AccountID(), 1_000)
	require.NoError(t, err)
	waitUntil(t, 5*time.Second, "funding", func() bool {
		return follower.ledger.Balance(follower.wallet.AccountID()) == 1_000
	})

	// a creator share above 1 clamps: the buyer pays exactly the listed
	// price, in a single creator transfer
	content := json.RawMessage(`{"type":"skill","howto":"price gouging"}`)
	pub, err := leader.coord.PublishCapsule(content, nil, 0.9,
		capsule.Price{Amount: 100, Token: "CLAW", CreatorShare: 1.5})
	require.NoError(t, err)
	waitUntil(t, 5*time.Second, "capsule metadata", func() bool {
		recs, err := follower.coord.Capsules(capsule.Filter{})
		return err == nil && len(recs) == 1
	})

	result, err := follower.coord.PurchaseCapsule(pub.AssetID)
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
	require.Len(t, result.Receipts, 1)

	waitUntil(t, 5*time.Second, "payment replication", func() bool {
		return follower.ledger.Balance(follower.wallet.AccountID()) == 900
	})
	assert.Equal(t, int64(999_100), leader.ledger.Balance(leader.wallet.AccountID()))
}
