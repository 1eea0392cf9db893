// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package mesh

import (
	"time"

	"github.com/openclaw/mesh/gossip"
	"github.com/openclaw/mesh/ledger"
	"github.com/openclaw/mesh/wallet"
)

// syncLoop keeps a follower's log converging: head probes on the sync
// interval, plus a periodic full resync from seq 0 to recover from
// silent divergence.
func (c *Coordinator) syncLoop() {
	ticker := time.NewTicker(c.opts.SyncInterval)
	defer ticker.Stop()
	lastFull := time.Now()
	for {
		select {
		case <-ticker.C:
			peer := c.pickPeer()
			if peer == "" {
				continue
			}
			if time.Since(lastFull) >= c.opts.FullResyncInterval {
				lastFull = time.Now()
				if err := c.reply(peer, gossip.KindTxLogRequest, &TxLogRequest{SinceSeq: 0}); err != nil {
					log.Debug("full resync request failed", "peer", peer, "err", err)
				}
				continue
			}
			if err := c.reply(peer, gossip.KindLedgerHeadRequest, &LedgerHead{}); err != nil {
				log.Debug("head probe failed", "peer", peer, "err", err)
			}
		case <-c.done:
			return
		}
	}
}

// pickPeer returns a handshaked peer id, or "".
func (c *Coordinator) pickPeer() string {
	for _, p := range c.node.Peers() {
		if p.Handshaked {
			return p.NodeID
		}
	}
	return ""
}

// rebroadcastLoop re-emits pending follower transactions on a doubling
// interval until they land in the log or get rejected.
func (c *Coordinator) rebroadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.rebroadcastPending()
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) rebroadcastPending() {
	now := time.Now()
	var due []*ledger.Transaction

	c.pendingMu.Lock()
	for txID, p := range c.pending {
		if c.ledger.Confirmations(txID) > 0 {
			delete(c.pending, txID)
			continue
		}
		if now.Before(p.nextAt) {
			continue
		}
		p.interval *= 2
		if p.interval > c.opts.RebroadcastMax {
			p.interval = c.opts.RebroadcastMax
		}
		p.nextAt = now.Add(p.interval)
		due = append(due, p.tx)
	}
	c.pendingMu.Unlock()

	for _, tx := range due {
		if err := c.node.Broadcast(gossip.KindTx, tx); err != nil {
			log.Debug("tx re-broadcast failed", "tx", tx.TxID, "err", err)
		}
	}
}

// settlementLoop is the leader's payout worker: completed tasks get
// their escrow released to the winner exactly once.
func (c *Coordinator) settlementLoop() {
	ticker := time.NewTicker(c.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.settleCompleted()
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) settleCompleted() {
	for _, task := range c.bazaar.NeedsSettlement() {
		if task.CompletedBy == "" {
			continue
		}
		escrow := task.EscrowAccountID
		if c.ledger.Balance(escrow) < task.Bounty.Amount {
			log.Warn("escrow underfunded, settlement deferred", "task", task.TaskID,
				"escrow", escrow, "balance", c.ledger.Balance(escrow))
			continue
		}
		winner := wallet.AccountIDOfNode(task.CompletedBy)
		rel := ledger.NewEscrowRelease(escrow, winner, task.Bounty.Amount, c.ledger.NextNonce(escrow))
		if err := rel.Sign(c.wallet); err != nil {
			log.Error("sign escrow release failed", "task", task.TaskID, "err", err)
			continue
		}
		entry, err := c.ledger.SubmitLocalAsLeader(rel)
		if err != nil {
			log.Error("escrow release rejected", "task", task.TaskID, "err", err)
			continue
		}
		c.bazaar.MarkSettled(task.TaskID)
		metricSettlements.Add(1)
		if err := c.node.Broadcast(gossip.KindTxLog, entry); err != nil {
			log.Warn("tx_log broadcast failed", "err", err)
		}
		c.onLedgerAdvance()
		log.Info("task settled", "task", task.TaskID, "winner", winner, "amount", task.Bounty.Amount)
	}
}
