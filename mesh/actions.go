// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package mesh

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/openclaw/mesh/bazaar"
	"github.com/openclaw/mesh/capsule"
	"github.com/openclaw/mesh/gossip"
	"github.com/openclaw/mesh/ledger"
	"github.com/openclaw/mesh/wallet"
)

const confirmationPollInterval = 200 * time.Millisecond

// TxReceipt reports what a user action observed for one transaction.
type TxReceipt struct {
	TxID          string `json:"txId"`
	Confirmations uint64 `json:"confirmations"`
	Confirmed     bool   `json:"confirmed"`
	Reason        string `json:"reason,omitempty"`
}

// PublishCapsuleResult is the outcome of PublishCapsule.
type PublishCapsuleResult struct {
	AssetID  string       `json:"assetId"`
	Receipts []*TxReceipt `json:"txReceipts,omitempty"`
}

// PublishTaskResult is the outcome of PublishTask.
type PublishTaskResult struct {
	Task     *bazaar.Task `json:"task"`
	Receipts []*TxReceipt `json:"txReceipts"`
}

// PurchaseResult is the outcome of PurchaseCapsule. Content is present
// only when every involved transaction confirmed in time.
type PurchaseResult struct {
	AssetID   string          `json:"assetId"`
	Confirmed bool            `json:"confirmed"`
	Content   json.RawMessage `json:"content,omitempty"`
	Receipts  []*TxReceipt    `json:"txReceipts"`
}

// BalanceStats is the split of the local account's funds.
type BalanceStats struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
}

// NodeStats is the operator surface summary.
type NodeStats struct {
	NodeID    string       `json:"nodeId"`
	AccountID string       `json:"accountId"`
	IsLeader  bool         `json:"isLeader"`
	LastSeq   uint64       `json:"lastSeq"`
	Balance   int64        `json:"balance"`
	Peers     int          `json:"peers"`
	Tasks     bazaar.Stats `json:"tasks"`
	Capsules  int          `json:"capsules"`
}

// TxConfig exposes the confirmation policy.
type TxConfig struct {
	Confirmations uint64 `json:"confirmations"`
	TimeoutMs     int64  `json:"timeoutMs"`
	PublishFee    int64  `json:"publishFee"`
}

// SubmitTx validates and routes a signed transaction. The leader
// appends and floods the entry; a follower floods the transaction and
// re-broadcasts it until it lands in the replicated log or the leader
// rejects it.
func (c *Coordinator) SubmitTx(tx *ledger.Transaction) error {
	if c.ledger.IsLeader() {
		entry, err := c.ledger.SubmitLocalAsLeader(tx)
		if err != nil {
			return err
		}
		if err := c.node.Broadcast(gossip.KindTxLog, entry); err != nil {
			log.Warn("tx_log broadcast failed", "err", err)
		}
		c.onLedgerAdvance()
		return nil
	}

	if err := c.ledger.Verify(tx); err != nil {
		// a future nonce is fine: earlier local transactions are still in
		// flight and the leader orders them
		futureNonce := ledger.CodeOf(err) == ledger.ErrBadNonce &&
			tx.From == c.wallet.AccountID() && tx.Nonce > c.ledger.Nonce(tx.From)
		if !futureNonce {
			return err
		}
	}
	c.pendingMu.Lock()
	c.pending[tx.TxID] = &pendingTx{
		tx:       tx,
		nextAt:   time.Now().Add(c.opts.RebroadcastMin),
		interval: c.opts.RebroadcastMin,
	}
	c.pendingMu.Unlock()
	return c.node.Broadcast(gossip.KindTx, tx)
}

// nextLocalNonce reserves the next nonce of the local account,
// counting transactions still in flight.
func (c *Coordinator) nextLocalNonce() uint64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	next := c.ledger.NextNonce(c.wallet.AccountID())
	if c.lastNonce+1 > next {
		next = c.lastNonce + 1
	}
	c.lastNonce = next
	return next
}

// signedTransfer builds and signs a transfer from the local account.
func (c *Coordinator) signedTransfer(to string, amount int64) (*ledger.Transaction, error) {
	tx := ledger.NewTransfer(c.wallet.AccountID(), to, amount, c.nextLocalNonce())
	if err := tx.Sign(c.wallet); err != nil {
		return nil, errors.Wrap(err, "sign transfer")
	}
	return tx, nil
}

// Transfer moves amount from the local account and waits for the
// configured confirmations.
func (c *Coordinator) Transfer(to string, amount int64) (*TxReceipt, error) {
	tx, err := c.signedTransfer(to, amount)
	if err != nil {
		return nil, err
	}
	if err := c.SubmitTx(tx); err != nil {
		return nil, err
	}
	return c.waitForConfirmations(tx.TxID, c.opts.ActionTimeout), nil
}

// PublishCapsule stores a capsule locally, pays the publish fee if one
// is configured, and floods the metadata.
func (c *Coordinator) PublishCapsule(content json.RawMessage, tags []string, confidence float64, price capsule.Price) (*PublishCapsuleResult, error) {
	if len(content) == 0 {
		return nil, errors.New("capsule content required")
	}
	rec := &capsule.Record{
		Content:     content,
		Tags:        tags,
		Confidence:  confidence,
		Price:       price,
		Attribution: capsule.Attribution{Creator: c.wallet.AccountID()},
	}

	result := &PublishCapsuleResult{}
	if c.opts.PublishFee > 0 {
		receipt, err := c.payPublishFee()
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			result.Receipts = append(result.Receipts, receipt)
		}
	}

	assetID, err := c.capsules.Put(rec)
	if err != nil {
		return nil, err
	}
	result.AssetID = assetID

	if err := c.node.Broadcast(gossip.KindCapsule, rec.PublicView()); err != nil {
		log.Warn("capsule broadcast failed", "asset", assetID, "err", err)
	}
	c.events.publish(Event{Kind: EventCapsule, Data: rec.PublicView()})
	return result, nil
}

// PublishTask creates a task, funds its escrow from the local account
// and floods the task record. The task opens once the escrow transfer
// lands in the replicated log.
func (c *Coordinator) PublishTask(description string, bounty bazaar.Bounty, tags []string) (*PublishTaskResult, error) {
	if bounty.Amount <= 0 {
		return nil, errors.New("bounty must be positive")
	}
	task, err := c.bazaar.Publish(description, bounty, tags, c.wallet.AccountID())
	if err != nil {
		return nil, err
	}

	result := &PublishTaskResult{Task: task}
	if c.opts.PublishFee > 0 {
		receipt, err := c.payPublishFee()
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			result.Receipts = append(result.Receipts, receipt)
		}
	}

	escrowTx, err := c.signedTransfer(task.EscrowAccountID, bounty.Amount)
	if err != nil {
		return nil, err
	}
	if err := c.SubmitTx(escrowTx); err != nil {
		return nil, err
	}
	result.Receipts = append(result.Receipts, c.waitForConfirmations(escrowTx.TxID, c.opts.ActionTimeout))

	if err := c.node.Broadcast(gossip.KindTask, c.bazaar.Get(task.TaskID)); err != nil {
		log.Warn("task broadcast failed", "task", task.TaskID, "err", err)
	}
	result.Task = c.bazaar.Get(task.TaskID)
	return result, nil
}

// PurchaseCapsule pays the capsule's price, split between creator and
// platform, and returns the content once every transfer confirmed. On
// timeout the receipts carry the observed counts; nothing rolls back.
func (c *Coordinator) PurchaseCapsule(assetID string) (*PurchaseResult, error) {
	rec, err := c.capsules.Get(assetID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.Errorf("unknown capsule %s", assetID)
	}
	if rec.Price.Amount <= 0 {
		return nil, errors.Errorf("capsule %s is not for sale", assetID)
	}

	// the store clamps the share on ingest; re-clamp here so the sum of
	// both legs never exceeds the listed price even for records stored
	// before the clamp existed
	share := rec.Price.CreatorShare
	if share < 0 {
		share = 0
	} else if share > 1 {
		share = 1
	}
	creatorAmount := int64(float64(rec.Price.Amount) * share)
	platformAmount := rec.Price.Amount - creatorAmount

	var txIDs []string
	if creatorAmount > 0 {
		tx, err := c.signedTransfer(rec.Attribution.Creator, creatorAmount)
		if err != nil {
			return nil, err
		}
		if err := c.SubmitTx(tx); err != nil {
			return nil, err
		}
		txIDs = append(txIDs, tx.TxID)
	}
	if platformAmount > 0 {
		platform, err := c.waitForPlatformAccount(c.opts.ActionTimeout)
		if err != nil {
			return nil, err
		}
		tx, err := c.signedTransfer(platform, platformAmount)
		if err != nil {
			return nil, err
		}
		if err := c.SubmitTx(tx); err != nil {
			return nil, err
		}
		txIDs = append(txIDs, tx.TxID)
	}

	result := &PurchaseResult{AssetID: assetID, Confirmed: true}
	deadline := time.Now().Add(c.opts.ActionTimeout)
	for _, txID := range txIDs {
		receipt := c.waitForConfirmations(txID, time.Until(deadline))
		result.Receipts = append(result.Receipts, receipt)
		if !receipt.Confirmed {
			result.Confirmed = false
		}
	}

	if result.Confirmed {
		if err := c.capsules.GrantAccess(assetID, c.wallet.AccountID()); err != nil {
			return nil, err
		}
		if rec, err := c.capsules.Get(assetID); err == nil && rec != nil {
			result.Content = rec.Content
		}
	}
	return result, nil
}

// QueryPeerCapsules asks one peer for capsule metadata matching the
// filter.
func (c *Coordinator) QueryPeerCapsules(peerID string, query CapsuleQuery) ([]*capsule.Record, error) {
	raw, err := c.node.Query(peerID, &query)
	if err != nil {
		return nil, err
	}
	var resp CapsuleQueryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "decode query response")
	}
	return resp.Capsules, nil
}

// LikeTask broadcasts a like for a completed task and applies it
// locally.
func (c *Coordinator) LikeTask(taskID string) error {
	task := c.bazaar.Get(taskID)
	if task == nil {
		return bazaar.ErrUnknownTask
	}
	if err := c.bazaar.Like(taskID, c.wallet.NodeID()); err != nil {
		return err
	}
	msg := bazaar.LikeMessage{TaskID: taskID, WinnerNodeID: task.CompletedBy, LikedBy: c.wallet.NodeID()}
	return c.node.Broadcast(gossip.KindTaskLike, msg)
}

// waitForConfirmations polls the local ledger until the transaction
// reaches the configured confirmation target, the leader rejects it, or
// the timeout elapses.
func (c *Coordinator) waitForConfirmations(txID string, timeout time.Duration) *TxReceipt {
	deadline := time.Now().Add(timeout)
	for {
		confs := c.ledger.Confirmations(txID)
		if confs >= c.opts.Confirmations {
			return &TxReceipt{TxID: txID, Confirmations: confs, Confirmed: true}
		}
		c.pendingMu.Lock()
		rejection := c.rejections[txID]
		if rejection != nil {
			delete(c.rejections, txID)
		}
		c.pendingMu.Unlock()
		if rejection != nil {
			return &TxReceipt{TxID: txID, Confirmations: confs, Reason: rejection.Reason}
		}
		if time.Now().After(deadline) {
			return &TxReceipt{TxID: txID, Confirmations: confs}
		}
		select {
		case <-time.After(confirmationPollInterval):
		case <-c.done:
			return &TxReceipt{TxID: txID, Confirmations: confs}
		}
	}
}

// waitForPlatformAccount polls for the leader key metadata and derives
// the platform account from it.
func (c *Coordinator) waitForPlatformAccount(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		if pem := c.ledger.LeaderKeyPEM(); pem != "" {
			return wallet.AccountIDOf(pem), nil
		}
		if time.Now().After(deadline) {
			return "", errors.New("platform account unknown")
		}
		select {
		case <-time.After(confirmationPollInterval):
		case <-c.done:
			return "", errors.New("coordinator stopped")
		}
	}
}

// payPublishFee transfers the configured fee to the platform account.
// A node that is itself the platform skips the fee.
func (c *Coordinator) payPublishFee() (*TxReceipt, error) {
	platform, err := c.waitForPlatformAccount(c.opts.ActionTimeout)
	if err != nil {
		return nil, err
	}
	if platform == c.wallet.AccountID() {
		return nil, nil
	}
	tx, err := c.signedTransfer(platform, c.opts.PublishFee)
	if err != nil {
		return nil, err
	}
	if err := c.SubmitTx(tx); err != nil {
		return nil, err
	}
	return c.waitForConfirmations(tx.TxID, c.opts.ActionTimeout), nil
}

// TxStatus reports a transaction's confirmations.
func (c *Coordinator) TxStatus(txID string) *TxReceipt {
	confs := c.ledger.Confirmations(txID)
	return &TxReceipt{TxID: txID, Confirmations: confs, Confirmed: confs >= c.opts.Confirmations}
}

// TxConfigView returns the confirmation policy.
func (c *Coordinator) TxConfigView() *TxConfig {
	return &TxConfig{
		Confirmations: c.opts.Confirmations,
		TimeoutMs:     c.opts.ActionTimeout.Milliseconds(),
		PublishFee:    c.opts.PublishFee,
	}
}

// RecentEntries returns the newest ledger entries, capped at limit.
func (c *Coordinator) RecentEntries(limit int) ([]*ledger.Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	last := c.ledger.LastSeq()
	var since uint64
	if last > uint64(limit) {
		since = last - uint64(limit)
	}
	entries, _, _, err := c.ledger.EntriesSince(since, limit)
	return entries, err
}

// Balance reports the local account's available and escrow-locked funds.
func (c *Coordinator) Balance() *BalanceStats {
	acct := c.wallet.AccountID()
	return &BalanceStats{
		Available: c.ledger.Balance(acct),
		Locked:    c.bazaar.LockedBalance(acct, c.ledger.Balance),
	}
}

// Stats summarizes the node for the operator surface.
func (c *Coordinator) Stats() *NodeStats {
	capsules, err := c.capsules.Count()
	if err != nil {
		log.Warn("capsule count failed", "err", err)
	}
	return &NodeStats{
		NodeID:    c.wallet.NodeID(),
		AccountID: c.wallet.AccountID(),
		IsLeader:  c.ledger.IsLeader(),
		LastSeq:   c.ledger.LastSeq(),
		Balance:   c.ledger.Balance(c.wallet.AccountID()),
		Peers:     c.node.PeerCount(),
		Tasks:     c.bazaar.Stats(),
		Capsules:  capsules,
	}
}

// Peers exposes the transport's peer table.
func (c *Coordinator) Peers() []gossip.PeerInfo {
	return c.node.Peers()
}

// Tasks exposes the bazaar's task list.
func (c *Coordinator) Tasks() []*bazaar.Task {
	return c.bazaar.Tasks()
}

// Capsules queries the local capsule store.
func (c *Coordinator) Capsules(filter capsule.Filter) ([]*capsule.Record, error) {
	return c.capsules.Query(filter)
}
