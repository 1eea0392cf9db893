// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package bazaar

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/openclaw/mesh/ledger"
)

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusPendingEscrow Status = "pending_escrow"
	StatusOpen          Status = "open"
	StatusVoting        Status = "voting"
	StatusAssigned      Status = "assigned"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// Bounty is the reward offered for a task.
type Bounty struct {
	Amount int64  `json:"amount"`
	Token  string `json:"token"`
}

// Bid is one node's offer to do a task for less than the bounty.
type Bid struct {
	NodeID    string `json:"nodeId"`
	Amount    int64  `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

// Task is a published unit of work moving through the auction lifecycle.
type Task struct {
	TaskID          string          `json:"taskId"`
	Description     string          `json:"description"`
	Type            string          `json:"type,omitempty"`
	Bounty          Bounty          `json:"bounty"`
	Tags            []string        `json:"tags,omitempty"`
	Publisher       string          `json:"publisher"`
	EscrowAccountID string          `json:"escrowAccountId"`
	Status          Status          `json:"status"`
	Bids            []Bid           `json:"bids"`
	PublishedAt     int64           `json:"publishedAt"`
	VotingStartedAt int64           `json:"votingStartedAt,omitempty"`
	AssignedTo      string          `json:"assignedTo,omitempty"`
	AssignedAt      int64           `json:"assignedAt,omitempty"`
	CompletedBy     string          `json:"completedBy,omitempty"`
	CompletedAt     int64           `json:"completedAt,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
}

// TaskIDOf derives the deterministic task id.
func TaskIDOf(description, publisher string, publishedAt int64) string {
	sum := sha256.Sum256([]byte(description + publisher + strconv.FormatInt(publishedAt, 10)))
	return "task_" + hex.EncodeToString(sum[:])[:16]
}

// EscrowAccountIDOf derives the synthetic escrow account of a task.
func EscrowAccountIDOf(taskID string) string {
	sum := sha256.Sum256([]byte(taskID))
	return ledger.EscrowAccountPrefix + hex.EncodeToString(sum[:])[:24]
}

// HasBid reports whether nodeID already bid on the task.
func (t *Task) HasBid(nodeID string) bool {
	for _, b := range t.Bids {
		if b.NodeID == nodeID {
			return true
		}
	}
	return false
}

// terminal reports whether the task reached an end state.
func (t *Task) terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// clone returns a deep copy safe to hand to readers.
func (t *Task) clone() *Task {
	cp := *t
	cp.Bids = append([]Bid(nil), t.Bids...)
	cp.Tags = append([]string(nil), t.Tags...)
	if t.Result != nil {
		cp.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &cp
}
