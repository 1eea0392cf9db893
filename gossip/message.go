// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package gossip

import "encoding/json"

// Message kinds carried over the wire.
const (
	KindHandshake          = "handshake"
	KindPing               = "ping"
	KindPong               = "pong"
	KindQuery              = "query"
	KindQueryResponse      = "query_response"
	KindCapsule            = "capsule"
	KindTask               = "task"
	KindTaskBid            = "task_bid"
	KindTaskAssigned       = "task_assigned"
	KindTaskCompleted      = "task_completed"
	KindTaskFailed         = "task_failed"
	KindTaskLike           = "task_like"
	KindTx                 = "tx"
	KindTxResult           = "tx_result"
	KindTxLog              = "tx_log"
	KindTxLogRequest       = "tx_log_request"
	KindTxLogBatch         = "tx_log_batch"
	KindLedgerHeadRequest  = "ledger_head_request"
	KindLedgerHeadResponse = "ledger_head_response"
)

// Message is the wire envelope. Messages are newline-delimited JSON.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	HopsLeft  *int            `json:"hopsLeft,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	NodeID    string          `json:"nodeId,omitempty"`
	Port      int             `json:"port,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// isTaskKind reports whether the message takes the wider task fanout and
// hop budget.
func isTaskKind(kind string) bool {
	switch kind {
	case KindTask, KindTaskBid, KindTaskAssigned, KindTaskCompleted:
		return true
	}
	return false
}

// relayable reports whether the message may be flooded onward.
// Point-to-point exchanges never are.
func relayable(kind string) bool {
	switch kind {
	case KindHandshake, KindPing, KindPong, KindQuery, KindQueryResponse:
		return false
	}
	return true
}

// pingPayload is carried by ping and pong messages.
type pingPayload struct {
	PingID    string `json:"pingId"`
	Timestamp int64  `json:"timestamp"`
}
