// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package mesh

import (
	"github.com/openclaw/mesh/capsule"
	"github.com/openclaw/mesh/ledger"
)

// Wire payload shapes for the ledger and capsule message kinds. Task
// payloads live in the bazaar package.

// TxResult reports the leader's verdict on a submitted transaction.
type TxResult struct {
	TxID     string `json:"txId"`
	Accepted bool   `json:"accepted"`
	Seq      uint64 `json:"seq,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// TxLogRequest asks a peer for log entries after SinceSeq.
type TxLogRequest struct {
	SinceSeq uint64 `json:"sinceSeq"`
	Limit    int    `json:"limit,omitempty"`
}

// TxLogBatch answers a TxLogRequest.
type TxLogBatch struct {
	Entries []*ledger.Entry `json:"entries"`
	LastSeq uint64          `json:"lastSeq"`
	HasMore bool            `json:"hasMore"`
}

// LedgerHead carries a node's current log head.
type LedgerHead struct {
	LastSeq uint64 `json:"lastSeq"`
}

// CapsuleQuery is the payload of a query message asking peers for
// matching capsule metadata.
type CapsuleQuery struct {
	Type          string   `json:"type,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Text          string   `json:"query,omitempty"`
	MinConfidence float64  `json:"minConfidence,omitempty"`
	Limit         int      `json:"limit,omitempty"`
}

// CapsuleQueryResponse carries the matching public views.
type CapsuleQueryResponse struct {
	Capsules []*capsule.Record `json:"capsules"`
}
