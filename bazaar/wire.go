// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package bazaar

import "encoding/json"

// Wire payload shapes for the task message kinds.

// BidMessage is the payload of a task_bid.
type BidMessage struct {
	TaskID string `json:"taskId"`
	Bid    Bid    `json:"bid"`
}

// AssignedMessage is the payload of a task_assigned.
type AssignedMessage struct {
	TaskID     string `json:"taskId"`
	AssignedTo string `json:"assignedTo"`
	AssignedAt int64  `json:"assignedAt"`
}

// Package is a worker's deliverable: a gzipped tar archive, base64
// encoded. Size is the archive size in bytes before encoding.
type Package struct {
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	Data     string `json:"data,omitempty"`
}

// CompletedMessage is the payload of a task_completed.
type CompletedMessage struct {
	TaskID  string          `json:"taskId"`
	NodeID  string          `json:"nodeId"`
	Result  json.RawMessage `json:"result,omitempty"`
	Package *Package        `json:"package,omitempty"`
}

// FailedMessage is the payload of a task_failed.
type FailedMessage struct {
	TaskID string `json:"taskId"`
	NodeID string `json:"nodeId"`
}

// LikeMessage is the payload of a task_like.
type LikeMessage struct {
	TaskID       string `json:"taskId"`
	WinnerNodeID string `json:"winnerNodeId"`
	LikedBy      string `json:"likedBy"`
}
