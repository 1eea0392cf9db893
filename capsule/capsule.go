// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package capsule implements the content-addressed store of skill
// capsules. Records are immutable once stored and indexed by tag and
// content token for querying.
package capsule

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// AssetIDPrefix prefixes every capsule id.
const AssetIDPrefix = "sha256:"

// Price is what a buyer pays and how it splits.
type Price struct {
	Amount       int64   `json:"amount"`
	Token        string  `json:"token"`
	CreatorShare float64 `json:"creatorShare"`
}

// Attribution names the capsule's creator account.
type Attribution struct {
	Creator string `json:"creator"`
}

// Record is a stored capsule. Content is private: it never leaves the
// node except through a confirmed purchase.
type Record struct {
	AssetID     string          `json:"asset_id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Confidence  float64         `json:"confidence"`
	Attribution Attribution     `json:"attribution"`
	Tags        []string        `json:"tags,omitempty"`
	Price       Price           `json:"price"`
	Content     json.RawMessage `json:"content,omitempty"`
	ContentHash string          `json:"contentHash,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	// Buyers holds account ids whose purchase has confirmed.
	Buyers []string `json:"buyers,omitempty"`
}

// AssetIDOf derives the content address of a serialized content blob.
func AssetIDOf(content []byte) string {
	sum := sha256.Sum256(content)
	return AssetIDPrefix + hex.EncodeToString(sum[:])
}

// ContentHashOf returns the bare hex digest of the content, carried by
// peer-facing projections so receivers can verify a later purchase.
func ContentHashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// fillDefaults completes a record before first store. Confidence and
// the creator share are clamped to [0,1]; records arrive from peers,
// so neither field can be trusted to hold a sane value.
func (r *Record) fillDefaults() {
	if r.AssetID == "" && len(r.Content) > 0 {
		r.AssetID = AssetIDOf(r.Content)
	}
	if r.Status == "" {
		r.Status = "active"
	}
	if r.Type == "" {
		r.Type = typeOfContent(r.Content)
	}
	if r.Confidence == 0 {
		r.Confidence = 0.5
	}
	r.Confidence = clamp01(r.Confidence)
	r.Price.CreatorShare = clamp01(r.Price.CreatorShare)
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	if len(r.Content) > 0 && r.ContentHash == "" {
		r.ContentHash = ContentHashOf(r.Content)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// typeOfContent picks the declared "type" field of a JSON content
// object, falling back to "knowledge".
func typeOfContent(content json.RawMessage) string {
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(content, &obj); err == nil && obj.Type != "" {
		return obj.Type
	}
	return "knowledge"
}

// PublicView returns the peer-facing projection: content nulled, hash
// and buyer list stripped.
func (r *Record) PublicView() *Record {
	view := *r
	view.Content = nil
	view.Buyers = nil
	if len(r.Content) > 0 {
		view.ContentHash = ContentHashOf(r.Content)
	}
	return &view
}

// HasBuyer reports whether account already purchased the capsule.
func (r *Record) HasBuyer(account string) bool {
	for _, b := range r.Buyers {
		if b == account {
			return true
		}
	}
	return false
}

// tokenize splits text into lowercase alphanumeric tokens. '_' and '-'
// are token characters.
func tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, ch := range text {
		if ch == '_' || ch == '-' ||
			(ch >= '0' && ch <= '9') ||
			(ch >= 'a' && ch <= 'z') {
			current.WriteRune(ch)
		} else if ch >= 'A' && ch <= 'Z' {
			current.WriteRune(ch + ('a' - 'A'))
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// indexTokens returns the sorted, deduplicated token set of a record:
// its tags plus the tokens of its serialized content.
func (r *Record) indexTokens() []string {
	set := make(map[string]struct{})
	for _, tag := range r.Tags {
		set[strings.ToLower(tag)] = struct{}{}
	}
	if len(r.Content) > 0 {
		for _, tok := range tokenize(string(r.Content)) {
			set[tok] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	return out
}
