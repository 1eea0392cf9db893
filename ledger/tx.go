// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/openclaw/mesh/wallet"
)

// TxType enumerates transaction kinds.
type TxType string

const (
	TxTransfer      TxType = "transfer"
	TxMint          TxType = "mint"
	TxEscrowRelease TxType = "escrow_release"
)

// EscrowAccountPrefix prefixes the synthetic escrow accounts. No key
// material hashes to this prefix, so escrow funds are addressable only
// through a leader-authored release.
const EscrowAccountPrefix = "escrow_"

// Transaction is a signed transfer of value between accounts.
type Transaction struct {
	Type      TxType `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	PubKeyPEM string `json:"pubkeyPem"`
	Signature string `json:"signature"`
	TxID      string `json:"txId"`
}

// Entry is an accepted transaction with its position in the log.
type Entry struct {
	Seq uint64 `json:"seq"`
	Transaction
}

// canonicalTx fixes the field set and order of the signed payload.
type canonicalTx struct {
	Type      TxType `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// sealedTx is the canonical payload with the signature appended as the
// final field; its hash is the transaction id.
type sealedTx struct {
	canonicalTx
	Signature string `json:"signature"`
}

func marshalStable(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (tx *Transaction) canonical() canonicalTx {
	return canonicalTx{tx.Type, tx.From, tx.To, tx.Amount, tx.Nonce, tx.Timestamp}
}

// SigningPayload returns the canonical byte string covered by the signature.
func (tx *Transaction) SigningPayload() ([]byte, error) {
	return marshalStable(tx.canonical())
}

// ComputeID returns the transaction id: the SHA-256 of the canonical
// payload with the signature appended.
func (tx *Transaction) ComputeID() (string, error) {
	raw, err := marshalStable(sealedTx{tx.canonical(), tx.Signature})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Sign signs tx with w, filling PubKeyPEM, Signature and TxID.
func (tx *Transaction) Sign(w *wallet.Wallet) error {
	tx.PubKeyPEM = w.PublicKeyPEM()
	payload, err := tx.SigningPayload()
	if err != nil {
		return err
	}
	tx.Signature = w.Sign(payload)
	tx.TxID, err = tx.ComputeID()
	return err
}

// NewTransfer builds an unsigned transfer transaction.
func NewTransfer(from, to string, amount int64, nonce uint64) *Transaction {
	return &Transaction{
		Type:      TxTransfer,
		From:      from,
		To:        to,
		Amount:    amount,
		Nonce:     nonce,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewEscrowRelease builds an unsigned escrow release transaction.
// Only the leader's signature makes it valid.
func NewEscrowRelease(escrowAccount, to string, amount int64, nonce uint64) *Transaction {
	return &Transaction{
		Type:      TxEscrowRelease,
		From:      escrowAccount,
		To:        to,
		Amount:    amount,
		Nonce:     nonce,
		Timestamp: time.Now().UnixMilli(),
	}
}
