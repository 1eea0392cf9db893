// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package ledger implements the leader-ordered signed transaction log and
// its projected per-account balances. The leader is the exclusive writer;
// followers replay broadcast entries in strict seq order.
package ledger

import (
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/openclaw/mesh/kv"
	"github.com/openclaw/mesh/metrics"
	"github.com/openclaw/mesh/wallet"
)

var log = log15.New("pkg", "ledger")

const (
	// maxBuffered bounds the follower-side out-of-order buffer.
	maxBuffered = 512
)

var (
	keyLeader  = []byte("m:leader")
	keyLastSeq = []byte("m:last")

	metricApplied   = metrics.Counter("ledger_entries_applied_total")
	metricRejected  = metrics.CounterVec("ledger_rejections_total", []string{"code"})
	metricHeadGauge = metrics.Gauge("ledger_head_seq")
	metricApplyMs   = metrics.Histogram("ledger_apply_duration_ms", metrics.BucketMillis10s)
)

// Ledger is the replicated transaction log plus the balance projection.
type Ledger struct {
	store kv.GetPutter

	mu           sync.RWMutex
	isLeader     bool
	leaderKeyPEM string
	lastSeq      uint64
	balances     map[string]int64
	nonces       map[string]uint64
	txSeq        map[string]uint64
	buffer       map[uint64]*Entry
}

// New opens the ledger over the given store and replays the persisted log
// into the in-memory projection.
func New(store kv.GetPutter) (*Ledger, error) {
	l := &Ledger{
		store:    store,
		balances: make(map[string]int64),
		nonces:   make(map[string]uint64),
		txSeq:    make(map[string]uint64),
		buffer:   make(map[uint64]*Entry),
	}
	if err := l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

func entryKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = 'e'
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func txKey(txID string) []byte {
	return append([]byte("t"), txID...)
}

func (l *Ledger) recover() error {
	if raw, err := l.store.Get(keyLeader); err == nil {
		l.leaderKeyPEM = string(raw)
	} else if !l.store.IsNotFound(err) {
		return errors.Wrap(err, "read leader key")
	}

	iter := l.store.NewIterator(kv.Range{From: entryKey(1), To: []byte("f")})
	defer iter.Release()
	for iter.Next() {
		var entry Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return errors.Wrap(err, "decode log entry")
		}
		if entry.Seq != l.lastSeq+1 {
			return errors.Errorf("log gap at seq %d", entry.Seq)
		}
		l.project(&entry)
	}
	if err := iter.Error(); err != nil {
		return errors.Wrap(err, "replay log")
	}
	if l.lastSeq > 0 {
		log.Info("ledger recovered", "head", l.lastSeq)
	}
	metricHeadGauge.Set(int64(l.lastSeq))
	return nil
}

// Initialize sets the ledger's role. On first initialization as leader with
// an empty log it mints the genesis supply to the leader's account and
// stores the leader public key; later startups are no-ops.
func (l *Ledger) Initialize(isLeader bool, w *wallet.Wallet, genesisSupply int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.isLeader = isLeader
	if !isLeader {
		return nil
	}

	if l.leaderKeyPEM != "" && l.leaderKeyPEM != w.PublicKeyPEM() {
		return errors.New("ledger already carries a different leader key")
	}
	if l.leaderKeyPEM == "" {
		if err := l.store.Put(keyLeader, []byte(w.PublicKeyPEM())); err != nil {
			return errors.Wrap(err, "store leader key")
		}
		l.leaderKeyPEM = w.PublicKeyPEM()
	}
	if l.lastSeq > 0 {
		return nil
	}

	mint := &Transaction{
		Type:      TxMint,
		From:      w.AccountID(),
		To:        w.AccountID(),
		Amount:    genesisSupply,
		Nonce:     1,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := mint.Sign(w); err != nil {
		return errors.Wrap(err, "sign mint")
	}
	if err := l.verifyLocked(mint); err != nil {
		return err
	}
	entry := &Entry{Seq: 1, Transaction: *mint}
	if err := l.persist(entry); err != nil {
		return err
	}
	l.project(entry)
	log.Info("genesis minted", "account", w.AccountID(), "supply", genesisSupply)
	return nil
}

// IsLeader reports whether this node is the log's exclusive writer.
func (l *Ledger) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// LeaderKeyPEM returns the stored leader public key, or "" before it is
// known.
func (l *Ledger) LeaderKeyPEM() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderKeyPEM
}

// Verify checks tx against the current projection without appending it.
func (l *Ledger) Verify(tx *Transaction) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verifyLocked(tx)
}

func (l *Ledger) verifyLocked(tx *Transaction) error {
	switch {
	case tx.Type == "":
		return reject(ErrMissingField, "type")
	case tx.To == "":
		return reject(ErrMissingField, "to")
	case tx.From == "":
		return reject(ErrMissingField, "from")
	case tx.PubKeyPEM == "":
		return reject(ErrMissingField, "pubkeyPem")
	case tx.Signature == "":
		return reject(ErrMissingField, "signature")
	}
	if tx.Type != TxTransfer && tx.Type != TxMint && tx.Type != TxEscrowRelease {
		return rejectf(ErrMissingField, "unknown type %q", tx.Type)
	}
	if tx.Amount <= 0 {
		return reject(ErrBadAmount, "amount must be positive")
	}

	payload, err := tx.SigningPayload()
	if err != nil {
		return reject(ErrBadSignature, err.Error())
	}
	if !wallet.Verify(tx.PubKeyPEM, payload, tx.Signature) {
		return reject(ErrBadSignature, "signature does not verify")
	}
	if tx.TxID != "" {
		computed, err := tx.ComputeID()
		if err != nil || computed != tx.TxID {
			return reject(ErrBadSignature, "txId does not match payload")
		}
	}

	switch tx.Type {
	case TxTransfer:
		if wallet.AccountIDOf(tx.PubKeyPEM) != tx.From {
			return reject(ErrFromMismatch, "signer key does not derive from account")
		}
	case TxMint:
		if tx.From != tx.To {
			return reject(ErrBadMint, "mint must credit the minter")
		}
		if l.lastSeq > 0 {
			return reject(ErrBadMint, "mint accepted only as the genesis record")
		}
		if l.leaderKeyPEM != "" && tx.PubKeyPEM != l.leaderKeyPEM {
			return reject(ErrNotLeader, "mint signer is not the leader")
		}
	case TxEscrowRelease:
		if l.leaderKeyPEM == "" || tx.PubKeyPEM != l.leaderKeyPEM {
			return reject(ErrNotLeader, "escrow release must be leader-signed")
		}
		if !strings.HasPrefix(tx.From, EscrowAccountPrefix) {
			return reject(ErrBadEscrowAccount, "from is not an escrow account")
		}
	}

	if tx.Nonce != l.nonces[tx.From]+1 {
		return rejectf(ErrBadNonce, "want %d got %d", l.nonces[tx.From]+1, tx.Nonce)
	}
	if tx.Type != TxMint && l.balances[tx.From] < tx.Amount {
		return rejectf(ErrInsufficientBalance, "balance %d amount %d", l.balances[tx.From], tx.Amount)
	}
	return nil
}

// SubmitLocalAsLeader validates tx, assigns the next seq, appends and
// applies it. Leader only; on rejection nothing is appended.
func (l *Ledger) SubmitLocalAsLeader(tx *Transaction) (*Entry, error) {
	started := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isLeader {
		err := reject(ErrNotLeader, "node is not the leader")
		metricRejected.AddWithLabel(1, map[string]string{"code": string(ErrNotLeader)})
		return nil, err
	}
	if err := l.verifyLocked(tx); err != nil {
		metricRejected.AddWithLabel(1, map[string]string{"code": string(CodeOf(err))})
		return nil, err
	}
	if tx.TxID == "" {
		id, err := tx.ComputeID()
		if err != nil {
			return nil, reject(ErrBadSignature, err.Error())
		}
		tx.TxID = id
	}
	if _, dup := l.txSeq[tx.TxID]; dup {
		metricRejected.AddWithLabel(1, map[string]string{"code": string(ErrDuplicateTx)})
		return nil, reject(ErrDuplicateTx, tx.TxID)
	}

	entry := &Entry{Seq: l.lastSeq + 1, Transaction: *tx}
	if err := l.persist(entry); err != nil {
		return nil, err
	}
	l.project(entry)
	metricApplyMs.Observe(time.Since(started).Milliseconds())
	return entry, nil
}

// ApplyRemoteEntry ingests an entry broadcast by the leader. Entries must
// arrive strictly contiguously; an entry beyond the head is buffered and
// OutOfOrder returned so the caller can request the gap.
func (l *Ledger) ApplyRemoteEntry(entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.applyRemoteLocked(entry); err != nil {
		return err
	}
	l.drainBuffer()
	return nil
}

func (l *Ledger) applyRemoteLocked(entry *Entry) error {
	started := time.Now()

	if entry.Seq == 0 {
		return reject(ErrMissingField, "seq")
	}
	if entry.Seq <= l.lastSeq {
		if seq, ok := l.txSeq[entry.TxID]; ok && seq == entry.Seq {
			return nil // replayed entry, already applied
		}
		return reject(ErrDuplicateTx, "seq already occupied")
	}
	if entry.Seq > l.lastSeq+1 {
		if len(l.buffer) < maxBuffered {
			cp := *entry
			l.buffer[entry.Seq] = &cp
		}
		return rejectf(ErrOutOfOrder, "head %d got %d", l.lastSeq, entry.Seq)
	}

	// first contact with the log: the genesis mint's signer is trusted as
	// the leader and its key pinned
	if l.lastSeq == 0 && entry.Type == TxMint && l.leaderKeyPEM == "" {
		if err := l.store.Put(keyLeader, []byte(entry.PubKeyPEM)); err != nil {
			return errors.Wrap(err, "store leader key")
		}
		l.leaderKeyPEM = entry.PubKeyPEM
		log.Info("leader key pinned", "account", wallet.AccountIDOf(entry.PubKeyPEM))
	}

	if err := l.verifyLocked(&entry.Transaction); err != nil {
		metricRejected.AddWithLabel(1, map[string]string{"code": string(CodeOf(err))})
		return err
	}
	computed, err := entry.ComputeID()
	if err != nil || computed != entry.TxID {
		return reject(ErrBadSignature, "txId does not match payload")
	}

	if err := l.persist(entry); err != nil {
		return err
	}
	l.project(entry)
	metricApplyMs.Observe(time.Since(started).Milliseconds())
	return nil
}

func (l *Ledger) drainBuffer() {
	for {
		next, ok := l.buffer[l.lastSeq+1]
		if !ok {
			return
		}
		delete(l.buffer, next.Seq)
		if err := l.applyRemoteLocked(next); err != nil {
			log.Warn("buffered entry rejected", "seq", next.Seq, "err", err)
			return
		}
	}
}

func (l *Ledger) persist(entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "encode log entry")
	}
	seqRaw := make([]byte, 8)
	binary.BigEndian.PutUint64(seqRaw, entry.Seq)

	batch := l.store.NewBatch()
	batch.Put(entryKey(entry.Seq), raw)
	batch.Put(txKey(entry.TxID), seqRaw)
	batch.Put(keyLastSeq, seqRaw)
	if err := batch.Write(); err != nil {
		// a half-applied log is worse than a dead node
		return errors.Wrap(err, "persist log entry")
	}
	return nil
}

// project applies the entry to the in-memory projection, exactly once.
func (l *Ledger) project(entry *Entry) {
	switch entry.Type {
	case TxMint:
		if entry.From == entry.To {
			l.balances[entry.To] += entry.Amount
		}
	case TxTransfer, TxEscrowRelease:
		l.balances[entry.From] -= entry.Amount
		l.balances[entry.To] += entry.Amount
	}
	l.nonces[entry.From] = entry.Nonce
	l.txSeq[entry.TxID] = entry.Seq
	l.lastSeq = entry.Seq
	metricApplied.Add(1)
	metricHeadGauge.Set(int64(l.lastSeq))
}

// Balance returns the projected balance of the account.
func (l *Ledger) Balance(accountID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[accountID]
}

// Nonce returns the last applied nonce of the account.
func (l *Ledger) Nonce(accountID string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nonces[accountID]
}

// NextNonce returns the nonce the account's next transaction must carry.
func (l *Ledger) NextNonce(accountID string) uint64 {
	return l.Nonce(accountID) + 1
}

// LastSeq returns the head sequence number.
func (l *Ledger) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

// Confirmations returns lastSeq-seq+1 for an applied transaction, 0 for an
// unknown one.
func (l *Ledger) Confirmations(txID string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seq, ok := l.txSeq[txID]
	if !ok {
		return 0
	}
	return l.lastSeq - seq + 1
}

// EntriesSince returns up to limit entries with seq > since, and whether
// more remain.
func (l *Ledger) EntriesSince(since uint64, limit int) (entries []*Entry, lastSeq uint64, hasMore bool, err error) {
	if limit <= 0 {
		limit = 100
	}
	l.mu.RLock()
	head := l.lastSeq
	l.mu.RUnlock()

	iter := l.store.NewIterator(kv.Range{From: entryKey(since + 1), To: []byte("f")})
	defer iter.Release()
	for iter.Next() {
		if len(entries) >= limit {
			hasMore = true
			break
		}
		var entry Entry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, 0, false, errors.Wrap(err, "decode log entry")
		}
		entries = append(entries, &entry)
	}
	if err := iter.Error(); err != nil {
		return nil, 0, false, errors.Wrap(err, "iterate log")
	}
	return entries, head, hasMore, nil
}

// Accounts returns a snapshot of all projected balances.
func (l *Ledger) Accounts() map[string]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int64, len(l.balances))
	for id, bal := range l.balances {
		out[id] = bal
	}
	return out
}
