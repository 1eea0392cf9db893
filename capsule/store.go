// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package capsule

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/openclaw/mesh/kv"
	"github.com/openclaw/mesh/metrics"
)

var log = log15.New("pkg", "capsule")

var (
	metricStored  = metrics.Counter("capsule_stored_total")
	metricQueries = metrics.Counter("capsule_queries_total")
)

var (
	recordBucket = kv.Bucket("c")
	indexBucket  = kv.Bucket("i")
)

// ErrTampered is returned when a record's recomputed content address
// does not match its stored id.
var ErrTampered = errors.New("capsule content does not match asset id")

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	Type          string
	Creator       string
	Status        string
	Tags          []string
	Text          string
	MinConfidence float64
	Limit         int
}

// Store persists capsule records in a keyspace of the node database.
type Store struct {
	mu      sync.RWMutex
	records kv.GetPutter
	index   kv.GetPutter
}

// NewStore opens the capsule keyspace of db.
func NewStore(db kv.GetPutter) *Store {
	return &Store{
		records: recordBucket.NewStore(db),
		index:   indexBucket.NewStore(db),
	}
}

// Put stores a record, filling defaults and indexing its tokens.
// Idempotent on asset id. Records carrying content are tamper-checked
// against their id.
func (s *Store) Put(rec *Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.fillDefaults()
	if rec.AssetID == "" {
		return "", errors.New("capsule has neither content nor asset id")
	}
	if len(rec.Content) > 0 && AssetIDOf(rec.Content) != rec.AssetID {
		return "", ErrTampered
	}

	key := []byte(rec.AssetID)
	if has, err := s.records.Has(key); err != nil {
		return "", errors.Wrap(err, "check capsule")
	} else if has {
		return rec.AssetID, nil
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "marshal capsule")
	}
	if err := s.records.Put(key, raw); err != nil {
		return "", errors.Wrap(err, "store capsule")
	}
	if err := s.indexRecord(rec); err != nil {
		return "", err
	}
	metricStored.Add(1)
	log.Debug("capsule stored", "asset", rec.AssetID, "type", rec.Type)
	return rec.AssetID, nil
}

// Get loads a record by asset id. Records with content are verified
// against their id on every read.
func (s *Store) Get(assetID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(assetID)
}

func (s *Store) getLocked(assetID string) (*Record, error) {
	raw, err := s.records.Get([]byte(assetID))
	if err != nil {
		if s.records.IsNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "load capsule")
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "decode capsule")
	}
	if len(rec.Content) > 0 && AssetIDOf(rec.Content) != rec.AssetID {
		return nil, ErrTampered
	}
	return &rec, nil
}

// GrantAccess records that buyer's purchase of assetID has confirmed.
func (s *Store) GrantAccess(assetID, buyer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getLocked(assetID)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.Errorf("unknown capsule %s", assetID)
	}
	if rec.HasBuyer(buyer) {
		return nil
	}
	rec.Buyers = append(rec.Buyers, buyer)
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal capsule")
	}
	return errors.Wrap(s.records.Put([]byte(assetID), raw), "store capsule")
}

// Query returns records matching the filter, sorted by confidence
// descending then asset id ascending. Tag and text filters hit the
// token index; the rest scans.
func (s *Store) Query(filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metricQueries.Add(1)

	var tokens []string
	for _, tag := range filter.Tags {
		tokens = append(tokens, strings.ToLower(tag))
	}
	tokens = append(tokens, tokenize(filter.Text)...)

	var results []*Record
	if len(tokens) > 0 {
		ids, err := s.intersectIndexed(tokens)
		if err != nil {
			return nil, err
		}
		for id := range ids {
			rec, err := s.getLocked(id)
			if err != nil {
				return nil, err
			}
			if rec != nil && matches(rec, &filter) {
				results = append(results, rec)
			}
		}
	} else {
		iter := s.records.NewIterator(kv.Range{})
		defer iter.Release()
		for iter.Next() {
			var rec Record
			if err := json.Unmarshal(iter.Value(), &rec); err != nil {
				return nil, errors.Wrap(err, "decode capsule")
			}
			if matches(&rec, &filter) {
				cp := rec
				results = append(results, &cp)
			}
		}
		if err := iter.Error(); err != nil {
			return nil, errors.Wrap(err, "scan capsules")
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		return results[i].AssetID < results[j].AssetID
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// Search does a case-insensitive substring match over the serialized
// record.
func (s *Store) Search(text string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(text)
	var results []*Record
	iter := s.records.NewIterator(kv.Range{})
	defer iter.Release()
	for iter.Next() {
		if !strings.Contains(strings.ToLower(string(iter.Value())), needle) {
			continue
		}
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, errors.Wrap(err, "decode capsule")
		}
		results = append(results, &rec)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "scan capsules")
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		return results[i].AssetID < results[j].AssetID
	})
	return results, nil
}

// Count returns the number of stored capsules.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	iter := s.records.NewIterator(kv.Range{})
	defer iter.Release()
	for iter.Next() {
		n++
	}
	return n, errors.Wrap(iter.Error(), "scan capsules")
}

func (s *Store) indexRecord(rec *Record) error {
	for _, token := range rec.indexTokens() {
		ids, err := s.indexedIDs(token)
		if err != nil {
			return err
		}
		if contains(ids, rec.AssetID) {
			continue
		}
		ids = append(ids, rec.AssetID)
		sort.Strings(ids)
		raw, err := json.Marshal(ids)
		if err != nil {
			return errors.Wrap(err, "marshal index")
		}
		if err := s.index.Put([]byte(token), raw); err != nil {
			return errors.Wrap(err, "store index")
		}
	}
	return nil
}

func (s *Store) indexedIDs(token string) ([]string, error) {
	raw, err := s.index.Get([]byte(token))
	if err != nil {
		if s.index.IsNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "load index")
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, errors.Wrap(err, "decode index")
	}
	return ids, nil
}

// intersectIndexed returns ids present under every token.
func (s *Store) intersectIndexed(tokens []string) (map[string]struct{}, error) {
	var result map[string]struct{}
	for _, token := range tokens {
		ids, err := s.indexedIDs(token)
		if err != nil {
			return nil, err
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		if result == nil {
			result = set
			continue
		}
		for id := range result {
			if _, ok := set[id]; !ok {
				delete(result, id)
			}
		}
	}
	if result == nil {
		result = make(map[string]struct{})
	}
	return result, nil
}

func matches(rec *Record, filter *Filter) bool {
	if filter.Type != "" && rec.Type != filter.Type {
		return false
	}
	if filter.Creator != "" && rec.Attribution.Creator != filter.Creator {
		return false
	}
	if filter.Status != "" && rec.Status != filter.Status {
		return false
	}
	if rec.Confidence < filter.MinConfidence {
		return false
	}
	if len(filter.Tags) > 0 {
		have := make(map[string]struct{}, len(rec.Tags))
		for _, tag := range rec.Tags {
			have[strings.ToLower(tag)] = struct{}{}
		}
		for _, tag := range filter.Tags {
			if _, ok := have[strings.ToLower(tag)]; !ok {
				return false
			}
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
