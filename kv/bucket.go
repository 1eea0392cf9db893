// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package kv

import "github.com/syndtr/goleveldb/leveldb/util"

// Bucket provides a logical keyspace inside a shared store by prefixing
// every key. The ledger, task and capsule stores each own one bucket of
// the node's main database.
type Bucket string

type bucketStore struct {
	b   Bucket
	src GetPutter
}

// NewStore creates a GetPutter whose keys are all prefixed with the bucket.
func (b Bucket) NewStore(src GetPutter) GetPutter {
	return &bucketStore{b, src}
}

func (s *bucketStore) key(key []byte) []byte {
	return append(append([]byte(nil), s.b...), key...)
}

func (s *bucketStore) Get(key []byte) ([]byte, error) {
	return s.src.Get(s.key(key))
}

func (s *bucketStore) Has(key []byte) (bool, error) {
	return s.src.Has(s.key(key))
}

func (s *bucketStore) IsNotFound(err error) bool {
	return s.src.IsNotFound(err)
}

func (s *bucketStore) Put(key, value []byte) error {
	return s.src.Put(s.key(key), value)
}

func (s *bucketStore) Delete(key []byte) error {
	return s.src.Delete(s.key(key))
}

func (s *bucketStore) NewBatch() Batch {
	return &bucketBatch{s, s.src.NewBatch()}
}

func (s *bucketStore) NewIterator(r Range) Iterator {
	var from, to []byte
	from = s.key(r.From)
	if len(r.To) == 0 {
		to = util.BytesPrefix([]byte(s.b)).Limit
	} else {
		to = s.key(r.To)
	}
	return &bucketIterator{s, s.src.NewIterator(Range{From: from, To: to})}
}

type bucketBatch struct {
	s     *bucketStore
	batch Batch
}

func (b *bucketBatch) Put(key, value []byte) error {
	return b.batch.Put(b.s.key(key), value)
}

func (b *bucketBatch) Delete(key []byte) error {
	return b.batch.Delete(b.s.key(key))
}

func (b *bucketBatch) NewBatch() Batch { return b.s.NewBatch() }
func (b *bucketBatch) Len() int        { return b.batch.Len() }
func (b *bucketBatch) Write() error    { return b.batch.Write() }

type bucketIterator struct {
	s    *bucketStore
	iter Iterator
}

func (i *bucketIterator) Next() bool    { return i.iter.Next() }
func (i *bucketIterator) Release()      { i.iter.Release() }
func (i *bucketIterator) Error() error  { return i.iter.Error() }
func (i *bucketIterator) Value() []byte { return i.iter.Value() }

func (i *bucketIterator) Key() []byte {
	return i.iter.Key()[len(i.s.b):]
}
