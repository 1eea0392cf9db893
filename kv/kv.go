// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package kv defines the interfaces of the node's durable key-value storage.
package kv

// Getter wraps methods for reading kvs.
type Getter interface {
	// Get retrieves the value for the given key.
	// An error is returned if the key is missing; check it via IsNotFound.
	Get(key []byte) (value []byte, err error)
	Has(key []byte) (bool, error)
	IsNotFound(error) bool

	NewIterator(r Range) Iterator
}

// Putter wraps methods for writing kvs.
type Putter interface {
	Put(key, value []byte) error
	Delete(key []byte) error

	NewBatch() Batch
}

// GetPutter groups reading and writing.
type GetPutter interface {
	Getter
	Putter
}

// GetPutCloser is a GetPutter that must be closed after use.
type GetPutCloser interface {
	GetPutter
	Close() error
}

// Batch defines a batch of put/delete ops committed atomically by Write.
type Batch interface {
	Putter

	Len() int
	Write() error
}

// Iterator iterates kv pairs in key order.
type Iterator interface {
	Next() bool
	Release()
	Error() error

	Key() []byte
	Value() []byte
}

// Range is a key range [From, To).
type Range struct {
	From []byte
	To   []byte
}
