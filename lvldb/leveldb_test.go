// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package lvldb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/mesh/kv"
)

func TestGetPut(t *testing.T) {
	db, err := NewMem()
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Get([]byte("missing"))
	assert.True(t, db.IsNotFound(err))

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	has, err := db.Has([]byte("k"))
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, db.Delete([]byte("k")))
	_, err = db.Get([]byte("k"))
	assert.True(t, db.IsNotFound(err))
}

func TestBatchAndIterator(t *testing.T) {
	db, err := NewMem()
	require.NoError(t, err)
	defer db.Close()

	batch := db.NewBatch()
	batch.Put([]byte("a1"), []byte("1"))
	batch.Put([]byte("a2"), []byte("2"))
	batch.Put([]byte("b1"), []byte("3"))
	require.NoError(t, batch.Write())

	iter := db.NewIterator(kv.Range{From: []byte("a"), To: []byte("b")})
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	require.NoError(t, iter.Error())
	assert.Equal(t, []string{"a1", "a2"}, keys)
}

func TestBucket(t *testing.T) {
	db, err := NewMem()
	require.NoError(t, err)
	defer db.Close()

	bucket := kv.Bucket("ledger-").NewStore(db)
	require.NoError(t, bucket.Put([]byte("x"), []byte("1")))

	raw, err := db.Get([]byte("ledger-x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), raw)

	iter := bucket.NewIterator(kv.Range{})
	defer iter.Release()
	require.True(t, iter.Next())
	assert.Equal(t, []byte("x"), iter.Key())
}

func TestWriteSyncPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := New(dir, Options{WriteSync: true})
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k1"), []byte("v1")))

	batch := db.NewBatch()
	require.NoError(t, batch.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, batch.Write())
	require.NoError(t, db.Close())

	reopened, err := New(dir, Options{WriteSync: true})
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
	v, err = reopened.Get([]byte("k2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)
}
