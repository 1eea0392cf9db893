// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package wallet

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountIDFormat(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(w.AccountID(), "acct_"))
	assert.Len(t, w.AccountID(), len("acct_")+16)
	assert.Equal(t, w.AccountID(), AccountIDOf(w.PublicKeyPEM()))

	assert.True(t, strings.HasPrefix(w.NodeID(), "node_"))
	assert.Equal(t, w.AccountID(), AccountIDOfNode(w.NodeID()))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)

	payload := []byte(`{"type":"transfer","amount":100}`)
	sig := w.Sign(payload)

	assert.True(t, Verify(w.PublicKeyPEM(), payload, sig))

	// any mutation of the payload fails verification
	mutated := append([]byte(nil), payload...)
	mutated[10]++
	assert.False(t, Verify(w.PublicKeyPEM(), mutated, sig))

	// a foreign key fails verification
	other, err := Generate()
	require.NoError(t, err)
	assert.False(t, Verify(other.PublicKeyPEM(), payload, sig))
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()

	w, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, w.AccountID(), loaded.AccountID())
	assert.Equal(t, w.PublicKeyPEM(), loaded.PublicKeyPEM())

	// LoadOrGenerate is stable across restarts
	again, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	assert.Equal(t, w.AccountID(), again.AccountID())
}

func TestImportChecksKeyMaterial(t *testing.T) {
	dir := t.TempDir()
	w, err := LoadOrGenerate(dir)
	require.NoError(t, err)

	privPEM, err := readPrivPEM(dir)
	require.NoError(t, err)

	imported, err := Import(privPEM, w.PublicKeyPEM(), w.AccountID())
	require.NoError(t, err)
	assert.Equal(t, w.AccountID(), imported.AccountID())

	other, err := Generate()
	require.NoError(t, err)

	_, err = Import(privPEM, other.PublicKeyPEM(), w.AccountID())
	assert.True(t, errors.Is(err, ErrBadKeyMaterial))

	_, err = Import(privPEM, w.PublicKeyPEM(), other.AccountID())
	assert.True(t, errors.Is(err, ErrBadKeyMaterial))
}

func readPrivPEM(dir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, privKeyFile))
	return string(raw), err
}
