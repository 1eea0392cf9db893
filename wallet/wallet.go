// Copyright (c) 2026 The OpenClaw Mesh developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package wallet manages the node's Ed25519 keypair and the account
// identifier derived from it.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	privKeyFile = "master.key"
	pubKeyFile  = "master.pub"

	// AccountIDPrefix prefixes all account ids.
	AccountIDPrefix = "acct_"
	// NodeIDPrefix prefixes all node ids.
	NodeIDPrefix = "node_"

	idHexLen = 16
)

// ErrBadKeyMaterial is returned when imported key material is inconsistent
// with its declared public key or account id.
var ErrBadKeyMaterial = errors.New("bad key material")

// Wallet holds the node's keypair.
type Wallet struct {
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	pubPEM    string
	accountID string
}

// Generate creates a fresh keypair.
func Generate() (*Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate keypair")
	}
	return fromKeys(priv, pub)
}

// Load reads the keypair persisted under dir.
func Load(dir string) (*Wallet, error) {
	privPEM, err := os.ReadFile(filepath.Join(dir, privKeyFile))
	if err != nil {
		return nil, errors.Wrap(err, "read master key")
	}
	return FromPEM(string(privPEM))
}

// LoadOrGenerate loads the keypair under dir, generating and persisting a
// fresh one if none exists yet.
func LoadOrGenerate(dir string) (*Wallet, error) {
	if _, err := os.Stat(filepath.Join(dir, privKeyFile)); err == nil {
		return Load(dir)
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "stat master key")
	}
	w, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := w.Save(dir); err != nil {
		return nil, err
	}
	return w, nil
}

// FromPEM builds a wallet from a PKCS#8 PEM encoded private key.
func FromPEM(privPEM string) (*Wallet, error) {
	block, _ := pem.Decode([]byte(privPEM))
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.WithMessage(ErrBadKeyMaterial, "not a private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.WithMessage(ErrBadKeyMaterial, err.Error())
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.WithMessage(ErrBadKeyMaterial, "not an ed25519 key")
	}
	return fromKeys(priv, priv.Public().(ed25519.PublicKey))
}

// Import builds a wallet from a private key PEM and verifies it against the
// declared public key PEM and account id. Any mismatch fails with
// ErrBadKeyMaterial.
func Import(privPEM, declaredPubPEM, declaredAccountID string) (*Wallet, error) {
	w, err := FromPEM(privPEM)
	if err != nil {
		return nil, err
	}
	if w.pubPEM != declaredPubPEM {
		return nil, errors.WithMessage(ErrBadKeyMaterial, "public key mismatch")
	}
	if w.accountID != declaredAccountID {
		return nil, errors.WithMessage(ErrBadKeyMaterial, "account id mismatch")
	}
	return w, nil
}

func fromKeys(priv ed25519.PrivateKey, pub ed25519.PublicKey) (*Wallet, error) {
	pubPEM, err := EncodePublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Wallet{
		priv:      priv,
		pub:       pub,
		pubPEM:    pubPEM,
		accountID: AccountIDOf(pubPEM),
	}, nil
}

// Save persists the keypair under dir. Writes are atomic so a crash cannot
// leave a half-written key behind.
func (w *Wallet) Save(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrap(err, "create wallet dir")
	}
	der, err := x509.MarshalPKCS8PrivateKey(w.priv)
	if err != nil {
		return errors.Wrap(err, "marshal private key")
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := writeFileAtomic(filepath.Join(dir, privKeyFile), privPEM, 0600); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, pubKeyFile), []byte(w.pubPEM), 0644)
}

// AccountID returns the account id derived from the public key.
func (w *Wallet) AccountID() string { return w.accountID }

// NodeID returns the node id derived from the public key. It shares the hex
// suffix with the account id, so peers can map a node to its account without
// extra lookups.
func (w *Wallet) NodeID() string {
	return NodeIDPrefix + w.accountID[len(AccountIDPrefix):]
}

// PublicKeyPEM returns the PKIX PEM encoding of the public key.
func (w *Wallet) PublicKeyPEM() string { return w.pubPEM }

// Sign signs the payload, returning the base64 encoded signature.
func (w *Wallet) Sign(payload []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(w.priv, payload))
}

// Verify checks sig (base64) over payload against the PKIX PEM encoded
// public key.
func Verify(pubPEM string, payload []byte, sig string) bool {
	pub, err := DecodePublicKey(pubPEM)
	if err != nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, raw)
}

// AccountIDOf derives the account id from a PKIX PEM encoded public key.
func AccountIDOf(pubPEM string) string {
	sum := sha256.Sum256([]byte(pubPEM))
	return AccountIDPrefix + hex.EncodeToString(sum[:])[:idHexLen]
}

// NodeIDOf derives the node id from a PKIX PEM encoded public key.
func NodeIDOf(pubPEM string) string {
	return NodeIDPrefix + AccountIDOf(pubPEM)[len(AccountIDPrefix):]
}

// AccountIDOfNode maps a node id back to the account id of the same key.
func AccountIDOfNode(nodeID string) string {
	if len(nodeID) <= len(NodeIDPrefix) {
		return ""
	}
	return AccountIDPrefix + nodeID[len(NodeIDPrefix):]
}

// EncodePublicKey encodes an Ed25519 public key as PKIX PEM.
func EncodePublicKey(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "marshal public key")
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// DecodePublicKey decodes a PKIX PEM encoded Ed25519 public key.
func DecodePublicKey(pubPEM string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.WithMessage(ErrBadKeyMaterial, "not a public key PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.WithMessage(ErrBadKeyMaterial, err.Error())
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.WithMessage(ErrBadKeyMaterial, "not an ed25519 key")
	}
	return pub, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return errors.Wrap(err, "write key file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "rename key file")
	}
	return nil
}
