// Package keys generates the Ed25519 signing keypairs assigned to each
// contract instance at materialization time (spec.md §4.5).
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Keypair is a freshly generated instance signing identity, hex-encoded the
// way hp.cfg stores it.
type Keypair struct {
	PublicKeyHex  string
	PrivateKeyHex string
}

// Generate produces a new Ed25519 keypair. The public key is prefixed with
// "ed" the way the rest of the wire contract represents HotPocket pubkeys
// (spec.md §8 scenario 2: "a 66-char hex string" — 64 hex chars of key
// material plus the 2-char "ed" prefix).
func Generate() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("keys: generate ed25519 keypair: %w", err)
	}

	return Keypair{
		PublicKeyHex:  "ed" + hex.EncodeToString(pub),
		PrivateKeyHex: hex.EncodeToString(priv),
	}, nil
}
