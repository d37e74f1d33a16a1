package solana

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// PublicKey is a 32-byte ed25519 public key or program-derived address.
type PublicKey [32]byte

// Hash is a 32-byte block reference.
type Hash [32]byte

func PublicKeyFromBase58(s string) (PublicKey, error) {
	var k PublicKey
	b, err := base58.Decode(strings.TrimSpace(s))
	if err != nil {
		return k, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("public key must be 32 bytes, got %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

func (k PublicKey) String() string { return base58.Encode(k[:]) }

// IsOnCurve reports whether k is a valid ed25519 point, i.e. a key that can
// sign rather than a program-derived address.
func (k PublicKey) IsOnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(k[:])
	return err == nil
}

func HashFromBase58(s string) (Hash, error) {
	var h Hash
	b, err := base58.Decode(strings.TrimSpace(s))
	if err != nil {
		return h, fmt.Errorf("decode blockhash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("blockhash must be 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) String() string { return base58.Encode(h[:]) }

// Keypair is an in-memory signing key. Call Wipe as soon as signing is done.
type Keypair struct {
	private ed25519.PrivateKey
}

// KeypairFromSecret copies a 64-byte ed25519 private key. The caller keeps
// ownership of secret and should wipe it separately.
func KeypairFromSecret(secret []byte) (*Keypair, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, secret)
	derived := ed25519.NewKeyFromSeed(priv.Seed())
	if !bytes.Equal(derived[32:], priv[32:]) {
		wipe(priv)
		wipe(derived)
		return nil, fmt.Errorf("secret public half does not match its seed")
	}
	wipe(derived)
	return &Keypair{private: priv}, nil
}

func (k *Keypair) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], k.private[32:])
	return pk
}

func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Wipe zeroes the private key. The keypair is unusable afterwards.
func (k *Keypair) Wipe() {
	if k == nil {
		return
	}
	wipe(k.private)
	k.private = nil
}

func (k *Keypair) Wiped() bool { return k == nil || k.private == nil }

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
