package solana

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestPublicKeyBase58(t *testing.T) {
	const usdc = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	k, err := PublicKeyFromBase58(usdc)
	if err != nil {
		t.Fatalf("PublicKeyFromBase58 failed: %v", err)
	}
	if k.String() != usdc {
		t.Fatalf("round trip mismatch: %s", k)
	}
	for _, bad := range []string{"", "0OIl", "abc"} {
		if _, err := PublicKeyFromBase58(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestIsOnCurve(t *testing.T) {
	kp := newTestKeypair(t)
	if !kp.PublicKey().IsOnCurve() {
		t.Fatal("generated key must be on curve")
	}

	var offCurve int
	for i := 0; i < 64; i++ {
		var k PublicKey
		k[0] = byte(i)
		k[1] = 0xee
		if !k.IsOnCurve() {
			offCurve++
		}
	}
	if offCurve == 0 {
		t.Fatal("expected some arbitrary points to be off curve")
	}
}

func TestKeypairFromSecret(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kp, err := KeypairFromSecret(priv)
	if err != nil {
		t.Fatalf("KeypairFromSecret failed: %v", err)
	}
	got := kp.PublicKey()
	if string(got[:]) != string(pub) {
		t.Fatal("public key mismatch")
	}

	// The keypair owns a copy; wiping the caller's buffer must not break it.
	for i := range priv {
		priv[i] = 0
	}
	sig := kp.Sign([]byte("msg"))
	if !ed25519.Verify(pub, []byte("msg"), sig) {
		t.Fatal("signature does not verify")
	}

	kp.Wipe()
	if kp.private != nil {
		t.Fatal("expected wiped keypair")
	}

	if _, err := KeypairFromSecret(make([]byte, 32)); err == nil {
		t.Fatal("expected size error")
	}
	_, other, _ := ed25519.GenerateKey(rand.Reader)
	_, mine, _ := ed25519.GenerateKey(rand.Reader)
	mixed := append(append([]byte{}, mine[:32]...), other[32:]...)
	if _, err := KeypairFromSecret(mixed); err == nil {
		t.Fatal("expected mismatched public half error")
	}
}
