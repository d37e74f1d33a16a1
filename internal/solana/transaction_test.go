package solana

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func newTestKeypair(t *testing.T) *Keypair {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kp, err := KeypairFromSecret(priv)
	if err != nil {
		t.Fatalf("KeypairFromSecret failed: %v", err)
	}
	return kp
}

func unsignedSwap(payer PublicKey, versioned bool) *Transaction {
	program := PublicKey{9, 9, 9}
	pool := PublicKey{7, 7, 7}
	tx := &Transaction{
		Signatures: make([][SignatureSize]byte, 1),
		Message: Message{
			Versioned: versioned,
			Header: MessageHeader{
				NumRequiredSignatures:       1,
				NumReadonlyUnsignedAccounts: 1,
			},
			AccountKeys:     []PublicKey{payer, pool, program},
			RecentBlockhash: Hash{1, 2, 3},
			Instructions: []CompiledInstruction{
				{ProgramIDIndex: 2, Accounts: []uint8{0, 1}, Data: bytes.Repeat([]byte{0xab}, 200)},
			},
		},
	}
	if versioned {
		tx.Message.AddressTableLookups = []AddressTableLookup{
			{AccountKey: PublicKey{5}, WritableIndexes: []uint8{0, 3}, ReadonlyIndexes: []uint8{1}},
		}
	}
	return tx
}

func TestTransactionRoundTrip(t *testing.T) {
	kp := newTestKeypair(t)
	for _, versioned := range []bool{false, true} {
		tx := unsignedSwap(kp.PublicKey(), versioned)
		decoded, err := DecodeTransactionBase64(tx.Base64())
		if err != nil {
			t.Fatalf("versioned=%v: decode failed: %v", versioned, err)
		}
		if !bytes.Equal(decoded.Serialize(), tx.Serialize()) {
			t.Fatalf("versioned=%v: round trip changed bytes", versioned)
		}
		if decoded.Message.Versioned != versioned {
			t.Fatalf("versioned=%v: version flag lost", versioned)
		}
		if len(decoded.Message.Instructions[0].Data) != 200 {
			t.Fatalf("versioned=%v: instruction data length %d", versioned, len(decoded.Message.Instructions[0].Data))
		}
	}
}

func TestTransactionSign(t *testing.T) {
	kp := newTestKeypair(t)
	tx := unsignedSwap(kp.PublicKey(), true)
	tx.SetRecentBlockhash(Hash{42})
	if err := tx.Sign(kp); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	pub := kp.PublicKey()
	if !ed25519.Verify(pub[:], tx.Message.Serialize(), tx.Signatures[0][:]) {
		t.Fatal("signature does not verify over message")
	}
	if tx.ID() == "" {
		t.Fatal("expected transaction id")
	}
	payer, err := tx.FeePayer()
	if err != nil || payer != pub {
		t.Fatalf("unexpected fee payer: %s %v", payer, err)
	}
}

func TestTransactionSignRejectsForeignKey(t *testing.T) {
	owner := newTestKeypair(t)
	other := newTestKeypair(t)
	tx := unsignedSwap(owner.PublicKey(), false)
	if err := tx.Sign(other); err == nil {
		t.Fatal("expected error signing with a key that is not a signer")
	}
}

func TestTransactionSignRequiresCosigners(t *testing.T) {
	kp := newTestKeypair(t)
	tx := unsignedSwap(kp.PublicKey(), false)
	tx.Message.Header.NumRequiredSignatures = 2
	tx.Signatures = make([][SignatureSize]byte, 2)
	if err := tx.Sign(kp); err == nil {
		t.Fatal("expected error when a co-signer is missing")
	}
}

func TestDecodeTransactionRejectsMalformed(t *testing.T) {
	kp := newTestKeypair(t)
	good := unsignedSwap(kp.PublicKey(), true).Serialize()

	cases := map[string][]byte{
		"empty":          {},
		"truncated":      good[:len(good)-3],
		"trailing":       append(append([]byte{}, good...), 0x00),
		"huge sig count": {0xff, 0xff, 0x03},
	}
	for name, raw := range cases {
		if _, err := DecodeTransaction(raw); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}

	v1 := append([]byte{}, good...)
	v1[1+SignatureSize] = versionPrefix | 1
	if _, err := DecodeTransaction(v1); err == nil {
		t.Fatal("expected unsupported version error")
	}
}

func TestCompactU16(t *testing.T) {
	for _, v := range []int{0, 1, 127, 128, 255, 16383, 16384, 65535} {
		var buf bytes.Buffer
		writeCompactU16(&buf, v)
		d := &decoder{buf: buf.Bytes()}
		got, err := d.compactU16()
		if err != nil {
			t.Fatalf("%d: decode failed: %v", v, err)
		}
		if got != v || d.remaining() != 0 {
			t.Fatalf("%d: got %d remaining=%d", v, got, d.remaining())
		}
	}
	d := &decoder{buf: []byte{0x80, 0x80, 0x80, 0x01}}
	if _, err := d.compactU16(); err == nil {
		t.Fatal("expected error for four-byte encoding")
	}
}

func TestTransactionSignRejectsStaleCosignature(t *testing.T) {
	owner := newTestKeypair(t)
	cosigner := newTestKeypair(t)
	tx := unsignedSwap(owner.PublicKey(), true)
	tx.Message.Header.NumRequiredSignatures = 2
	tx.Message.AccountKeys = append(tx.Message.AccountKeys[:1], append([]PublicKey{cosigner.PublicKey()}, tx.Message.AccountKeys[1:]...)...)
	tx.Message.Instructions[0].ProgramIDIndex = 3
	tx.Message.Instructions[0].Accounts = []uint8{0, 2}
	tx.Signatures = make([][SignatureSize]byte, 2)
	copy(tx.Signatures[1][:], cosigner.Sign(tx.Message.Serialize()))

	tx.SetRecentBlockhash(Hash{42})
	if err := tx.Sign(owner); err == nil {
		t.Fatal("expected error when the co-signature predates the blockhash")
	}

	copy(tx.Signatures[1][:], cosigner.Sign(tx.Message.Serialize()))
	if err := tx.Sign(owner); err != nil {
		t.Fatalf("Sign with a current co-signature failed: %v", err)
	}
	pub := owner.PublicKey()
	if !ed25519.Verify(pub[:], tx.Message.Serialize(), tx.Signatures[0][:]) {
		t.Fatal("owner signature does not verify over message")
	}
}
