package solana

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	SignatureSize = 64

	versionPrefix = 0x80
)

var errShortBuffer = errors.New("transaction truncated")

type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

type AddressTableLookup struct {
	AccountKey      PublicKey
	WritableIndexes []uint8
	ReadonlyIndexes []uint8
}

// Message is a legacy or v0 transaction message.
type Message struct {
	Versioned           bool
	Version             uint8
	Header              MessageHeader
	AccountKeys         []PublicKey
	RecentBlockhash     Hash
	Instructions        []CompiledInstruction
	AddressTableLookups []AddressTableLookup
}

type Transaction struct {
	Signatures [][SignatureSize]byte
	Message    Message
}

func DecodeTransactionBase64(s string) (*Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode transaction base64: %w", err)
	}
	return DecodeTransaction(raw)
}

func DecodeTransaction(raw []byte) (*Transaction, error) {
	d := &decoder{buf: raw}
	n, err := d.compactU16()
	if err != nil {
		return nil, err
	}
	if n*SignatureSize > d.remaining() {
		return nil, errShortBuffer
	}
	tx := &Transaction{Signatures: make([][SignatureSize]byte, n)}
	for i := range tx.Signatures {
		b, err := d.take(SignatureSize)
		if err != nil {
			return nil, err
		}
		copy(tx.Signatures[i][:], b)
	}
	msg, err := decodeMessage(d)
	if err != nil {
		return nil, err
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("transaction has %d trailing bytes", d.remaining())
	}
	tx.Message = msg
	if int(msg.Header.NumRequiredSignatures) != len(tx.Signatures) {
		return nil, fmt.Errorf("transaction carries %d signatures, header requires %d", len(tx.Signatures), msg.Header.NumRequiredSignatures)
	}
	return tx, nil
}

func decodeMessage(d *decoder) (Message, error) {
	var m Message
	first, err := d.u8()
	if err != nil {
		return m, err
	}
	if first&versionPrefix != 0 {
		m.Versioned = true
		m.Version = first &^ versionPrefix
		if m.Version != 0 {
			return m, fmt.Errorf("unsupported message version %d", m.Version)
		}
		if m.Header.NumRequiredSignatures, err = d.u8(); err != nil {
			return m, err
		}
	} else {
		m.Header.NumRequiredSignatures = first
	}
	if m.Header.NumReadonlySignedAccounts, err = d.u8(); err != nil {
		return m, err
	}
	if m.Header.NumReadonlyUnsignedAccounts, err = d.u8(); err != nil {
		return m, err
	}

	nKeys, err := d.compactU16()
	if err != nil {
		return m, err
	}
	m.AccountKeys = make([]PublicKey, nKeys)
	for i := range m.AccountKeys {
		b, err := d.take(32)
		if err != nil {
			return m, err
		}
		copy(m.AccountKeys[i][:], b)
	}
	if int(m.Header.NumRequiredSignatures) > len(m.AccountKeys) {
		return m, fmt.Errorf("header requires %d signers but message has %d keys", m.Header.NumRequiredSignatures, len(m.AccountKeys))
	}

	b, err := d.take(32)
	if err != nil {
		return m, err
	}
	copy(m.RecentBlockhash[:], b)

	nIx, err := d.compactU16()
	if err != nil {
		return m, err
	}
	m.Instructions = make([]CompiledInstruction, nIx)
	for i := range m.Instructions {
		ix := &m.Instructions[i]
		if ix.ProgramIDIndex, err = d.u8(); err != nil {
			return m, err
		}
		if ix.Accounts, err = d.prefixedBytes(); err != nil {
			return m, err
		}
		if ix.Data, err = d.prefixedBytes(); err != nil {
			return m, err
		}
	}

	if !m.Versioned {
		return m, nil
	}
	nLookups, err := d.compactU16()
	if err != nil {
		return m, err
	}
	m.AddressTableLookups = make([]AddressTableLookup, nLookups)
	for i := range m.AddressTableLookups {
		l := &m.AddressTableLookups[i]
		b, err := d.take(32)
		if err != nil {
			return m, err
		}
		copy(l.AccountKey[:], b)
		if l.WritableIndexes, err = d.prefixedBytes(); err != nil {
			return m, err
		}
		if l.ReadonlyIndexes, err = d.prefixedBytes(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// Serialize returns the message bytes covered by signatures.
func (m Message) Serialize() []byte {
	var buf bytes.Buffer
	if m.Versioned {
		buf.WriteByte(versionPrefix | m.Version)
	}
	buf.WriteByte(m.Header.NumRequiredSignatures)
	buf.WriteByte(m.Header.NumReadonlySignedAccounts)
	buf.WriteByte(m.Header.NumReadonlyUnsignedAccounts)

	writeCompactU16(&buf, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		buf.Write(k[:])
	}
	buf.Write(m.RecentBlockhash[:])

	writeCompactU16(&buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIDIndex)
		writePrefixed(&buf, ix.Accounts)
		writePrefixed(&buf, ix.Data)
	}

	if m.Versioned {
		writeCompactU16(&buf, len(m.AddressTableLookups))
		for _, l := range m.AddressTableLookups {
			buf.Write(l.AccountKey[:])
			writePrefixed(&buf, l.WritableIndexes)
			writePrefixed(&buf, l.ReadonlyIndexes)
		}
	}
	return buf.Bytes()
}

func (tx *Transaction) Serialize() []byte {
	var buf bytes.Buffer
	writeCompactU16(&buf, len(tx.Signatures))
	for _, sig := range tx.Signatures {
		buf.Write(sig[:])
	}
	buf.Write(tx.Message.Serialize())
	return buf.Bytes()
}

func (tx *Transaction) Base64() string {
	return base64.StdEncoding.EncodeToString(tx.Serialize())
}

// FeePayer is the first account key; it always signs.
func (tx *Transaction) FeePayer() (PublicKey, error) {
	if len(tx.Message.AccountKeys) == 0 {
		return PublicKey{}, errors.New("transaction has no account keys")
	}
	return tx.Message.AccountKeys[0], nil
}

func (tx *Transaction) SetRecentBlockhash(h Hash) {
	tx.Message.RecentBlockhash = h
}

// Sign fills the signature slot belonging to kp. Every other required
// signature must already be present and must verify over the current
// message, so a co-signature taken before SetRecentBlockhash is rejected.
func (tx *Transaction) Sign(kp *Keypair) error {
	pub := kp.PublicKey()
	required := int(tx.Message.Header.NumRequiredSignatures)
	slot := -1
	for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i] == pub {
			slot = i
			break
		}
	}
	if slot < 0 {
		return fmt.Errorf("key %s is not a required signer", pub)
	}
	if len(tx.Signatures) < required {
		sigs := make([][SignatureSize]byte, required)
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}
	msg := tx.Message.Serialize()
	var empty [SignatureSize]byte
	for i := 0; i < required; i++ {
		if i == slot {
			continue
		}
		if tx.Signatures[i] == empty {
			return fmt.Errorf("transaction requires an additional signature from %s", tx.Message.AccountKeys[i])
		}
		signer := tx.Message.AccountKeys[i]
		if !ed25519.Verify(signer[:], msg, tx.Signatures[i][:]) {
			return fmt.Errorf("signature from %s does not cover the current message", signer)
		}
	}
	copy(tx.Signatures[slot][:], kp.Sign(msg))
	return nil
}

// ID is the base58 first signature, which the network uses as the
// transaction id.
func (tx *Transaction) ID() string {
	if len(tx.Signatures) == 0 {
		return ""
	}
	return base58.Encode(tx.Signatures[0][:])
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) u8() (byte, error) {
	if d.remaining() < 1 {
		return 0, errShortBuffer
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || d.remaining() < n {
		return nil, errShortBuffer
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) prefixedBytes() ([]byte, error) {
	n, err := d.compactU16()
	if err != nil {
		return nil, err
	}
	b, err := d.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// compactU16 reads the 1-3 byte little-endian base-128 length encoding.
func (d *decoder) compactU16() (int, error) {
	var v int
	for i := 0; i < 3; i++ {
		b, err := d.u8()
		if err != nil {
			return 0, err
		}
		v |= int(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			if v > 0xffff {
				return 0, errors.New("compact-u16 overflow")
			}
			return v, nil
		}
	}
	return 0, errors.New("compact-u16 too long")
}

func writeCompactU16(buf *bytes.Buffer, v int) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

func writePrefixed(buf *bytes.Buffer, b []byte) {
	writeCompactU16(buf, len(b))
	buf.Write(b)
}
