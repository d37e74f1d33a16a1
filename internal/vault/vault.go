package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"strings"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/mr-tron/base58"
)

const (
	// KeySize is the master key length required by AES-256.
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// Vault seals wallet secrets under a single master key. Identity and passcode
// never become key material; they are bound into the GCM tag as associated data.
type Vault struct {
	aead cipher.AEAD
}

// New builds a vault for the given master key. The key must be exactly
// KeySize bytes; anything else is a configuration error.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != KeySize {
		return nil, clierr.New(clierr.CodeConfig, "master key must be exactly 32 bytes")
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeConfig, "init master key cipher", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeConfig, "init master key cipher", err)
	}
	return &Vault{aead: aead}, nil
}

// ParseMasterKey decodes a master key given as 64 hex characters or as
// standard/URL base64 of 32 bytes.
func ParseMasterKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, clierr.New(clierr.CodeConfig, "master key is not configured (set SWAPVAULT_MASTER_KEY)")
	}
	if len(raw) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(raw)
		if err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, clierr.New(clierr.CodeConfig, "master key must decode to exactly 32 bytes (64 hex chars or base64)")
}

// GenerateMasterKey returns a fresh hex-encoded master key.
func GenerateMasterKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "generate master key", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt seals secret with a fresh random nonce and returns
// base64(nonce || ciphertext || tag).
func (v *Vault) Encrypt(secret []byte, identityID, passcode string) (string, error) {
	if v == nil || v.aead == nil {
		return "", clierr.New(clierr.CodeConfig, "vault is not initialized")
	}
	nonce := make([]byte, nonceSize, nonceSize+len(secret)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "generate nonce", err)
	}
	sealed := v.aead.Seal(nonce, nonce, secret, associatedData(identityID, passcode))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Every failure mode returns the same
// authentication error and no plaintext.
func (v *Vault) Decrypt(blob, identityID, passcode string) ([]byte, error) {
	if v == nil || v.aead == nil {
		return nil, clierr.New(clierr.CodeConfig, "vault is not initialized")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil || len(raw) < nonceSize+tagSize {
		return nil, authFailure()
	}
	plaintext, err := v.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], associatedData(identityID, passcode))
	if err != nil {
		return nil, authFailure()
	}
	return plaintext, nil
}

// associatedData length-prefixes each component so that ("ab","c") and
// ("a","bc") never produce the same bytes.
func associatedData(identityID, passcode string) []byte {
	buf := make([]byte, 0, 8+len(identityID)+len(passcode))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(identityID)))
	buf = append(buf, identityID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(passcode)))
	buf = append(buf, passcode...)
	return buf
}

func authFailure() error {
	return clierr.New(clierr.CodeAuth, "incorrect passcode")
}

// GenerateSecret creates a new ed25519 signing keypair. The secret material is
// the 64-byte private key; the public identity is its base58 public key.
func GenerateSecret() (string, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, clierr.Wrap(clierr.CodeInternal, "generate keypair", err)
	}
	return base58.Encode(pub), []byte(priv), nil
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
