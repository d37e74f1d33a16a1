package wallet

import (
	"context"
	"strings"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
)

// Record is the persisted custody record for one identity. EncryptedSecret
// is only readable with the master key, the identity and its passcode.
type Record struct {
	IdentityID      string    `json:"identity_id"`
	PublicKey       string    `json:"public_key"`
	EncryptedSecret string    `json:"encrypted_secret"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Store persists wallet records keyed by identity.
type Store interface {
	// Get returns a NotFound error when the identity has no wallet.
	Get(ctx context.Context, identityID string) (Record, error)
	// Create inserts rec unless a record already exists, in which case it
	// returns a WalletExists error and leaves the stored record untouched.
	Create(ctx context.Context, rec Record) error
	// Put replaces an existing record.
	Put(ctx context.Context, rec Record) error
	Close() error
}

func notFound(identityID string) error {
	return clierr.New(clierr.CodeNotFound, "no wallet for identity "+identityID)
}

func alreadyExists(identityID string) error {
	return clierr.New(clierr.CodeWalletExists, "wallet already exists for identity "+identityID)
}

func validateRecord(rec Record) error {
	if strings.TrimSpace(rec.IdentityID) == "" {
		return clierr.New(clierr.CodeUsage, "wallet record requires an identity")
	}
	if rec.PublicKey == "" || rec.EncryptedSecret == "" {
		return clierr.New(clierr.CodeUsage, "wallet record requires a public key and encrypted secret")
	}
	return nil
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) Get(_ context.Context, identityID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identityID]
	if !ok {
		return Record{}, notFound(identityID)
	}
	return rec, nil
}

func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.IdentityID]; ok {
		return alreadyExists(rec.IdentityID)
	}
	s.records[rec.IdentityID] = rec
	return nil
}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.IdentityID]; !ok {
		return notFound(rec.IdentityID)
	}
	s.records[rec.IdentityID] = rec
	return nil
}

func (s *MemoryStore) Close() error { return nil }
