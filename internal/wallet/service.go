package wallet

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/identity"
	"github.com/ggonzalez94/swapvault/internal/metrics"
	"github.com/ggonzalez94/swapvault/internal/solana"
	"github.com/ggonzalez94/swapvault/internal/vault"
)

const MinPasscodeLength = 4

// Info is the public view of a wallet.
type Info struct {
	IdentityID string    `json:"identity_id"`
	PublicKey  string    `json:"public_key"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Service manages custodial wallets for the identity bound to the request
// context.
type Service struct {
	store    Store
	vault    *vault.Vault
	balances BalanceReader
	log      zerolog.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithBalanceReader enables Balances against the given ledger.
func WithBalanceReader(r BalanceReader) Option {
	return func(s *Service) {
		s.balances = r
	}
}

func NewService(store Store, v *vault.Vault, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store: store,
		vault: v,
		log:   logger.With().Str("component", "wallet").Logger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func ValidatePasscode(passcode string) error {
	if strings.TrimSpace(passcode) == "" {
		return clierr.New(clierr.CodeUsage, "passcode is required")
	}
	if utf8.RuneCountInString(passcode) < MinPasscodeLength {
		return clierr.New(clierr.CodeUsage, "passcode must be at least 4 characters")
	}
	return nil
}

// Create generates a keypair for the current identity and stores it sealed
// under passcode. It fails with WalletExists if the identity already has one.
func (s *Service) Create(ctx context.Context, passcode string) (Info, error) {
	ident, err := identity.Require(ctx)
	if err != nil {
		return Info{}, err
	}
	if err := ValidatePasscode(passcode); err != nil {
		return Info{}, err
	}
	if _, err := s.store.Get(ctx, ident.ID); err == nil {
		return Info{}, alreadyExists(ident.ID)
	} else if !clierr.Is(err, clierr.CodeNotFound) {
		return Info{}, err
	}

	pub, secret, err := vault.GenerateSecret()
	if err != nil {
		return Info{}, err
	}
	defer vault.Wipe(secret)

	blob, err := s.vault.Encrypt(secret, ident.ID, passcode)
	if err != nil {
		return Info{}, err
	}
	now := s.now().UTC()
	rec := Record{
		IdentityID:      ident.ID,
		PublicKey:       pub,
		EncryptedSecret: blob,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return Info{}, err
	}
	s.log.Info().Str("identity", ident.ID).Str("public_key", pub).Msg("wallet created")
	return infoOf(rec), nil
}

func (s *Service) Info(ctx context.Context) (Info, error) {
	ident, err := identity.Require(ctx)
	if err != nil {
		return Info{}, err
	}
	rec, err := s.store.Get(ctx, ident.ID)
	if err != nil {
		return Info{}, err
	}
	return infoOf(rec), nil
}

// ChangePasscode re-seals the current identity's secret under a new passcode.
func (s *Service) ChangePasscode(ctx context.Context, oldPasscode, newPasscode string) (Info, error) {
	ident, err := identity.Require(ctx)
	if err != nil {
		return Info{}, err
	}
	if err := ValidatePasscode(newPasscode); err != nil {
		return Info{}, err
	}
	rec, err := s.store.Get(ctx, ident.ID)
	if err != nil {
		return Info{}, err
	}
	secret, err := s.vault.Decrypt(rec.EncryptedSecret, ident.ID, oldPasscode)
	if err != nil {
		if clierr.Is(err, clierr.CodeAuth) {
			metrics.PasscodeFailures.Inc()
		}
		return Info{}, err
	}
	defer vault.Wipe(secret)

	blob, err := s.vault.Encrypt(secret, ident.ID, newPasscode)
	if err != nil {
		return Info{}, err
	}
	rec.EncryptedSecret = blob
	rec.UpdatedAt = s.now().UTC()
	if err := s.store.Put(ctx, rec); err != nil {
		return Info{}, err
	}
	s.log.Info().Str("identity", ident.ID).Msg("wallet passcode changed")
	return infoOf(rec), nil
}

// Unlock decrypts the signing key of identityID. The caller must Wipe the
// returned keypair once it is done signing.
func (s *Service) Unlock(ctx context.Context, identityID, passcode string) (*solana.Keypair, error) {
	rec, err := s.store.Get(ctx, identityID)
	if err != nil {
		return nil, err
	}
	secret, err := s.vault.Decrypt(rec.EncryptedSecret, identityID, passcode)
	if err != nil {
		return nil, err
	}
	defer vault.Wipe(secret)

	kp, err := solana.KeypairFromSecret(secret)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "stored secret is not a valid keypair", err)
	}
	if kp.PublicKey().String() != rec.PublicKey {
		kp.Wipe()
		return nil, clierr.New(clierr.CodeSigner, "stored secret does not match wallet public key")
	}
	return kp, nil
}

func infoOf(rec Record) Info {
	return Info{
		IdentityID: rec.IdentityID,
		PublicKey:  rec.PublicKey,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
}
