package wallet

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"time"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/id"
	"github.com/ggonzalez94/swapvault/internal/identity"
	"github.com/ggonzalez94/swapvault/internal/solana"
)

const lamportDecimals = 9

// BalanceReader reads on-chain holdings of a public key.
type BalanceReader interface {
	GetBalance(ctx context.Context, owner solana.PublicKey) (uint64, error)
	GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey) ([]solana.TokenBalance, error)
}

// Holding is the total of one mint across the wallet's token accounts.
// Symbol is empty for mints outside the asset registry.
type Holding struct {
	Symbol    string `json:"symbol,omitempty"`
	Mint      string `json:"mint"`
	Amount    string `json:"amount"`
	BaseUnits string `json:"base_units"`
	Decimals  int    `json:"decimals"`
	Accounts  int    `json:"accounts"`
}

type Balances struct {
	IdentityID string    `json:"identity_id"`
	PublicKey  string    `json:"public_key"`
	SOL        string    `json:"sol"`
	Lamports   uint64    `json:"lamports"`
	Tokens     []Holding `json:"tokens"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// Balances reads the current identity's native and token holdings. Empty
// token accounts are left out.
func (s *Service) Balances(ctx context.Context) (Balances, error) {
	ident, err := identity.Require(ctx)
	if err != nil {
		return Balances{}, err
	}
	if s.balances == nil {
		return Balances{}, clierr.New(clierr.CodeUnsupported, "balance lookups are not configured")
	}
	rec, err := s.store.Get(ctx, ident.ID)
	if err != nil {
		return Balances{}, err
	}
	owner, err := solana.PublicKeyFromBase58(rec.PublicKey)
	if err != nil {
		return Balances{}, clierr.Wrap(clierr.CodeInternal, "stored wallet public key is invalid", err)
	}

	lamports, err := s.balances.GetBalance(ctx, owner)
	if err != nil {
		return Balances{}, err
	}
	accounts, err := s.balances.GetTokenAccountsByOwner(ctx, owner)
	if err != nil {
		return Balances{}, err
	}

	return Balances{
		IdentityID: ident.ID,
		PublicKey:  rec.PublicKey,
		SOL:        id.FormatBaseUnits(strconv.FormatUint(lamports, 10), lamportDecimals),
		Lamports:   lamports,
		Tokens:     aggregateHoldings(accounts),
		FetchedAt:  s.now().UTC(),
	}, nil
}

func aggregateHoldings(accounts []solana.TokenBalance) []Holding {
	type total struct {
		sum      *big.Int
		decimals int
		accounts int
	}
	byMint := map[string]*total{}
	for _, acct := range accounts {
		n, ok := new(big.Int).SetString(acct.Amount, 10)
		if !ok || n.Sign() <= 0 {
			continue
		}
		t, seen := byMint[acct.Mint]
		if !seen {
			t = &total{sum: new(big.Int), decimals: int(acct.Decimals)}
			byMint[acct.Mint] = t
		}
		t.sum.Add(t.sum, n)
		t.accounts++
	}

	out := make([]Holding, 0, len(byMint))
	for mint, t := range byMint {
		h := Holding{
			Mint:      mint,
			BaseUnits: t.sum.String(),
			Amount:    id.FormatBaseUnits(t.sum.String(), t.decimals),
			Decimals:  t.decimals,
			Accounts:  t.accounts,
		}
		if a, ok := id.AssetByMint(mint); ok {
			h.Symbol = a.Symbol
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Symbol == "") != (out[j].Symbol == "") {
			return out[i].Symbol != ""
		}
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Mint < out[j].Mint
	})
	return out
}
