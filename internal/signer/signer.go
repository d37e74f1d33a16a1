package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/id"
	"github.com/ggonzalez94/swapvault/internal/metrics"
	"github.com/ggonzalez94/swapvault/internal/providers/jupiter"
	"github.com/ggonzalez94/swapvault/internal/solana"
)

const (
	DefaultSlippageBps    = 100
	DefaultQuoteTTL       = 60 * time.Second
	DefaultPollInterval   = 2 * time.Second
	DefaultConfirmTimeout = 90 * time.Second
)

// Quoter prices swaps and builds the unsigned transaction for a quote.
type Quoter interface {
	Quote(ctx context.Context, req jupiter.QuoteRequest) (jupiter.Quote, error)
	SwapTransaction(ctx context.Context, quotePayload json.RawMessage, userPublicKey string) (string, error)
}

// Ledger is the subset of the network RPC used to submit and track
// transactions.
type Ledger interface {
	GetLatestBlockhash(ctx context.Context) (solana.Hash, uint64, error)
	SendTransaction(ctx context.Context, signedBase64 string) (string, error)
	GetSignatureStatus(ctx context.Context, signature string) (solana.Status, error)
}

// KeyUnlocker materializes an identity's signing key. Callers wipe it.
type KeyUnlocker interface {
	Unlock(ctx context.Context, identityID, passcode string) (*solana.Keypair, error)
}

// Quote is a priced swap for a ticker and direction, ready to be signed
// until it goes stale.
type Quote struct {
	Ticker          string        `json:"ticker"`
	Direction       id.Direction  `json:"direction"`
	Amount          string        `json:"amount"`
	AmountBaseUnits string        `json:"amount_base_units"`
	InputAsset      id.Asset      `json:"input_asset"`
	OutputAsset     id.Asset      `json:"output_asset"`
	ExpectedOut     string        `json:"expected_out"`
	MinimumOut      string        `json:"minimum_out,omitempty"`
	Swap            jupiter.Quote `json:"swap"`
	FetchedAt       time.Time     `json:"fetched_at"`
}

// SubmitError reports a failure after the signed transaction was handed to
// the ledger. The transaction may or may not have landed.
type SubmitError struct {
	Signature string
	Err       error
}

func (e *SubmitError) Error() string {
	return "submit transaction " + e.Signature + ": " + e.Err.Error()
}

func (e *SubmitError) Unwrap() error { return e.Err }

// IsSubmitted reports whether err happened after submission began.
func IsSubmitted(err error) bool {
	var se *SubmitError
	return errors.As(err, &se)
}

type Options struct {
	SlippageBps    int
	QuoteTTL       time.Duration
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SlippageBps <= 0 {
		o.SlippageBps = DefaultSlippageBps
	}
	if o.QuoteTTL <= 0 {
		o.QuoteTTL = DefaultQuoteTTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = DefaultConfirmTimeout
	}
	return o
}

// Broadcaster turns quotes into signed, submitted ledger transactions.
type Broadcaster struct {
	quoter Quoter
	ledger Ledger
	keys   KeyUnlocker
	opts   Options
	log    zerolog.Logger
	now    func() time.Time
}

func New(quoter Quoter, ledger Ledger, keys KeyUnlocker, opts Options, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		quoter: quoter,
		ledger: ledger,
		keys:   keys,
		opts:   opts.withDefaults(),
		log:    logger.With().Str("component", "signer").Logger(),
		now:    time.Now,
	}
}

// PrepareQuote prices amount (in units of the input asset) of ticker.
func (b *Broadcaster) PrepareQuote(ctx context.Context, ticker, amount string, direction id.Direction) (Quote, error) {
	in, out, err := id.Route(ticker, direction)
	if err != nil {
		return Quote{}, err
	}
	baseUnits, amountDecimal, err := id.NormalizeAmount("", strings.TrimSpace(amount), in.Decimals)
	if err != nil {
		return Quote{}, err
	}
	swap, err := b.quoter.Quote(ctx, jupiter.QuoteRequest{
		InputMint:       in.Mint,
		OutputMint:      out.Mint,
		AmountBaseUnits: baseUnits,
		SlippageBps:     b.opts.SlippageBps,
	})
	if err != nil {
		return Quote{}, err
	}
	q := Quote{
		Ticker:          strings.ToUpper(strings.TrimSpace(ticker)),
		Direction:       direction,
		Amount:          amountDecimal,
		AmountBaseUnits: baseUnits,
		InputAsset:      in,
		OutputAsset:     out,
		ExpectedOut:     id.FormatBaseUnits(swap.OutAmount, out.Decimals),
		Swap:            swap,
		FetchedAt:       b.now().UTC(),
	}
	if swap.OtherAmountThreshold != "" {
		q.MinimumOut = id.FormatBaseUnits(swap.OtherAmountThreshold, out.Decimals)
	}
	return q, nil
}

// IsStale reports whether q is older than the quote TTL.
func (b *Broadcaster) IsStale(q Quote) bool {
	return b.now().Sub(q.FetchedAt) > b.opts.QuoteTTL
}

// Submit signs q with the identity's key and hands it to the ledger,
// returning the transaction signature. The decrypted key never outlives
// this call. Errors wrapped in SubmitError happened after submission began;
// any other error means nothing reached the ledger.
func (b *Broadcaster) Submit(ctx context.Context, q Quote, identityID, passcode string) (string, error) {
	if b.IsStale(q) {
		return "", clierr.New(clierr.CodeStale, "quote is stale; fetch a fresh quote before signing")
	}
	kp, err := b.keys.Unlock(ctx, identityID, passcode)
	if err != nil {
		return "", err
	}
	defer kp.Wipe()
	owner := kp.PublicKey()

	unsigned, err := b.quoter.SwapTransaction(ctx, q.Swap.Payload, owner.String())
	if err != nil {
		return "", afterUnlock(err)
	}
	tx, err := solana.DecodeTransactionBase64(unsigned)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeSigner, "decode swap transaction", err)
	}
	payer, err := tx.FeePayer()
	if err != nil {
		return "", clierr.Wrap(clierr.CodeSigner, "inspect swap transaction", err)
	}
	if payer != owner {
		return "", clierr.New(clierr.CodeSigner, "swap transaction fee payer is not the wallet")
	}
	// The blockhash is replaced below, which would void any co-signature.
	if tx.Message.Header.NumRequiredSignatures != 1 {
		return "", clierr.New(clierr.CodeSigner, fmt.Sprintf("swap transaction requires %d signers; only the wallet may sign", tx.Message.Header.NumRequiredSignatures))
	}

	blockhash, _, err := b.ledger.GetLatestBlockhash(ctx)
	if err != nil {
		return "", afterUnlock(err)
	}
	tx.SetRecentBlockhash(blockhash)
	if err := tx.Sign(kp); err != nil {
		return "", clierr.Wrap(clierr.CodeSigner, "sign swap transaction", err)
	}

	localID := tx.ID()
	sig, err := b.ledger.SendTransaction(ctx, tx.Base64())
	if err != nil {
		metrics.LedgerSubmissions.WithLabelValues("error").Inc()
		b.log.Warn().Err(err).Str("identity", identityID).Str("signature", localID).Msg("ledger submission failed")
		return "", &SubmitError{Signature: localID, Err: afterUnlock(err)}
	}
	metrics.LedgerSubmissions.WithLabelValues("ok").Inc()
	b.log.Info().Str("identity", identityID).Str("signature", sig).Str("ticker", q.Ticker).Msg("transaction submitted")
	return sig, nil
}

// afterUnlock keeps upstream failures from reading as a wrong passcode once
// the wallet has opened. CodeAuth is reserved for the caller's own
// credentials.
func afterUnlock(err error) error {
	if clierr.Is(err, clierr.CodeAuth) {
		return clierr.Wrap(clierr.CodeUpstreamAuth, "upstream rejected the request", err)
	}
	return err
}

// ConfirmationStatus polls the ledger once.
func (b *Broadcaster) ConfirmationStatus(ctx context.Context, signature string) (solana.Status, error) {
	return b.ledger.GetSignatureStatus(ctx, signature)
}

// AwaitConfirmation polls until the transaction settles or the confirm
// timeout elapses. Transient poll errors are retried.
func (b *Broadcaster) AwaitConfirmation(ctx context.Context, signature string) (solana.Status, error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()
	for {
		status, err := b.ledger.GetSignatureStatus(waitCtx, signature)
		if err == nil && status != solana.StatusPending {
			return status, nil
		}
		if err != nil && waitCtx.Err() == nil {
			b.log.Debug().Err(err).Str("signature", signature).Msg("status poll failed")
		}
		select {
		case <-waitCtx.Done():
			return solana.StatusPending, clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for confirmation", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// SignAndSubmit submits q and waits for it to settle.
func (b *Broadcaster) SignAndSubmit(ctx context.Context, q Quote, identityID, passcode string) (string, solana.Status, error) {
	sig, err := b.Submit(ctx, q, identityID, passcode)
	if err != nil {
		return "", solana.StatusFailed, err
	}
	status, err := b.AwaitConfirmation(ctx, sig)
	return sig, status, err
}
