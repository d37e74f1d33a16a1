package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/id"
	"github.com/ggonzalez94/swapvault/internal/identity"
	"github.com/ggonzalez94/swapvault/internal/metrics"
	"github.com/ggonzalez94/swapvault/internal/signer"
	"github.com/ggonzalez94/swapvault/internal/solana"
)

const DefaultMaxPasscodeAttempts = 5

// Broadcaster prices, signs and tracks swaps on behalf of the machine.
type Broadcaster interface {
	PrepareQuote(ctx context.Context, ticker, amount string, direction id.Direction) (signer.Quote, error)
	IsStale(q signer.Quote) bool
	Submit(ctx context.Context, q signer.Quote, identityID, passcode string) (string, error)
	AwaitConfirmation(ctx context.Context, signature string) (solana.Status, error)
	ConfirmationStatus(ctx context.Context, signature string) (solana.Status, error)
}

type Options struct {
	MaxPasscodeAttempts int
	// RunExpiry bounds how long a run may wait for its passcode. Zero
	// disables expiry.
	RunExpiry time.Duration
}

// Machine drives runs through QUOTED, AWAITING_PASSCODE, SIGNING,
// SUBMITTED and a terminal state. Runs are durable records; nothing is held
// in memory while a run waits for its passcode.
type Machine struct {
	store  RunStore
	signer Broadcaster
	opts   Options
	log    zerolog.Logger
	now    func() time.Time
}

func NewMachine(store RunStore, b Broadcaster, opts Options, logger zerolog.Logger) *Machine {
	if opts.MaxPasscodeAttempts <= 0 {
		opts.MaxPasscodeAttempts = DefaultMaxPasscodeAttempts
	}
	return &Machine{
		store:  store,
		signer: b,
		opts:   opts,
		log:    logger.With().Str("component", "execution").Logger(),
		now:    time.Now,
	}
}

// Start quotes a trade for the current identity and parks the run waiting
// for a passcode. A failed quote creates no run.
func (m *Machine) Start(ctx context.Context, ticker, amount string, direction id.Direction) (Run, error) {
	ident, err := identity.Require(ctx)
	if err != nil {
		return Run{}, err
	}
	quote, err := m.signer.PrepareQuote(ctx, ticker, amount, direction)
	if err != nil {
		return Run{}, err
	}

	now := m.now().UTC()
	run := Run{
		RunID:      NewRunID(),
		IdentityID: ident.ID,
		Ticker:     quote.Ticker,
		Amount:     quote.Amount,
		Direction:  direction,
		State:      StateQuoted,
		Quote:      &quote,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if m.opts.RunExpiry > 0 {
		expires := now.Add(m.opts.RunExpiry)
		run.ExpiresAt = &expires
	}
	if err := m.store.Create(ctx, run); err != nil {
		return Run{}, err
	}
	metrics.RunsStarted.WithLabelValues(string(direction)).Inc()
	metrics.RunTransitions.WithLabelValues(string(StateQuoted)).Inc()

	run, err = m.transition(ctx, run.RunID, StateQuoted, StateAwaitingPasscode, nil)
	if err != nil {
		return Run{}, err
	}
	m.log.Info().
		Str("run_id", run.RunID).
		Str("identity", ident.ID).
		Str("ticker", run.Ticker).
		Str("direction", string(direction)).
		Msg("run awaiting passcode")
	return run, nil
}

// Resume supplies the passcode for a waiting run and carries it to a
// terminal state. Runs in any other state are returned as they are along
// with an InvalidRunState error; they are never submitted again.
func (m *Machine) Resume(ctx context.Context, runID, passcode string) (Result, error) {
	ident, err := identity.Require(ctx)
	if err != nil {
		return Result{}, err
	}
	run, err := m.owned(ctx, ident.ID, runID)
	if err != nil {
		return Result{}, err
	}
	if run.State != StateAwaitingPasscode {
		return m.resultOf(run), clierr.New(clierr.CodeInvalidRunState, fmt.Sprintf("run %s is %s and cannot be resumed", run.RunID, run.State))
	}
	if m.expired(run) {
		run, err = m.transition(ctx, runID, StateAwaitingPasscode, StateFailed, func(r *Run) {
			r.Error = "run expired before a passcode was supplied"
			r.ErrorType = "run_expired"
		})
		if err != nil {
			return m.resultOf(run), err
		}
		return m.resultOf(run), clierr.New(clierr.CodeRunExpired, "run "+runID+" expired")
	}
	if strings.TrimSpace(passcode) == "" {
		return m.resultOf(run), clierr.New(clierr.CodeUsage, "passcode is required")
	}

	run, err = m.transition(ctx, runID, StateAwaitingPasscode, StateSigning, nil)
	if err != nil {
		if clierr.Is(err, clierr.CodeInvalidRunState) {
			return m.resultOf(run), err
		}
		return Result{}, err
	}

	if run.Quote == nil {
		failed, terr := m.transition(ctx, runID, StateSigning, StateFailed, func(r *Run) {
			r.Error = "run has no stored quote"
			r.ErrorType = "internal_error"
		})
		if terr != nil {
			return m.resultOf(failed), terr
		}
		return m.resultOf(failed), clierr.New(clierr.CodeInternal, "run "+runID+" has no stored quote")
	}
	quote := *run.Quote
	if m.signer.IsStale(quote) {
		fresh, err := m.signer.PrepareQuote(ctx, run.Ticker, run.Amount, run.Direction)
		if err != nil {
			return m.release(ctx, run, err, false)
		}
		quote = fresh
	}

	sig, err := m.signer.Submit(ctx, quote, ident.ID, passcode)
	if err != nil {
		return m.handleSubmitError(ctx, run, quote, err)
	}

	run, err = m.transition(ctx, runID, StateSigning, StateSubmitted, func(r *Run) {
		r.TxHash = sig
		r.Quote = &quote
	})
	if err != nil {
		return m.resultOf(run), err
	}
	return m.settle(ctx, run)
}

func (m *Machine) handleSubmitError(ctx context.Context, run Run, quote signer.Quote, err error) (Result, error) {
	switch {
	case signer.IsSubmitted(err):
		var se *signer.SubmitError
		errors.As(err, &se)
		failed, terr := m.transition(ctx, run.RunID, StateSigning, StateFailed, func(r *Run) {
			r.TxHash = se.Signature
			r.Quote = &quote
			r.Error = err.Error()
			r.ErrorType = clierr.TypeOf(err)
		})
		if terr != nil {
			return m.resultOf(failed), terr
		}
		return m.resultOf(failed), err
	case clierr.Is(err, clierr.CodeAuth):
		metrics.PasscodeFailures.Inc()
		return m.release(ctx, run, err, true)
	case clierr.Is(err, clierr.CodeSigner):
		failed, terr := m.transition(ctx, run.RunID, StateSigning, StateFailed, func(r *Run) {
			r.Error = err.Error()
			r.ErrorType = clierr.TypeOf(err)
		})
		if terr != nil {
			return m.resultOf(failed), terr
		}
		return m.resultOf(failed), err
	default:
		return m.release(ctx, run, err, false)
	}
}

// release returns a SIGNING run to AWAITING_PASSCODE after a failure that
// happened before anything reached the ledger. Only wrong passcodes count
// against the attempt budget; exhausting it fails the run.
func (m *Machine) release(ctx context.Context, run Run, cause error, countAttempt bool) (Result, error) {
	attempts := run.Attempts
	if countAttempt {
		attempts++
	}
	next := StateAwaitingPasscode
	if attempts >= m.opts.MaxPasscodeAttempts {
		next = StateFailed
	}
	updated, err := m.transition(ctx, run.RunID, StateSigning, next, func(r *Run) {
		r.Attempts = attempts
		if next == StateFailed {
			r.Error = "too many incorrect passcode attempts"
			r.ErrorType = clierr.TypeOf(cause)
		}
	})
	if err != nil {
		return m.resultOf(updated), err
	}
	m.log.Warn().
		Str("run_id", run.RunID).
		Str("error_type", clierr.TypeOf(cause)).
		Int("attempts", attempts).
		Str("state", string(next)).
		Msg("resume did not reach the ledger")
	return m.resultOf(updated), cause
}

// settle waits for a submitted run to confirm or fail. If the wait times
// out the run stays SUBMITTED and Status can pick it up later.
func (m *Machine) settle(ctx context.Context, run Run) (Result, error) {
	status, err := m.signer.AwaitConfirmation(ctx, run.TxHash)
	if err != nil {
		m.log.Warn().Err(err).Str("run_id", run.RunID).Str("tx", run.TxHash).Msg("confirmation pending")
		return m.resultOf(run), nil
	}
	return m.record(ctx, run, status)
}

func (m *Machine) record(ctx context.Context, run Run, status solana.Status) (Result, error) {
	var err error
	switch status {
	case solana.StatusConfirmed:
		run, err = m.transition(ctx, run.RunID, StateSubmitted, StateConfirmed, nil)
	case solana.StatusFailed:
		run, err = m.transition(ctx, run.RunID, StateSubmitted, StateFailed, func(r *Run) {
			r.Error = "transaction failed on the ledger"
			r.ErrorType = "transaction_failed"
		})
	}
	if err != nil && !clierr.Is(err, clierr.CodeInvalidRunState) {
		return m.resultOf(run), err
	}
	return m.resultOf(run), nil
}

// Status returns the current run, polling the ledger once if it is still
// SUBMITTED.
func (m *Machine) Status(ctx context.Context, runID string) (Run, error) {
	ident, err := identity.Require(ctx)
	if err != nil {
		return Run{}, err
	}
	run, err := m.owned(ctx, ident.ID, runID)
	if err != nil {
		return Run{}, err
	}
	if run.State != StateSubmitted || run.TxHash == "" {
		return run, nil
	}
	status, err := m.signer.ConfirmationStatus(ctx, run.TxHash)
	if err != nil {
		return run, err
	}
	if _, err := m.record(ctx, run, status); err != nil {
		return run, err
	}
	return m.store.Get(ctx, runID)
}

func (m *Machine) Get(ctx context.Context, runID string) (Run, error) {
	ident, err := identity.Require(ctx)
	if err != nil {
		return Run{}, err
	}
	return m.owned(ctx, ident.ID, runID)
}

func (m *Machine) List(ctx context.Context, state State, limit int) ([]Run, error) {
	ident, err := identity.Require(ctx)
	if err != nil {
		return nil, err
	}
	if state != "" && !state.Valid() {
		return nil, clierr.New(clierr.CodeUsage, "unknown run state: "+string(state))
	}
	return m.store.List(ctx, ListFilter{IdentityID: ident.ID, State: state, Limit: limit})
}

// Prune deletes terminal runs older than retention across all identities.
func (m *Machine) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, clierr.New(clierr.CodeUsage, "retention must be positive")
	}
	n, err := m.store.PruneTerminal(ctx, m.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info().Int("runs", n).Dur("retention", retention).Msg("pruned terminal runs")
	}
	return n, nil
}

func (m *Machine) owned(ctx context.Context, identityID, runID string) (Run, error) {
	run, err := m.store.Get(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if run.IdentityID != identityID {
		return Run{}, runNotFound(runID)
	}
	return run, nil
}

func (m *Machine) expired(run Run) bool {
	return run.ExpiresAt != nil && m.now().After(*run.ExpiresAt)
}

func (m *Machine) transition(ctx context.Context, runID string, from, to State, mutate func(*Run)) (Run, error) {
	if !canTransition(from, to) {
		return Run{}, clierr.New(clierr.CodeInternal, fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	// Bookkeeping must land even if the caller gave up mid-resume.
	ctx = context.WithoutCancel(ctx)
	run, err := m.store.CompareAndSwap(ctx, runID, from, func(r *Run) error {
		if mutate != nil {
			mutate(r)
		}
		r.State = to
		r.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return run, err
	}
	metrics.RunTransitions.WithLabelValues(string(to)).Inc()
	m.log.Debug().Str("run_id", runID).Str("from", string(from)).Str("to", string(to)).Msg("run transition")
	return run, nil
}

func (m *Machine) resultOf(run Run) Result {
	remaining := m.opts.MaxPasscodeAttempts - run.Attempts
	if remaining < 0 || run.State.Terminal() {
		remaining = 0
	}
	return Result{
		RunID:             run.RunID,
		State:             run.State,
		Success:           run.State == StateConfirmed,
		TxHash:            run.TxHash,
		Error:             run.Error,
		AttemptsRemaining: remaining,
	}
}
