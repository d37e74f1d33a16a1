package ratelimit

import (
	"context"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxRequests = 30
	DefaultWindow      = 60 * time.Second

	// Message is the user-facing notice for a rejected event.
	Message = "Rate limit exceeded. Please wait a moment before sending another message."
)

// Window is the per-identity counter state.
type Window struct {
	Count   int
	ResetAt time.Time
}

// Store holds rate windows. Consume must be atomic per key without locking
// unrelated keys.
type Store interface {
	// Consume applies one event at now. It resets an expired window before
	// counting and never increments past max.
	Consume(ctx context.Context, key string, max int, window time.Duration, now time.Time) (Window, bool, error)
	Get(ctx context.Context, key string) (Window, bool, error)
	Delete(ctx context.Context, key string) error
}

// Info is a read-only snapshot of an identity's window.
type Info struct {
	Count     int       `json:"count"`
	Max       int       `json:"max"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type Limiter struct {
	store  Store
	max    int
	window time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

func New(store Store, max int, window time.Duration, opts ...Option) *Limiter {
	if max <= 0 {
		max = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{store: store, max: max, window: window, now: time.Now, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndConsume counts one event for identityID and reports whether it is
// allowed. A rejected event does not advance the counter.
func (l *Limiter) CheckAndConsume(ctx context.Context, identityID string) (bool, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return false, clierr.New(clierr.CodeUsage, "identity id is required for rate limiting")
	}
	w, allowed, err := l.store.Consume(ctx, identityID, l.max, l.window, l.now())
	if err != nil {
		return false, clierr.Wrap(clierr.CodeUnavailable, "rate limit store", err)
	}
	if !allowed {
		metrics.RateLimitHits.Inc()
		l.log.Warn().
			Str("identity", identityID).
			Int("count", w.Count).
			Time("reset_at", w.ResetAt).
			Msg("rate limit exceeded")
	}
	return allowed, nil
}

// Info reports the window without consuming from it.
func (l *Limiter) Info(ctx context.Context, identityID string) (Info, error) {
	now := l.now()
	info := Info{Max: l.max, Remaining: l.max, ResetAt: now.Add(l.window)}
	w, ok, err := l.store.Get(ctx, identityID)
	if err != nil {
		return Info{}, clierr.Wrap(clierr.CodeUnavailable, "rate limit store", err)
	}
	if !ok || !now.Before(w.ResetAt) {
		return info, nil
	}
	info.Count = w.Count
	info.ResetAt = w.ResetAt
	info.Remaining = l.max - w.Count
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	return info, nil
}

func (l *Limiter) Reset(ctx context.Context, identityID string) error {
	if err := l.store.Delete(ctx, identityID); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "rate limit store", err)
	}
	return nil
}

type sweeper interface {
	Sweep(now time.Time) int
}

// Sweep drops expired windows when the store keeps them in process memory.
func (l *Limiter) Sweep() int {
	if s, ok := l.store.(sweeper); ok {
		return s.Sweep(l.now())
	}
	return 0
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }
