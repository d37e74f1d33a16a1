package session

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/identity"
	"github.com/ggonzalez94/swapvault/internal/ratelimit"
)

// Event is one inbound chat message as delivered by the chat transport.
type Event struct {
	IdentityID  string    `json:"identity_id"`
	DisplayName string    `json:"display_name,omitempty"`
	ChatID      string    `json:"chat_id,omitempty"`
	Text        string    `json:"text,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Gateway is the single entry point for identity-sensitive work. Every
// event is rate limited before anything else runs.
type Gateway struct {
	limiter *ratelimit.Limiter
	log     zerolog.Logger
	now     func() time.Time
}

func NewGateway(limiter *ratelimit.Limiter, logger zerolog.Logger) *Gateway {
	return &Gateway{
		limiter: limiter,
		log:     logger.With().Str("component", "session").Logger(),
		now:     time.Now,
	}
}

// Handle rate limits ev and then runs fn with ev's identity bound to the
// context. A rejected event never reaches fn.
func Handle[T any](ctx context.Context, g *Gateway, ev Event, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ev.IdentityID = strings.TrimSpace(ev.IdentityID)
	if ev.IdentityID == "" {
		return zero, clierr.New(clierr.CodeIdentity, "event has no identity")
	}
	if g.limiter != nil {
		allowed, err := g.limiter.CheckAndConsume(ctx, ev.IdentityID)
		if err != nil {
			return zero, err
		}
		if !allowed {
			return zero, clierr.New(clierr.CodeRateLimited, ratelimit.Message)
		}
	}

	start := g.now()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = start.UTC()
	}
	g.log.Info().Str("identity", ev.IdentityID).Str("op", op).Msg("event started")

	result, err := identity.Run(ctx, identity.RequestIdentity{
		ID:          ev.IdentityID,
		DisplayName: ev.DisplayName,
		ChatID:      ev.ChatID,
		Timestamp:   ev.ReceivedAt,
	}, fn)

	latency := g.now().Sub(start)
	if err != nil {
		g.log.Warn().
			Str("identity", ev.IdentityID).
			Str("op", op).
			Str("error_type", clierr.TypeOf(err)).
			Dur("latency", latency).
			Msg("event failed")
		return result, err
	}
	g.log.Info().
		Str("identity", ev.IdentityID).
		Str("op", op).
		Dur("latency", latency).
		Msg("event completed")
	return result, nil
}

// Limits reports the caller's current rate window.
func (g *Gateway) Limits(ctx context.Context, identityID string) (ratelimit.Info, error) {
	if g.limiter == nil {
		return ratelimit.Info{}, clierr.New(clierr.CodeUnsupported, "rate limiting is disabled")
	}
	return g.limiter.Info(ctx, identityID)
}
