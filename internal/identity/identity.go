package identity

import (
	"context"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
)

// RequestIdentity describes the user behind one inbound chat event.
type RequestIdentity struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	ChatID      string    `json:"chat_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type ctxKey struct{}

// WithIdentity returns a child context carrying id. The parent is untouched,
// so sibling scopes for other identities never observe it.
func WithIdentity(ctx context.Context, id RequestIdentity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Current returns the identity bound to ctx, if any.
func Current(ctx context.Context) (RequestIdentity, bool) {
	if ctx == nil {
		return RequestIdentity{}, false
	}
	id, ok := ctx.Value(ctxKey{}).(RequestIdentity)
	if !ok || strings.TrimSpace(id.ID) == "" {
		return RequestIdentity{}, false
	}
	return id, true
}

// Require is Current for identity-dependent operations: a missing identity is
// a hard error.
func Require(ctx context.Context) (RequestIdentity, error) {
	id, ok := Current(ctx)
	if !ok {
		return RequestIdentity{}, clierr.New(clierr.CodeIdentity, "no request identity bound to this operation")
	}
	return id, nil
}

// Run executes body with id bound for its whole call graph. The binding ends
// when body returns because it only lives in the derived context.
func Run[T any](ctx context.Context, id RequestIdentity, body func(context.Context) (T, error)) (T, error) {
	var zero T
	if strings.TrimSpace(id.ID) == "" {
		return zero, clierr.New(clierr.CodeUsage, "identity id is required")
	}
	if id.Timestamp.IsZero() {
		id.Timestamp = time.Now().UTC()
	}
	return body(WithIdentity(ctx, id))
}
