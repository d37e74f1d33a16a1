package session

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/identity"
	"github.com/ggonzalez94/swapvault/internal/logging"
	"github.com/ggonzalez94/swapvault/internal/ratelimit"
)

func newGateway(max int) *Gateway {
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), max, time.Minute)
	return NewGateway(limiter, logging.Nop())
}

func TestHandleBindsIdentity(t *testing.T) {
	g := newGateway(5)
	got, err := Handle(context.Background(), g, Event{IdentityID: "alice", ChatID: "c-1"}, "test", func(ctx context.Context) (identity.RequestIdentity, error) {
		return identity.Require(ctx)
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if got.ID != "alice" || got.ChatID != "c-1" || got.Timestamp.IsZero() {
		t.Fatalf("unexpected identity: %+v", got)
	}
}

func TestHandleRateLimitsBeforeRunning(t *testing.T) {
	g := newGateway(2)
	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}
	ev := Event{IdentityID: "alice"}
	for i := 0; i < 2; i++ {
		if _, err := Handle(context.Background(), g, ev, "test", fn); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	if _, err := Handle(context.Background(), g, ev, "test", fn); !clierr.Is(err, clierr.CodeRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("rejected event must not run, calls=%d", calls)
	}

	// Other identities have their own window.
	if _, err := Handle(context.Background(), g, Event{IdentityID: "bob"}, "test", fn); err != nil {
		t.Fatalf("bob should be allowed: %v", err)
	}

	info, err := g.Limits(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Limits failed: %v", err)
	}
	if info.Count != 2 || info.Remaining != 0 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestHandleRejectsMissingIdentity(t *testing.T) {
	g := newGateway(2)
	_, err := Handle(context.Background(), g, Event{IdentityID: "  "}, "test", func(context.Context) (int, error) {
		t.Fatal("must not run")
		return 0, nil
	})
	if !clierr.Is(err, clierr.CodeIdentity) {
		t.Fatalf("expected identity error, got %v", err)
	}
}

func TestHandleConcurrentIdentitiesStayIsolated(t *testing.T) {
	g := newGateway(100)
	var wg sync.WaitGroup
	for _, name := range []string{"alice", "bob", "carol", "dave"} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				got, err := Handle(context.Background(), g, Event{IdentityID: name}, "test", func(ctx context.Context) (string, error) {
					time.Sleep(time.Millisecond)
					id, err := identity.Require(ctx)
					return id.ID, err
				})
				if err != nil || got != name {
					t.Errorf("expected %s, got %q err=%v", name, got, err)
				}
			}(name)
		}
	}
	wg.Wait()
}

func TestHandleLogsOutcomeWithoutSecrets(t *testing.T) {
	var buf bytes.Buffer
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), 5, time.Minute)
	g := NewGateway(limiter, logging.New(&buf, "info", "json"))
	_, _ = Handle(context.Background(), g, Event{IdentityID: "alice", Text: "/resume run_1 4821"}, "trade.resume", func(context.Context) (int, error) {
		return 0, clierr.New(clierr.CodeAuth, "incorrect passcode")
	})
	logs := buf.String()
	if !strings.Contains(logs, `"op":"trade.resume"`) || !strings.Contains(logs, `"error_type":"authentication_error"`) {
		t.Fatalf("unexpected logs: %s", logs)
	}
	if strings.Contains(logs, "4821") {
		t.Fatalf("event text leaked into logs: %s", logs)
	}
}
