package execution

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
	"github.com/ggonzalez94/swapvault/internal/id"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "runs.db"), filepath.Join(dir, "runs.lock"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRun(identityID string, state State, updated time.Time) Run {
	return Run{
		RunID:      NewRunID(),
		IdentityID: identityID,
		Ticker:     "TSLA",
		Amount:     "10",
		Direction:  id.DirectionBuy,
		State:      state,
		CreatedAt:  updated,
		UpdatedAt:  updated,
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, store RunStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openTestStore(t)) })
}

func TestStoreCreateGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RunStore) {
		ctx := context.Background()
		run := testRun("alice", StateQuoted, time.Now().UTC())
		if err := store.Create(ctx, run); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := store.Create(ctx, run); err == nil {
			t.Fatal("expected duplicate create to fail")
		}
		got, err := store.Get(ctx, run.RunID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.IdentityID != "alice" || got.State != StateQuoted || got.Ticker != "TSLA" {
			t.Fatalf("unexpected run: %+v", got)
		}
		if _, err := store.Get(ctx, "run_missing"); !clierr.Is(err, clierr.CodeNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestStoreCompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RunStore) {
		ctx := context.Background()
		run := testRun("alice", StateAwaitingPasscode, time.Now().UTC())
		if err := store.Create(ctx, run); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		next, err := store.CompareAndSwap(ctx, run.RunID, StateAwaitingPasscode, func(r *Run) error {
			r.State = StateSigning
			r.Attempts = 2
			return nil
		})
		if err != nil {
			t.Fatalf("CompareAndSwap failed: %v", err)
		}
		if next.State != StateSigning || next.Attempts != 2 {
			t.Fatalf("unexpected run after swap: %+v", next)
		}

		stored, err := store.CompareAndSwap(ctx, run.RunID, StateAwaitingPasscode, func(r *Run) error {
			t.Fatal("mutate must not run on a state mismatch")
			return nil
		})
		if !clierr.Is(err, clierr.CodeInvalidRunState) {
			t.Fatalf("expected invalid run state, got %v", err)
		}
		if stored.State != StateSigning {
			t.Fatalf("expected stored run on mismatch, got %+v", stored)
		}

		if _, err := store.CompareAndSwap(ctx, "run_missing", StateSigning, func(*Run) error { return nil }); !clierr.Is(err, clierr.CodeNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestStoreCompareAndSwapMutateErrorLeavesRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RunStore) {
		ctx := context.Background()
		run := testRun("alice", StateAwaitingPasscode, time.Now().UTC())
		_ = store.Create(ctx, run)
		boom := clierr.New(clierr.CodeInternal, "boom")
		if _, err := store.CompareAndSwap(ctx, run.RunID, StateAwaitingPasscode, func(r *Run) error {
			r.State = StateFailed
			return boom
		}); err != boom {
			t.Fatalf("expected mutate error, got %v", err)
		}
		got, _ := store.Get(ctx, run.RunID)
		if got.State != StateAwaitingPasscode {
			t.Fatalf("expected unchanged run, got %s", got.State)
		}
	})
}

func TestStoreCompareAndSwapSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RunStore) {
		ctx := context.Background()
		run := testRun("alice", StateAwaitingPasscode, time.Now().UTC())
		_ = store.Create(ctx, run)

		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.CompareAndSwap(ctx, run.RunID, StateAwaitingPasscode, func(r *Run) error {
					r.State = StateSigning
					return nil
				})
				if err == nil {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		if winners.Load() != 1 {
			t.Fatalf("expected one winner, got %d", winners.Load())
		}
	})
}

func TestStoreListFilters(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RunStore) {
		ctx := context.Background()
		base := time.Now().UTC().Add(-time.Hour)
		older := testRun("alice", StateConfirmed, base)
		newer := testRun("alice", StateAwaitingPasscode, base.Add(time.Minute))
		other := testRun("bob", StateConfirmed, base.Add(2*time.Minute))
		for _, r := range []Run{older, newer, other} {
			if err := store.Create(ctx, r); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}

		runs, err := store.List(ctx, ListFilter{IdentityID: "alice"})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(runs) != 2 || runs[0].RunID != newer.RunID {
			t.Fatalf("expected alice's runs newest first, got %+v", runs)
		}
		runs, _ = store.List(ctx, ListFilter{State: StateConfirmed})
		if len(runs) != 2 {
			t.Fatalf("expected two confirmed runs, got %d", len(runs))
		}
		runs, _ = store.List(ctx, ListFilter{Limit: 1})
		if len(runs) != 1 || runs[0].RunID != other.RunID {
			t.Fatalf("expected newest run only, got %+v", runs)
		}
	})
}

func TestStorePruneTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RunStore) {
		ctx := context.Background()
		old := time.Now().UTC().Add(-72 * time.Hour)
		confirmed := testRun("alice", StateConfirmed, old)
		failed := testRun("alice", StateFailed, old)
		waiting := testRun("alice", StateAwaitingPasscode, old)
		recent := testRun("alice", StateConfirmed, time.Now().UTC())
		for _, r := range []Run{confirmed, failed, waiting, recent} {
			_ = store.Create(ctx, r)
		}

		n, err := store.PruneTerminal(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("PruneTerminal failed: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected two pruned runs, got %d", n)
		}
		for _, keep := range []Run{waiting, recent} {
			if _, err := store.Get(ctx, keep.RunID); err != nil {
				t.Fatalf("expected %s to survive: %v", keep.State, err)
			}
		}
	})
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateQuoted, StateAwaitingPasscode, true},
		{StateAwaitingPasscode, StateSigning, true},
		{StateSigning, StateAwaitingPasscode, true},
		{StateSigning, StateSubmitted, true},
		{StateSubmitted, StateConfirmed, true},
		{StateAwaitingPasscode, StateSubmitted, false},
		{StateConfirmed, StateFailed, false},
		{StateFailed, StateAwaitingPasscode, false},
		{StateSubmitted, StateSigning, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
