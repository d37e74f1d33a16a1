package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
)

// RunStore persists runs. All state changes after creation go through
// CompareAndSwap so two resumes of one run can never both enter SIGNING.
type RunStore interface {
	Create(ctx context.Context, run Run) error
	Get(ctx context.Context, runID string) (Run, error)
	// CompareAndSwap loads the run, and if it is in state from applies
	// mutate and persists the result atomically. On a state mismatch it
	// returns the stored run and an InvalidRunState error.
	CompareAndSwap(ctx context.Context, runID string, from State, mutate func(*Run) error) (Run, error)
	List(ctx context.Context, filter ListFilter) ([]Run, error)
	// PruneTerminal deletes terminal runs last updated before cutoff.
	PruneTerminal(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

type ListFilter struct {
	IdentityID string
	State      State
	Limit      int
}

func runNotFound(runID string) error {
	return clierr.New(clierr.CodeNotFound, "run not found: "+runID)
}

func stateMismatch(run Run, from State) error {
	return clierr.New(clierr.CodeInvalidRunState, fmt.Sprintf("run %s is %s, not %s", run.RunID, run.State, from))
}

type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	lock *flock.Flock
}

func OpenStore(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create run store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create run lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_runs_identity_updated ON runs(identity_id, updated_at DESC);",
		"CREATE INDEX IF NOT EXISTS idx_runs_state_updated ON runs(state, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init run schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock run store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock run store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *Store) Create(ctx context.Context, run Run) error {
	if strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("create run: missing run id")
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return s.withLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (run_id, identity_id, state, created_at, updated_at, payload)
			VALUES (?, ?, ?, ?, ?, ?)
		`, run.RunID, run.IdentityID, string(run.State), run.CreatedAt.UnixMilli(), run.UpdatedAt.UnixMilli(), payload)
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, runID string) (Run, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM runs WHERE run_id = ?", runID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, runNotFound(runID)
		}
		return Run{}, fmt.Errorf("read run: %w", err)
	}
	return decodeRun(payload)
}

func (s *Store) CompareAndSwap(ctx context.Context, runID string, from State, mutate func(*Run) error) (Run, error) {
	var out Run
	err := s.withLock(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin run transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var payload []byte
		if err := tx.QueryRowContext(ctx, "SELECT payload FROM runs WHERE run_id = ?", runID).Scan(&payload); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return runNotFound(runID)
			}
			return fmt.Errorf("read run: %w", err)
		}
		current, err := decodeRun(payload)
		if err != nil {
			return err
		}
		out = current
		if current.State != from {
			return stateMismatch(current, from)
		}

		next := current
		if err := mutate(&next); err != nil {
			return err
		}
		next.RunID = current.RunID
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE runs SET state = ?, updated_at = ?, payload = ?
			WHERE run_id = ? AND state = ?
		`, string(next.State), next.UpdatedAt.UnixMilli(), encoded, runID, string(from))
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			return stateMismatch(current, from)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit run: %w", err)
		}
		out = next
		return nil
	})
	return out, err
}

func (s *Store) List(ctx context.Context, filter ListFilter) ([]Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	var (
		where []string
		args  []any
	)
	if filter.IdentityID != "" {
		where = append(where, "identity_id = ?")
		args = append(args, filter.IdentityID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	query := "SELECT payload FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		run, err := decodeRun(payload)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

func (s *Store) PruneTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	var n int64
	err := s.withLock(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM runs WHERE state IN (?, ?) AND updated_at < ?",
			string(StateConfirmed), string(StateFailed), cutoff.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("prune runs: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func decodeRun(payload []byte) (Run, error) {
	var run Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return Run{}, fmt.Errorf("decode run payload: %w", err)
	}
	return run, nil
}
