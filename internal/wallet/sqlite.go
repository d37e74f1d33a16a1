package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// SQLiteStore serializes writers with a mutex inside the process and a
// file lock across processes.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex
	lock *flock.Flock
}

func OpenSQLite(path, lockPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create wallet store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return nil, fmt.Errorf("create wallet lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open wallet sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS wallets (
			identity_id TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			encrypted_secret TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init wallet schema: %w", err)
		}
	}
	return &SQLiteStore{db: db, lock: flock.New(lockPath)}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock wallet store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock wallet store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *SQLiteStore) Get(ctx context.Context, identityID string) (Record, error) {
	var (
		rec              Record
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT identity_id, public_key, encrypted_secret, created_at, updated_at FROM wallets WHERE identity_id = ?",
		identityID,
	).Scan(&rec.IdentityID, &rec.PublicKey, &rec.EncryptedSecret, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, notFound(identityID)
		}
		return Record{}, fmt.Errorf("read wallet: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	return s.withLock(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO wallets (identity_id, public_key, encrypted_secret, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(identity_id) DO NOTHING
		`, rec.IdentityID, rec.PublicKey, rec.EncryptedSecret, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("create wallet: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("create wallet: %w", err)
		}
		if n == 0 {
			return alreadyExists(rec.IdentityID)
		}
		return nil
	})
}

func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	return s.withLock(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE wallets SET public_key = ?, encrypted_secret = ?, updated_at = ?
			WHERE identity_id = ?
		`, rec.PublicKey, rec.EncryptedSecret, rec.UpdatedAt.UnixMilli(), rec.IdentityID)
		if err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}
		if n == 0 {
			return notFound(rec.IdentityID)
		}
		return nil
	})
}
