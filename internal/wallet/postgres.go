package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS wallets (
	identity_id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	encrypted_secret TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresStore keeps wallet records in a shared database so several
// service replicas see the same custody state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create wallet connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping wallet database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init wallet schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, identityID string) (Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx,
		"SELECT identity_id, public_key, encrypted_secret, created_at, updated_at FROM wallets WHERE identity_id = $1",
		identityID,
	).Scan(&rec.IdentityID, &rec.PublicKey, &rec.EncryptedSecret, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, notFound(identityID)
		}
		return Record{}, fmt.Errorf("read wallet: %w", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO wallets (identity_id, public_key, encrypted_secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identity_id) DO NOTHING
	`, rec.IdentityID, rec.PublicKey, rec.EncryptedSecret, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return alreadyExists(rec.IdentityID)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE wallets SET public_key = $2, encrypted_secret = $3, updated_at = $4
		WHERE identity_id = $1
	`, rec.IdentityID, rec.PublicKey, rec.EncryptedSecret, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(rec.IdentityID)
	}
	return nil
}
