// Package postgres implements storage.Repository backed by PostgreSQL.
//
// All buckets share one table keyed by (bucket, key) so that the key space
// mirrors the BBolt, SQLite and in-memory backends.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/agencyportal/storage"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS portal_records (
	bucket TEXT  NOT NULL,
	key    TEXT  NOT NULL,
	value  BYTEA NOT NULL,
	PRIMARY KEY (bucket, key)
)`

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// EnsureSchema creates the records table if it does not exist. It is safe
// to call on every startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Put(bucket, key string, value []byte) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO portal_records (bucket, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = EXCLUDED.value`,
		bucket, key, value)
	return err
}

func (s *Store) Get(bucket, key string) ([]byte, error) {
	var v []byte
	err := s.pool.QueryRow(context.Background(),
		`SELECT value FROM portal_records WHERE bucket = $1 AND key = $2`,
		bucket, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrNotFound)
	}
	return v, err
}

func (s *Store) List(bucket string) ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT key FROM portal_records WHERE bucket = $1 ORDER BY key COLLATE "C"`, bucket)
	if err != nil {
		return nil, err
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

func (s *Store) Delete(bucket, key string) error {
	_, err := s.pool.Exec(context.Background(),
		`DELETE FROM portal_records WHERE bucket = $1 AND key = $2`, bucket, key)
	return err
}

func (s *Store) PutIfAbsent(bucket, key string, value []byte) error {
	tag, err := s.pool.Exec(context.Background(),
		`INSERT INTO portal_records (bucket, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (bucket, key) DO NOTHING`,
		bucket, key, value)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrExists
	}
	return nil
}

func (s *Store) Take(bucket, key string) ([]byte, error) {
	var v []byte
	err := s.pool.QueryRow(context.Background(),
		`DELETE FROM portal_records WHERE bucket = $1 AND key = $2 RETURNING value`,
		bucket, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrNotFound)
	}
	return v, err
}
