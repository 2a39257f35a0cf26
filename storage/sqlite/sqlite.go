// Package sqlite implements storage.Repository on an embedded SQLite
// database (pure Go driver, no cgo).
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/jmcleod/agencyportal/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS portal_records (
	bucket TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  BLOB NOT NULL,
	PRIMARY KEY (bucket, key)
)`

// Store implements storage.Repository backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepositoryFromFile opens (or creates) the database at path, applies
// the schema and returns a Store.
func NewRepositoryFromFile(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection serialises writers, which keeps PutIfAbsent and
	// Take free of SQLITE_BUSY under contention.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(bucket, key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO portal_records (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value`,
		bucket, key, value)
	return err
}

func (s *Store) Get(bucket, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(
		`SELECT value FROM portal_records WHERE bucket = ? AND key = ?`,
		bucket, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrNotFound)
	}
	return v, err
}

func (s *Store) List(bucket string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT key FROM portal_records WHERE bucket = ? ORDER BY key`, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) Delete(bucket, key string) error {
	_, err := s.db.Exec(
		`DELETE FROM portal_records WHERE bucket = ? AND key = ?`, bucket, key)
	return err
}

func (s *Store) PutIfAbsent(bucket, key string, value []byte) error {
	res, err := s.db.Exec(
		`INSERT INTO portal_records (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (bucket, key) DO NOTHING`,
		bucket, key, value)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrExists
	}
	return nil
}

func (s *Store) Take(bucket, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow(
		`DELETE FROM portal_records WHERE bucket = ? AND key = ? RETURNING value`,
		bucket, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrNotFound)
	}
	return v, err
}
