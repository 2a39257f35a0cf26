// Package storage provides the storage abstraction shared by the session
// registry, the flash-secret claim ledger and the reminder run ledger.
package storage

import "errors"

var (
	// ErrNotFound is returned when a key does not exist in its bucket.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned by PutIfAbsent when the key is already taken.
	ErrExists = errors.New("record already exists")
)

// Well-known buckets.
const (
	BucketSessions     = "sessions"
	BucketSessionKeys  = "session_keys"
	BucketFlashClaims  = "flash_claims"
	BucketReminderRuns = "reminder_runs"
	// BucketReminderSends holds a claim per run while its send is in flight.
	BucketReminderSends = "reminder_sends"
)

// Repository is a bucketed key/value store. Implementations must make
// PutIfAbsent and Take atomic with respect to concurrent callers; the
// single-use flash claims and the per-run reminder send claims depend on
// it.
type Repository interface {
	Put(bucket, key string, value []byte) error
	Get(bucket, key string) ([]byte, error)
	// List returns the keys of a bucket in ascending order. A missing
	// bucket is empty, not an error.
	List(bucket string) ([]string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(bucket, key string) error
	// PutIfAbsent stores value only when key is unused and returns
	// ErrExists otherwise.
	PutIfAbsent(bucket, key string, value []byte) error
	// Take returns the value stored under key and removes it in the same
	// operation. ErrNotFound if absent.
	Take(bucket, key string) ([]byte, error)
	Close() error
}
