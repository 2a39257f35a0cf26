// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sort"
	"sync"

	"github.com/jmcleod/agencyportal/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process deployments.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string][]byte)}
}

func (r *Repository) Put(bucket, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(bucket, key, value)
	return nil
}

func (r *Repository) putLocked(bucket, key string, value []byte) {
	b, ok := r.data[bucket]
	if !ok {
		b = make(map[string][]byte)
		r.data[bucket] = b
	}
	b[key] = append([]byte(nil), value...)
}

func (r *Repository) Get(bucket, key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.data[bucket][key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (r *Repository) List(bucket string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.data[bucket]))
	for k := range r.data[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Repository) Delete(bucket, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data[bucket], key)
	return nil
}

func (r *Repository) PutIfAbsent(bucket, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[bucket][key]; ok {
		return storage.ErrExists
	}
	r.putLocked(bucket, key, value)
	return nil
}

func (r *Repository) Take(bucket, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[bucket][key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(r.data[bucket], key)
	return v, nil
}

// Close is a no-op; it exists to satisfy storage.Repository.
func (r *Repository) Close() error { return nil }
