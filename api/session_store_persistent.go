package api

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/agencyportal/internal/util"
	"github.com/jmcleod/agencyportal/storage"
)

const (
	sessionKeyID          = "current"
	sessionAADPrefix      = "session:"
	sessionKeyWrappingAAD = "agencyportal:session_key:v1"
	cleanupInterval       = 5 * time.Minute
)

// PersistentSessionStore stores sessions in a storage.Repository, encrypted
// at rest using AES-256-GCM. Sessions survive server restarts.
//
// The session encryption key is itself sealed with a wrapping key before
// being stored, so a repository compromise alone cannot recover session
// data.
type PersistentSessionStore struct {
	repo     storage.Repository
	key      *memguard.Enclave
	logger   *slog.Logger
	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ SessionStore = (*PersistentSessionStore)(nil)

// NewPersistentSessionStore creates a session store backed by repo. The
// 32-byte wrappingKey seals the session key at rest; it is never stored.
func NewPersistentSessionStore(repo storage.Repository, wrappingKey []byte, logger *slog.Logger) (*PersistentSessionStore, error) {
	if len(wrappingKey) != util.AESKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.AESKeySize, len(wrappingKey))
	}
	if logger == nil {
		logger = slog.Default()
	}
	key, err := loadOrCreateSessionKey(repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	s := &PersistentSessionStore{
		repo:   repo,
		key:    memguard.NewEnclave(key),
		logger: logger,
		stopCh: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s, nil
}

// Close stops the background cleanup goroutine.
func (s *PersistentSessionStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *PersistentSessionStore) open(key string, data []byte) (Session, error) {
	buf, err := s.key.Open()
	if err != nil {
		return Session{}, err
	}
	defer buf.Destroy()
	var session Session
	err = storage.OpenJSON(buf.Bytes(), data, []byte(sessionAADPrefix+key), &session)
	return session, err
}

func (s *PersistentSessionStore) Get(key string) (Session, bool) {
	data, err := s.repo.Get(storage.BucketSessions, key)
	if err != nil {
		return Session{}, false
	}
	session, err := s.open(key, data)
	if err != nil {
		return Session{}, false
	}
	if !time.Now().Before(session.ExpiresAt) {
		s.Delete(key)
		return Session{}, false
	}
	return session, true
}

func (s *PersistentSessionStore) Put(key string, session Session) {
	buf, err := s.key.Open()
	if err != nil {
		s.logger.Error("opening session key", "error", err)
		return
	}
	defer buf.Destroy()
	data, err := storage.SealJSON(buf.Bytes(), session, []byte(sessionAADPrefix+key))
	if err != nil {
		s.logger.Error("sealing session", "error", err)
		return
	}
	if err := s.repo.Put(storage.BucketSessions, key, data); err != nil {
		s.logger.Error("persisting session", "error", err)
	}
}

func (s *PersistentSessionStore) Delete(key string) {
	_ = s.repo.Delete(storage.BucketSessions, key)
}

// cleanupLoop periodically removes expired sessions from storage.
func (s *PersistentSessionStore) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *PersistentSessionStore) sweepExpired() int {
	keys, err := s.repo.List(storage.BucketSessions)
	if err != nil {
		return 0
	}
	now := time.Now()
	n := 0
	for _, key := range keys {
		data, err := s.repo.Get(storage.BucketSessions, key)
		if err != nil {
			continue
		}
		session, err := s.open(key, data)
		// Unreadable entries (corrupt, or sealed under an older key) go too.
		if err != nil || !now.Before(session.ExpiresAt) {
			_ = s.repo.Delete(storage.BucketSessions, key)
			n++
		}
	}
	return n
}

// loadOrCreateSessionKey loads the session encryption key, unsealing it
// with the wrapping key. If none exists, or the wrapping key changed, a
// new key is generated and persisted; sessions sealed under the old key
// become unreadable, which is the intended outcome of rotating the
// wrapping key.
func loadOrCreateSessionKey(repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(sessionKeyWrappingAAD)

	data, err := repo.Get(storage.BucketSessionKeys, sessionKeyID)
	if err == nil {
		var key []byte
		if oerr := storage.OpenJSON(wrappingKey, data, aad, &key); oerr == nil && len(key) == util.AESKeySize {
			return key, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading session key: %w", err)
	}

	key, err := util.RandomBytes(util.AESKeySize)
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealJSON(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new session key: %w", err)
	}
	if err := repo.Put(storage.BucketSessionKeys, sessionKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("persisting session key: %w", err)
	}
	return key, nil
}
