package reminder

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmcleod/agencyportal/internal/util"
	"github.com/jmcleod/agencyportal/storage"
)

// ErrSendInProgress is returned by Claim while another send of the same
// run holds its claim.
var ErrSendInProgress = errors.New("reminder run send already in progress")

// claimTTL bounds how long a claim left behind by a crashed process keeps
// its run blocked.
const claimTTL = 10 * time.Minute

// State is the ledger state of a run.
type State string

const (
	StateEvaluated  State = "evaluated"
	StateSent       State = "sent"
	StateSendFailed State = "send_failed"
)

// Entry is the portal's local record of a run. The backend stays the
// source of truth; the ledger only remembers what this portal asked for.
type Entry struct {
	RunID          string    `json:"run_id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	State          State     `json:"state"`
	EvaluatedCount int       `json:"evaluated_count"`
	EligibleCount  int       `json:"eligible_count"`
	SentCount      int       `json:"sent_count"`
	FailedCount    int       `json:"failed_count"`
	SendAttempts   int       `json:"send_attempts"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Ledger persists run entries in a storage.Repository.
type Ledger struct {
	repo storage.Repository
	now  func() time.Time
}

// NewLedger returns a ledger backed by repo.
func NewLedger(repo storage.Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// Get returns the entry for runID or storage.ErrNotFound.
func (l *Ledger) Get(runID string) (Entry, error) {
	data, err := l.repo.Get(storage.BucketReminderRuns, runID)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decoding run %q: %w", runID, err)
	}
	return e, nil
}

func (l *Ledger) put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding run %q: %w", e.RunID, err)
	}
	return l.repo.Put(storage.BucketReminderRuns, e.RunID, data)
}

// RecordEvaluated stores a freshly evaluated run.
func (l *Ledger) RecordEvaluated(run Run) error {
	now := l.now().UTC()
	return l.put(Entry{
		RunID:          run.RunID,
		IdempotencyKey: run.IdempotencyKey,
		State:          StateEvaluated,
		EvaluatedCount: run.EvaluatedCount,
		EligibleCount:  run.EligibleCount,
		EvaluatedAt:    now,
		UpdatedAt:      now,
	})
}

// RecordSend updates runID after a send attempt. A run the ledger has
// never seen (evaluated by another portal instance, or before a restart
// of an in-memory ledger) gets a fresh entry.
func (l *Ledger) RecordSend(runID string, run Run, sendErr error) error {
	e, err := l.Get(runID)
	if errors.Is(err, storage.ErrNotFound) {
		e = Entry{RunID: runID}
	} else if err != nil {
		return err
	}
	e.SendAttempts++
	e.UpdatedAt = l.now().UTC()
	if sendErr != nil {
		// A run that already went out stays sent.
		if e.State != StateSent {
			e.State = StateSendFailed
		}
		return l.put(e)
	}
	e.State = StateSent
	e.SentCount = run.SentCount
	e.FailedCount = run.FailedCount
	if run.EvaluatedCount > 0 {
		e.EvaluatedCount = run.EvaluatedCount
		e.EligibleCount = run.EligibleCount
	}
	return l.put(e)
}

// List returns all entries, most recently updated first.
func (l *Ledger) List() ([]Entry, error) {
	keys, err := l.repo.List(storage.BucketReminderRuns)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		e, err := l.Get(k)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
	return entries, nil
}

type sendClaim struct {
	Token     string    `json:"token"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Claim reserves runID for one send. Concurrent callers, including other
// portal instances sharing the repository, get ErrSendInProgress until
// the returned release func is called. A claim older than claimTTL is
// taken over.
func (l *Ledger) Claim(runID string) (release func(), err error) {
	token, err := util.RandomHex(8)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(sendClaim{Token: token, ClaimedAt: l.now().UTC()})
	if err != nil {
		return nil, err
	}

	err = l.repo.PutIfAbsent(storage.BucketReminderSends, runID, data)
	if errors.Is(err, storage.ErrExists) {
		if err = l.takeOverExpired(runID); err != nil {
			return nil, err
		}
		err = l.repo.PutIfAbsent(storage.BucketReminderSends, runID, data)
		if errors.Is(err, storage.ErrExists) {
			return nil, ErrSendInProgress
		}
	}
	if err != nil {
		return nil, fmt.Errorf("claiming run %q: %w", runID, err)
	}

	return func() { l.release(runID, token) }, nil
}

// takeOverExpired removes the claim on runID if it has expired. A live
// claim is put back and reported as ErrSendInProgress.
func (l *Ledger) takeOverExpired(runID string) error {
	data, err := l.repo.Get(storage.BucketReminderSends, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading claim on run %q: %w", runID, err)
	}
	if !l.claimExpired(data) {
		return ErrSendInProgress
	}
	taken, err := l.repo.Take(storage.BucketReminderSends, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("taking claim on run %q: %w", runID, err)
	}
	if !l.claimExpired(taken) {
		// Someone else took it over between Get and Take.
		_ = l.repo.PutIfAbsent(storage.BucketReminderSends, runID, taken)
		return ErrSendInProgress
	}
	return nil
}

func (l *Ledger) claimExpired(data []byte) bool {
	var c sendClaim
	if err := json.Unmarshal(data, &c); err != nil {
		return true
	}
	return l.now().Sub(c.ClaimedAt) > claimTTL
}

// release drops the claim on runID if it is still the one holding token.
func (l *Ledger) release(runID, token string) {
	taken, err := l.repo.Take(storage.BucketReminderSends, runID)
	if err != nil {
		return
	}
	var c sendClaim
	if json.Unmarshal(taken, &c) == nil && c.Token != token {
		_ = l.repo.PutIfAbsent(storage.BucketReminderSends, runID, taken)
	}
}
