// Package reminder coordinates the two-phase reminder dispatch workflow:
// a dry run that only previews, an evaluate phase that records a durable
// run on the backend, and a send phase that delivers a previously
// evaluated run identified by its opaque run id.
package reminder

import (
	"fmt"
	"time"

	"github.com/jmcleod/agencyportal/internal/util"
)

// Result is the per-invoice outcome reported by the backend.
type Result struct {
	InvoiceID string `json:"invoice_id"`
	CreatorID string `json:"creator_id,omitempty"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// Run is the aggregate result of any phase. Dry runs never carry a RunID.
type Run struct {
	RunID          string   `json:"run_id,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	EvaluatedCount int      `json:"evaluated_count"`
	EligibleCount  int      `json:"eligible_count"`
	SentCount      int      `json:"sent_count"`
	FailedCount    int      `json:"failed_count"`
	SkippedCount   int      `json:"skipped_count"`
	EscalatedCount int      `json:"escalated_count"`
	Results        []Result `json:"results,omitempty"`
}

const idempotencyPrefix = "reminders"

// NewIdempotencyKey returns a caller-unique key for an evaluate request:
// the fixed prefix, the timestamp in unix milliseconds and 8 random hex
// characters so two admins pressing the button in the same millisecond
// still get distinct keys.
func NewIdempotencyKey(now time.Time) (string, error) {
	suffix, err := util.RandomHex(4)
	if err != nil {
		return "", fmt.Errorf("generating idempotency key: %w", err)
	}
	return fmt.Sprintf("%s-%d-%s", idempotencyPrefix, now.UnixMilli(), suffix), nil
}

// SendIdempotencyKey is the Idempotency-Key header value for sending runID.
func SendIdempotencyKey(runID string) string {
	return "send:" + runID
}
