package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmcleod/agencyportal/errmap"
	"github.com/jmcleod/agencyportal/storage"
)

// ErrAlreadySent is returned by Send when the resend policy forbids
// sending a run the ledger already records as sent.
var ErrAlreadySent = errors.New("reminder run already sent")

// Backend is the subset of the backend client the dispatcher needs.
type Backend interface {
	DryRunReminders(ctx context.Context, token string) (Run, error)
	EvaluateReminders(ctx context.Context, token, idempotencyKey string) (Run, error)
	SendReminders(ctx context.Context, token, runID string, maxMessages int) (Run, error)
}

// ResendPolicy controls Send for a run already recorded as sent.
type ResendPolicy string

const (
	// ResendReject refuses locally, without calling the backend.
	ResendReject ResendPolicy = "reject"
	// ResendAllow forwards the send and relies on the backend honouring
	// the Idempotency-Key header.
	ResendAllow ResendPolicy = "allow"
)

// ParseResendPolicy accepts "reject" and "allow" (case-insensitive).
// Empty means reject.
func ParseResendPolicy(s string) (ResendPolicy, error) {
	switch p := ResendPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ResendReject, nil
	case ResendReject, ResendAllow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown resend policy %q (want %q or %q)", s, ResendReject, ResendAllow)
	}
}

// Dispatcher runs the dry-run, evaluate and send phases against the
// backend and keeps the local ledger in step.
type Dispatcher struct {
	backend Backend
	ledger  *Ledger
	policy  ResendPolicy
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithResendPolicy overrides the default ResendReject.
func WithResendPolicy(p ResendPolicy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithLogger sets the logger for ledger write failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher returns a dispatcher. ledger may be nil, in which case
// runs are not recorded and the resend policy cannot be enforced.
func NewDispatcher(backend Backend, ledger *Ledger, opts ...Option) *Dispatcher {
	d := &Dispatcher{backend: backend, ledger: ledger, policy: ResendReject, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Ledger returns the dispatcher's ledger (possibly nil).
func (d *Dispatcher) Ledger() *Ledger { return d.ledger }

func badRequest() error {
	return errmap.New(errmap.Reminders, errmap.BadRequest)
}

// fail converts a backend error into the reminders failure taxonomy.
// Cancellation is passed through untouched.
func fail(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errmap.FromError(errmap.Reminders, err)
}

// DryRun previews a reminder cycle. Nothing is persisted and any run id
// the backend echoes is dropped.
func (d *Dispatcher) DryRun(ctx context.Context, token string) (Run, error) {
	run, err := d.backend.DryRunReminders(ctx, token)
	if err != nil {
		return Run{}, fail(err)
	}
	run.RunID = ""
	run.IdempotencyKey = ""
	return run, nil
}

// Evaluate asks the backend to record a candidate run. A response
// without a run id is treated as a server error so no half-prepared run
// ever reaches the caller.
func (d *Dispatcher) Evaluate(ctx context.Context, token, idempotencyKey string) (Run, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return Run{}, badRequest()
	}
	run, err := d.backend.EvaluateReminders(ctx, token, idempotencyKey)
	if err != nil {
		return Run{}, fail(err)
	}
	if run.RunID == "" {
		return Run{}, errmap.New(errmap.Reminders, errmap.ServerError)
	}
	if run.IdempotencyKey == "" {
		run.IdempotencyKey = idempotencyKey
	}
	if d.ledger != nil {
		if err := d.ledger.RecordEvaluated(run); err != nil {
			d.logger.Error("recording evaluated run", "run_id", run.RunID, "error", err)
		}
	}
	return run, nil
}

// Send delivers the run identified by runID. The id is forwarded exactly
// as given. maxMessages <= 0 means no cap.
func (d *Dispatcher) Send(ctx context.Context, token, runID string, maxMessages int) (Run, error) {
	if runID == "" || maxMessages < 0 {
		return Run{}, badRequest()
	}
	if d.policy == ResendReject && d.ledger != nil {
		release, err := d.ledger.Claim(runID)
		if errors.Is(err, ErrSendInProgress) {
			return Run{}, fmt.Errorf("%w: %w", ErrSendInProgress, badRequest())
		}
		if err != nil {
			d.logger.Error("claiming run for send", "run_id", runID, "error", err)
			return Run{}, errmap.New(errmap.Reminders, errmap.ServerError)
		}
		// Released only after the ledger records this attempt, so the
		// next claimant sees the final state.
		defer release()

		e, err := d.ledger.Get(runID)
		switch {
		case err == nil && e.State == StateSent:
			return Run{}, fmt.Errorf("%w: %w", ErrAlreadySent, badRequest())
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			d.logger.Error("reading run before send", "run_id", runID, "error", err)
			return Run{}, errmap.New(errmap.Reminders, errmap.ServerError)
		}
	}
	run, err := d.backend.SendReminders(ctx, token, runID, maxMessages)
	if errors.Is(err, context.Canceled) {
		return Run{}, err
	}
	if d.ledger != nil {
		if lerr := d.ledger.RecordSend(runID, run, err); lerr != nil {
			d.logger.Error("recording run send", "run_id", runID, "error", lerr)
		}
	}
	if err != nil {
		return Run{}, fail(err)
	}
	if run.RunID == "" {
		run.RunID = runID
	}
	return run, nil
}
