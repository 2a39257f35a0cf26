package reminder

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/jmcleod/agencyportal/errmap"
)

// Phase names the workflow step an Outcome belongs to.
type Phase string

const (
	PhaseDryRun   Phase = "dry_run"
	PhaseEvaluate Phase = "evaluate"
	PhaseSend     Phase = "send"
)

// ReasonAlreadySent marks a send refused locally because the run was
// already delivered.
const ReasonAlreadySent = "already_sent"

// ReasonInProgress marks a send refused because another send of the same
// run had not finished yet.
const ReasonInProgress = "send_in_progress"

// Query parameter names of the redirect contract.
const (
	paramPhase     = "phase"
	paramRunID     = "run_id"
	paramPending   = "pendingRunId"
	paramError     = "error"
	paramReason    = "reason"
	paramEvaluated = "evaluated_count"
	paramEligible  = "eligible_count"
	paramSent      = "sent_count"
	paramFailed    = "failed_count"
	paramSkipped   = "skipped_count"
	paramEscalated = "escalated_count"
)

// Outcome is the state handed to the reminders page after a form post,
// either as redirect query parameters or as JSON. It never carries
// secrets.
type Outcome struct {
	Phase        Phase       `json:"phase"`
	RunID        string      `json:"run_id,omitempty"`
	PendingRunID string      `json:"pending_run_id,omitempty"`
	Error        errmap.Code `json:"error,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Evaluated    int         `json:"evaluated_count"`
	Eligible     int         `json:"eligible_count"`
	Sent         int         `json:"sent_count"`
	Failed       int         `json:"failed_count"`
	Skipped      int         `json:"skipped_count"`
	Escalated    int         `json:"escalated_count"`
	Message      string      `json:"message,omitempty"`
}

func counts(phase Phase, run Run) Outcome {
	return Outcome{
		Phase:     phase,
		Evaluated: run.EvaluatedCount,
		Eligible:  run.EligibleCount,
		Sent:      run.SentCount,
		Failed:    run.FailedCount,
		Skipped:   run.SkippedCount,
		Escalated: run.EscalatedCount,
	}
}

// DryRunSucceeded describes a completed preview.
func DryRunSucceeded(run Run) Outcome {
	return counts(PhaseDryRun, run)
}

// EvaluateSucceeded describes a recorded run. The run becomes the pending
// run the page offers to send.
func EvaluateSucceeded(run Run) Outcome {
	o := counts(PhaseEvaluate, run)
	o.RunID = run.RunID
	o.PendingRunID = run.RunID
	return o
}

// SendSucceeded describes a delivered run. There is nothing left pending.
func SendSucceeded(run Run) Outcome {
	o := counts(PhaseSend, run)
	o.RunID = run.RunID
	return o
}

// Failed describes a failed phase. For sends the run id stays pending so
// the admin can retry without evaluating again; evaluate and dry-run
// failures never carry a run id.
func Failed(phase Phase, err error, pendingRunID string) Outcome {
	o := Outcome{Phase: phase, Error: errmap.ServerError}
	if f := errmap.FromError(errmap.Reminders, err); f != nil {
		o.Error = f.Code
	}
	switch {
	case errors.Is(err, ErrAlreadySent):
		o.Reason = ReasonAlreadySent
	case errors.Is(err, ErrSendInProgress):
		o.Reason = ReasonInProgress
	}
	if phase == PhaseSend {
		o.PendingRunID = pendingRunID
	}
	return o
}

// WithMessage returns o with Message set to its banner, for JSON callers.
func (o Outcome) WithMessage() Outcome {
	o.Message = o.Banner()
	return o
}

// Query encodes o for a redirect. Zero counts are omitted on failures.
func (o Outcome) Query() url.Values {
	q := url.Values{}
	if o.Phase != "" {
		q.Set(paramPhase, string(o.Phase))
	}
	if o.RunID != "" {
		q.Set(paramRunID, o.RunID)
	}
	if o.PendingRunID != "" {
		q.Set(paramPending, o.PendingRunID)
	}
	if o.Error != "" {
		q.Set(paramError, string(o.Error))
		if o.Reason != "" {
			q.Set(paramReason, o.Reason)
		}
		return q
	}
	q.Set(paramEvaluated, strconv.Itoa(o.Evaluated))
	q.Set(paramEligible, strconv.Itoa(o.Eligible))
	if o.Phase == PhaseSend {
		q.Set(paramSent, strconv.Itoa(o.Sent))
		q.Set(paramFailed, strconv.Itoa(o.Failed))
		q.Set(paramSkipped, strconv.Itoa(o.Skipped))
		q.Set(paramEscalated, strconv.Itoa(o.Escalated))
	}
	return q
}

// ParseOutcome reads the state written by Query. Unknown error codes
// collapse to SERVER_ERROR and malformed counts read as zero.
func ParseOutcome(q url.Values) Outcome {
	o := Outcome{
		Phase:        Phase(q.Get(paramPhase)),
		RunID:        q.Get(paramRunID),
		PendingRunID: q.Get(paramPending),
		Reason:       q.Get(paramReason),
		Evaluated:    atoi(q.Get(paramEvaluated)),
		Eligible:     atoi(q.Get(paramEligible)),
		Sent:         atoi(q.Get(paramSent)),
		Failed:       atoi(q.Get(paramFailed)),
		Skipped:      atoi(q.Get(paramSkipped)),
		Escalated:    atoi(q.Get(paramEscalated)),
	}
	if q.Has(paramError) {
		o.Error = errmap.ParseCode(q.Get(paramError))
	}
	switch o.Phase {
	case PhaseDryRun, PhaseEvaluate, PhaseSend:
	default:
		// Older links carry no phase; infer it from the run state.
		switch {
		case o.RunID != "" && o.RunID == o.PendingRunID:
			o.Phase = PhaseEvaluate
		case o.PendingRunID != "" || o.RunID != "":
			o.Phase = PhaseSend
		default:
			o.Phase = PhaseDryRun
		}
	}
	return o
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Banner renders the human-readable status line for o.
func (o Outcome) Banner() string {
	if o.Error != "" {
		msg := errmap.New(errmap.Reminders, o.Error).Message
		switch o.Reason {
		case ReasonAlreadySent:
			msg = "This run has already been sent."
		case ReasonInProgress:
			msg = "This run is already being sent."
		}
		switch o.Phase {
		case PhaseSend:
			if o.PendingRunID != "" {
				return fmt.Sprintf("Sending failed: %s Run %s is still pending and can be sent again.", msg, o.PendingRunID)
			}
			return "Sending failed: " + msg
		case PhaseEvaluate:
			return "Preparing the send failed: " + msg
		default:
			return "Dry run failed: " + msg
		}
	}
	switch o.Phase {
	case PhaseSend:
		return fmt.Sprintf("Sent %d %s (%d failed, %d skipped, %d escalated).",
			o.Sent, plural(o.Sent, "reminder", "reminders"), o.Failed, o.Skipped, o.Escalated)
	case PhaseDryRun:
		return fmt.Sprintf("Dry run: %d eligible out of %d evaluated.", o.Eligible, o.Evaluated)
	default:
		return fmt.Sprintf("%d eligible out of %d evaluated.", o.Eligible, o.Evaluated)
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
