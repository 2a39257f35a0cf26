package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmcleod/agencyportal/errmap"
	"github.com/jmcleod/agencyportal/reminder"
)

// remindersPagePath is where reminder form posts redirect to.
const remindersPagePath = "/admin/reminders"

// reminderForm reads the reminder request from either a JSON or a
// form-encoded body. It writes nothing; callers report a false result as
// a BAD_REQUEST in their own phase. A form with a malformed max_messages
// still returns its run_id so a failed send can stay pending.
func reminderForm(w http.ResponseWriter, r *http.Request) (ReminderRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if isJSON(r) {
		var req ReminderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return ReminderRequest{}, false
		}
		return req, true
	}
	if err := r.ParseForm(); err != nil {
		return ReminderRequest{}, false
	}
	req := ReminderRequest{
		RunID:          r.PostForm.Get("run_id"),
		IdempotencyKey: r.PostForm.Get("idempotency_key"),
	}
	if raw := strings.TrimSpace(r.PostForm.Get("max_messages")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return ReminderRequest{RunID: req.RunID}, false
		}
		req.MaxMessages = &n
	}
	return req, true
}

// respondReminder renders the outcome of a phase, as JSON or as a 303 to
// the reminders page.
func (a *API) respondReminder(w http.ResponseWriter, r *http.Request, o reminder.Outcome, run reminder.Run, status int) {
	if wantsJSON(r) || isJSON(r) {
		writeJSON(w, status, ReminderResponse{Outcome: o.WithMessage(), Results: run.Results})
		return
	}
	http.Redirect(w, r, remindersPagePath+"?"+o.Query().Encode(), http.StatusSeeOther)
}

// reminderFailed reports err for phase. Abandoned requests get no response.
func (a *API) reminderFailed(w http.ResponseWriter, r *http.Request, phase reminder.Phase, err error, pendingRunID string) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}
	f := errmap.FromError(errmap.Reminders, err)
	switch {
	case errors.Is(err, reminder.ErrAlreadySent):
		a.audit.logFailure(AuditReminderResendBlocked, r, reminder.ReasonAlreadySent,
			slog.String("run_id", pendingRunID))
	case errors.Is(err, reminder.ErrSendInProgress):
		a.audit.logFailure(AuditReminderResendBlocked, r, reminder.ReasonInProgress,
			slog.String("run_id", pendingRunID))
	default:
		a.audit.logFailure(AuditReminderFailure, r, string(f.Code),
			slog.String("phase", string(phase)))
		if f.Code == errmap.ServerError {
			a.logger.Error("reminder phase failed", "phase", phase, "error", err)
		}
	}
	a.respondReminder(w, r, reminder.Failed(phase, err, pendingRunID), reminder.Run{}, f.Status)
}

// ReminderDryRun handles POST /admin/reminders/dry-run.
func (a *API) ReminderDryRun(w http.ResponseWriter, r *http.Request) {
	admin, _ := adminFromContext(r.Context())
	if _, ok := reminderForm(w, r); !ok {
		a.reminderFailed(w, r, reminder.PhaseDryRun, errmap.New(errmap.Reminders, errmap.BadRequest), "")
		return
	}
	run, err := a.reminders.DryRun(r.Context(), admin.Token)
	if err != nil {
		a.reminderFailed(w, r, reminder.PhaseDryRun, err, "")
		return
	}
	a.audit.logEvent(AuditReminderDryRun, r, "admin",
		slog.Int("evaluated", run.EvaluatedCount),
		slog.Int("eligible", run.EligibleCount))
	a.respondReminder(w, r, reminder.DryRunSucceeded(run), run, http.StatusOK)
}

// ReminderEvaluate handles POST /admin/reminders/evaluate. A caller that
// does not supply an idempotency key gets a fresh one.
func (a *API) ReminderEvaluate(w http.ResponseWriter, r *http.Request) {
	admin, _ := adminFromContext(r.Context())
	req, ok := reminderForm(w, r)
	if !ok {
		a.reminderFailed(w, r, reminder.PhaseEvaluate, errmap.New(errmap.Reminders, errmap.BadRequest), "")
		return
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		var err error
		if key, err = reminder.NewIdempotencyKey(a.now()); err != nil {
			a.reminderFailed(w, r, reminder.PhaseEvaluate, err, "")
			return
		}
	}
	run, err := a.reminders.Evaluate(r.Context(), admin.Token, key)
	if err != nil {
		a.reminderFailed(w, r, reminder.PhaseEvaluate, err, "")
		return
	}
	a.audit.logEvent(AuditReminderEvaluated, r, "admin",
		slog.String("run_id", run.RunID),
		slog.Int("eligible", run.EligibleCount))
	a.respondReminder(w, r, reminder.EvaluateSucceeded(run), run, http.StatusOK)
}

// ReminderSend handles POST /admin/reminders/send.
func (a *API) ReminderSend(w http.ResponseWriter, r *http.Request) {
	admin, _ := adminFromContext(r.Context())
	req, ok := reminderForm(w, r)
	if !ok {
		a.reminderFailed(w, r, reminder.PhaseSend, errmap.New(errmap.Reminders, errmap.BadRequest), req.RunID)
		return
	}
	maxMessages := 0
	if req.MaxMessages != nil {
		maxMessages = *req.MaxMessages
	}
	run, err := a.reminders.Send(r.Context(), admin.Token, req.RunID, maxMessages)
	if err != nil {
		a.reminderFailed(w, r, reminder.PhaseSend, err, req.RunID)
		return
	}
	a.audit.logEvent(AuditReminderSent, r, "admin",
		slog.String("run_id", run.RunID),
		slog.Int("sent", run.SentCount),
		slog.Int("failed", run.FailedCount))
	a.respondReminder(w, r, reminder.SendSucceeded(run), run, http.StatusOK)
}

// ListReminderRuns handles GET /api/admin/reminders/runs.
func (a *API) ListReminderRuns(w http.ResponseWriter, r *http.Request) {
	entries, err := a.reminders.Ledger().List()
	if err != nil {
		a.fail(w, r, errmap.Reminders, err)
		return
	}
	if entries == nil {
		entries = []reminder.Entry{}
	}
	writeJSON(w, http.StatusOK, ReminderRunsResponse{Runs: entries})
}
