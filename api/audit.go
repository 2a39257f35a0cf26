package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditCreatorLookup         AuditEvent = "creator_lookup"
	AuditCreatorLookupFailure  AuditEvent = "creator_lookup_failure"
	AuditCreatorLoginSuccess   AuditEvent = "creator_login_success"
	AuditCreatorLoginFailure   AuditEvent = "creator_login_failure"
	AuditCreatorLogout         AuditEvent = "creator_logout"
	AuditAdminLoginSuccess     AuditEvent = "admin_login_success"
	AuditAdminLoginFailure     AuditEvent = "admin_login_failure"
	AuditAdminLogout           AuditEvent = "admin_logout"
	AuditSignInRateLimited     AuditEvent = "sign_in_rate_limited"
	AuditPasskeyIssued         AuditEvent = "passkey_issued"
	AuditPasskeyIssueFailure   AuditEvent = "passkey_issue_failure"
	AuditFlashConsumed         AuditEvent = "flash_consumed"
	AuditFlashRejected         AuditEvent = "flash_rejected"
	AuditReminderDryRun        AuditEvent = "reminder_dry_run"
	AuditReminderEvaluated     AuditEvent = "reminder_evaluated"
	AuditReminderSent          AuditEvent = "reminder_sent"
	AuditReminderFailure       AuditEvent = "reminder_failure"
	AuditReminderResendBlocked AuditEvent = "reminder_resend_blocked"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Passkeys, passwords and session tokens are never passed to it.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logEvent is a convenience for events about a known subject, a creator
// id or "admin".
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, subject string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("subject", subject),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed action with the stable failure code as reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
