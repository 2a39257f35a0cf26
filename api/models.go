package api

import "github.com/jmcleod/agencyportal/reminder"

// PasskeyRequest is the JSON body for POST /api/creator/lookup and
// POST /api/creator/confirm.
type PasskeyRequest struct {
	Passkey string `json:"passkey"`
}

// CreatorResponse is returned from the creator lookup and confirm
// endpoints. RedirectTo is only set once the creator is signed in.
type CreatorResponse struct {
	CreatorID   string `json:"creator_id"`
	CreatorName string `json:"creator_name"`
	RedirectTo  string `json:"redirect_to,omitempty"`
}

// AdminLoginRequest is the JSON body for POST /api/admin/login.
type AdminLoginRequest struct {
	Password string `json:"password"`
}

// AdminLoginResponse is returned from POST /api/admin/login.
type AdminLoginResponse struct {
	Authenticated bool   `json:"authenticated"`
	RedirectTo    string `json:"redirect_to"`
}

// SessionResponse is returned from GET /api/session.
type SessionResponse struct {
	Admin       bool   `json:"admin"`
	Creator     bool   `json:"creator"`
	CreatorID   string `json:"creator_id,omitempty"`
	CreatorName string `json:"creator_name,omitempty"`
}

// FlashSecretResponse is returned from GET /admin/api/flash-secret. Every
// field is null when no secret is available.
type FlashSecretResponse struct {
	CreatorID   *string `json:"creator_id"`
	CreatorName *string `json:"creator_name"`
	Passkey     *string `json:"passkey"`
}

// PasskeyIssuedResponse is returned to JSON callers of
// POST /admin/creators/{creatorID}/passkey. It never carries the passkey.
type PasskeyIssuedResponse struct {
	Issued     bool   `json:"issued"`
	RedirectTo string `json:"redirect_to"`
}

// CSRFResponse is returned from GET /admin/api/csrf.
type CSRFResponse struct {
	Token string `json:"csrf_token"`
}

// ReminderRequest is the JSON form of the reminder form posts.
type ReminderRequest struct {
	RunID          string `json:"run_id,omitempty"`
	MaxMessages    *int   `json:"max_messages,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ReminderResponse is the JSON outcome of a reminder phase.
type ReminderResponse struct {
	reminder.Outcome
	Results []reminder.Result `json:"results,omitempty"`
}

// ReminderRunsResponse is returned from GET /api/admin/reminders/runs.
type ReminderRunsResponse struct {
	Runs []reminder.Entry `json:"runs"`
}
