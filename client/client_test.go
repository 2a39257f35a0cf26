package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/agencyportal/api"
	"github.com/jmcleod/agencyportal/authflow"
	"github.com/jmcleod/agencyportal/backend"
	"github.com/jmcleod/agencyportal/errmap"
	"github.com/jmcleod/agencyportal/reminder"
	"github.com/jmcleod/agencyportal/storage/memory"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newBackendStub serves the backend's wire contract for one creator
// (passkey PK-GRACE) and the admin password hunter2.
func newBackendStub(t *testing.T) *httptest.Server {
	t.Helper()
	expires := time.Now().Add(time.Hour)
	authed := func(r *http.Request) bool {
		return r.Header.Get("Authorization") == "Bearer admin-tok"
	}

	r := chi.NewRouter()
	r.Post("/v1/creators/lookup", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["passkey"] != "PK-GRACE" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unknown passkey"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"creator_id": "c1", "creator_name": "Grace Bennett"})
	})
	r.Post("/v1/creators/confirm", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"creator_id": "c1", "creator_name": "Grace Bennett",
			"session_token": "creator-tok", "expires_at": expires,
		})
	})
	r.Post("/v1/admin/login", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["password"] != "hunter2" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "wrong password"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true, "session_token": "admin-tok", "expires_at": expires,
		})
	})
	r.Post("/v1/admin/creators/{id}/passkey", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"creator_id": chi.URLParam(r, "id"), "creator_name": "Grace Bennett", "passkey": "PK-FRESH",
		})
	})
	r.Post("/v1/reminders/dry-run", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"evaluated_count": 5, "eligible_count": 2})
	})
	r.Post("/v1/reminders/evaluate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"run_id": "run-7", "evaluated_count": 5, "eligible_count": 2})
	})
	r.Post("/v1/reminders/runs/{id}/send", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"run_id": chi.URLParam(r, "id"), "sent_count": 2})
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

// newPortal starts a portal in front of the backend stub and returns a
// client for it.
func newPortal(t *testing.T) *Client {
	t.Helper()
	be, err := backend.New(newBackendStub(t).URL)
	require.NoError(t, err)
	a, err := api.New(be, memory.NewRepository(),
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	srv := httptest.NewServer(a.Router())
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	c, err := New(srv.URL)
	require.NoError(t, err)
	return c
}

func TestNewRejectsNonHTTPURL(t *testing.T) {
	_, err := New("ftp://portal.example")
	require.Error(t, err)
}

func TestPasskeyFlowThroughPortal(t *testing.T) {
	c := newPortal(t)
	flow := authflow.NewPasskeyFlow(c)
	defer flow.Close()

	snap, err := flow.Lookup(context.Background(), "  PK-GRACE ")
	require.NoError(t, err)
	assert.Equal(t, authflow.StepConfirm, snap.Step)
	assert.Equal(t, "Grace Bennett", snap.CreatorName)

	snap, err = flow.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, authflow.StepRedirecting, snap.Step)
	assert.Equal(t, authflow.DefaultPortalPath, snap.RedirectTo)

	sess, err := c.Session(context.Background())
	require.NoError(t, err)
	assert.True(t, sess.Creator)
	assert.Equal(t, "c1", sess.CreatorID)

	require.NoError(t, c.CreatorLogout(context.Background()))
	sess, err = c.Session(context.Background())
	require.NoError(t, err)
	assert.False(t, sess.Creator)
}

func TestLookupFailureIsMappedFailure(t *testing.T) {
	c := newPortal(t)

	_, err := c.LookupCreator(context.Background(), "PK-NOBODY")
	var f *errmap.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, errmap.InvalidCredentials, f.Code)
	assert.Equal(t, http.StatusUnauthorized, f.Status)
	assert.Equal(t, "We couldn't find a creator with that passkey.", f.Message)
}

func TestAdminIssuesPasskeyAndReadsFlashOnce(t *testing.T) {
	c := newPortal(t)
	flow := authflow.NewAdminFlow(c)
	defer flow.Close()

	snap, err := flow.Submit(context.Background(), "hunter2")
	require.NoError(t, err)
	assert.Equal(t, authflow.DefaultDashboardPath, snap.RedirectTo)

	issued, err := c.IssuePasskey(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, issued.Issued)
	assert.Equal(t, "/admin/creators/c1?passkey=issued", issued.RedirectTo)

	env, ok, err := c.FlashSecret(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PK-FRESH", env.Passkey)
	assert.Equal(t, "c1", env.CreatorID)

	_, ok, err = c.FlashSecret(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWrongAdminPassword(t *testing.T) {
	c := newPortal(t)
	flow := authflow.NewAdminFlow(c)
	defer flow.Close()

	snap, err := flow.Submit(context.Background(), "hunter3")
	require.Error(t, err)
	assert.Equal(t, errmap.InvalidCredentials, snap.Code)
	assert.Equal(t, "Incorrect password.", snap.Message)
}

func TestReminderCycle(t *testing.T) {
	c := newPortal(t)
	require.NoError(t, c.AdminLogin(context.Background(), "hunter2"))

	dry, err := c.DryRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Dry run: 2 eligible out of 5 evaluated.", dry.Message)
	assert.Empty(t, dry.RunID)

	eval, err := c.Evaluate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "run-7", eval.PendingRunID)

	sent, err := c.Send(context.Background(), eval.PendingRunID, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, sent.Sent)

	again, err := c.Send(context.Background(), "run-7", 0)
	var f *errmap.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, errmap.BadRequest, f.Code)
	assert.Equal(t, reminder.ReasonAlreadySent, again.Reason)
	assert.Equal(t, "run-7", again.PendingRunID)
	assert.Contains(t, f.Message, "already been sent")

	runs, err := c.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, reminder.StateSent, runs[0].State)
}

func TestAdminCallsNeedSession(t *testing.T) {
	c := newPortal(t)

	_, err := c.DryRun(context.Background())
	var f *errmap.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, errmap.InvalidCredentials, f.Code)
	assert.Equal(t, http.StatusUnauthorized, f.Status)

	_, _, err = c.FlashSecret(context.Background())
	require.NoError(t, err, "flash reads without a session are empty, not errors")
}

func TestAdminLogoutEndsSession(t *testing.T) {
	c := newPortal(t)
	require.NoError(t, c.AdminLogin(context.Background(), "hunter2"))
	require.NotEmpty(t, c.Cookies("/"))

	require.NoError(t, c.AdminLogout(context.Background()))
	sess, err := c.Session(context.Background())
	require.NoError(t, err)
	assert.False(t, sess.Admin)
}

func TestUnreachablePortal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url)
	require.NoError(t, err)
	_, err = c.LookupCreator(context.Background(), "PK-GRACE")
	var f *errmap.Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, errmap.ServiceUnavailable, f.Code)
}

func TestCanceledContextPassesThrough(t *testing.T) {
	c := newPortal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.LookupCreator(ctx, "PK-GRACE")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFailureBodyShapes(t *testing.T) {
	envelope := failureBody{Error: "Too many requests.", Code: "RATE_LIMITED"}
	f := envelope.failure(http.StatusTooManyRequests, errmap.Generic)
	assert.Equal(t, errmap.RateLimited, f.Code)
	assert.Equal(t, "Too many requests.", f.Message)

	outcome := failureBody{Phase: "send", Error: "SERVICE_UNAVAILABLE", Message: "Sending failed."}
	f = outcome.failure(http.StatusServiceUnavailable, errmap.Reminders)
	assert.Equal(t, errmap.ServiceUnavailable, f.Code)
	assert.Equal(t, "Sending failed.", f.Message)

	empty := failureBody{}
	f = empty.failure(http.StatusForbidden, errmap.Generic)
	assert.Equal(t, errmap.ServerError, f.Code)
	assert.Equal(t, http.StatusForbidden, f.Status)
	assert.NotEmpty(t, f.Message)
}
