package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/agencyportal/errmap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, r http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL + "/")
	require.NoError(t, err)
	return c
}

func TestLookupCreator(t *testing.T) {
	r := chi.NewRouter()
	var got map[string]string
	r.Post("/v1/creators/lookup", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]string{"creator_id": "c1", "creator_name": "Grace Bennett"})
	})
	c := newTestClient(t, r)

	cr, err := c.LookupCreator(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got["passkey"])
	assert.Equal(t, Creator{ID: "c1", Name: "Grace Bennett"}, cr)
}

func TestErrorEnvelope(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/v1/creators/confirm", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "passkey revoked", "code": "INVALID_CREDENTIALS"})
	})
	r.Post("/v1/admin/login", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>nginx</html>"))
	})
	c := newTestClient(t, r)

	_, err := c.ConfirmCreator(context.Background(), "x")
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusUnauthorized, be.Status)
	assert.Equal(t, "passkey revoked", be.Message)
	assert.Equal(t, "INVALID_CREDENTIALS", be.Code)
	assert.Equal(t, errmap.MessageRevoked, errmap.FromError(errmap.CreatorConfirm, err).Message)

	_, err = c.AdminLogin(context.Background(), "pw")
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusBadGateway, be.Status)
	assert.Equal(t, "Bad Gateway", be.Message)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Equal(t, http.StatusServiceUnavailable, errmap.FromError(errmap.AdminLogin, err).Status)
}

func TestAdminLoginRequiresAuthenticated(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/v1/admin/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
	})
	c := newTestClient(t, r)

	_, err := c.AdminLogin(context.Background(), "pw")
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
}

func TestSendReminders(t *testing.T) {
	r := chi.NewRouter()
	var (
		runID, auth, key string
		body             map[string]any
	)
	r.Post("/v1/reminders/runs/{runID}/send", func(w http.ResponseWriter, r *http.Request) {
		runID, _ = url.PathUnescape(chi.URLParam(r, "runID"))
		auth = r.Header.Get("Authorization")
		key = r.Header.Get("Idempotency-Key")
		// Each request gets its own map; Decode merges into an existing one.
		body = nil
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, map[string]any{"run_id": "run/9 x", "sent_count": 7, "failed_count": 1})
	})
	c := newTestClient(t, r)

	run, err := c.SendReminders(context.Background(), "tok", "run/9 x", 50)
	require.NoError(t, err)
	assert.Equal(t, "run/9 x", runID)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "send:run/9 x", key)
	assert.EqualValues(t, 50, body["max_messages"])
	assert.Equal(t, 7, run.SentCount)

	_, err = c.SendReminders(context.Background(), "tok", "run-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.NotContains(t, body, "max_messages")
}

func TestEvaluateAndDryRun(t *testing.T) {
	r := chi.NewRouter()
	var evalBody, dryBody map[string]any
	r.Post("/v1/reminders/evaluate", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evalBody))
		writeJSON(w, http.StatusOK, map[string]any{"run_id": "run-9", "evaluated_count": 40, "eligible_count": 12})
	})
	r.Post("/v1/reminders/dry-run", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&dryBody))
		writeJSON(w, http.StatusOK, map[string]any{
			"evaluated_count": 3, "eligible_count": 1,
			"results": []map[string]string{{"invoice_id": "inv-1", "status": "eligible"}},
		})
	})
	c := newTestClient(t, r)

	run, err := c.EvaluateReminders(context.Background(), "tok", "reminders-1-abcd")
	require.NoError(t, err)
	assert.Equal(t, "reminders-1-abcd", evalBody["idempotency_key"])
	assert.Equal(t, "run-9", run.RunID)
	assert.Equal(t, 12, run.EligibleCount)

	run, err = c.DryRunReminders(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, true, dryBody["dry_run"])
	require.Len(t, run.Results, 1)
	assert.Equal(t, "inv-1", run.Results[0].InvoiceID)
}

func TestIssuePasskey(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/v1/admin/creators/{id}/passkey", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"creator_name": "Grace", "passkey": "pk-" + chi.URLParam(r, "id")})
	})
	c := newTestClient(t, r)

	p, err := c.IssuePasskey(context.Background(), "tok", "c1")
	require.NoError(t, err)
	assert.Equal(t, IssuedPasskey{CreatorID: "c1", CreatorName: "Grace", Passkey: "pk-c1"}, p)
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(base)
	require.NoError(t, err)
	_, err = c.LookupCreator(context.Background(), "x")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, errmap.ServiceUnavailable, errmap.FromError(errmap.CreatorLookup, err).Code)
}

func TestContextCancellation(t *testing.T) {
	release := make(chan struct{})
	r := chi.NewRouter()
	r.Post("/v1/creators/lookup", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	c := newTestClient(t, r)
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.LookupCreator(ctx, "x")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)
	_, err = New("://nope")
	assert.Error(t, err)
}
