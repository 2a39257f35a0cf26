package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/agencyportal/api"
	"github.com/jmcleod/agencyportal/backend"
	"github.com/jmcleod/agencyportal/errmap"
	"github.com/jmcleod/agencyportal/reminder"
	"github.com/jmcleod/agencyportal/storage/memory"
)

const adminPassword = "correct horse "

// fakeBackend stands in for the backend service.
type fakeBackend struct {
	mu           sync.Mutex
	creators     map[string]backend.Creator
	revoked      map[string]bool
	adminTokens  map[string]bool
	tokens       int
	lookups      int
	passwords    []string
	sends        map[string]int
	loginErr     error
	sendErr      error
	evaluateKeys []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		creators: map[string]backend.Creator{
			"PK-ADA-0001": {ID: "cr_1", Name: "Ada Lovelace"},
		},
		revoked:     map[string]bool{"PK-OLD-0002": true},
		adminTokens: map[string]bool{},
		sends:       map[string]int{},
	}
}

func (f *fakeBackend) creator(passkey string) (backend.Creator, error) {
	if f.revoked[passkey] {
		return backend.Creator{}, &backend.Error{Status: http.StatusUnauthorized, Message: "passkey revoked at 2026-01-01 by ops@agency"}
	}
	c, ok := f.creators[passkey]
	if !ok {
		return backend.Creator{}, &backend.Error{Status: http.StatusUnauthorized, Message: "no creator for passkey"}
	}
	return c, nil
}

func (f *fakeBackend) LookupCreator(_ context.Context, passkey string) (backend.Creator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.creator(passkey)
}

func (f *fakeBackend) ConfirmCreator(_ context.Context, passkey string) (backend.CreatorSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.creator(passkey)
	if err != nil {
		return backend.CreatorSession{}, err
	}
	f.tokens++
	return backend.CreatorSession{
		Creator:      c,
		SessionToken: fmt.Sprintf("creator-token-%d", f.tokens),
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeBackend) AdminLogin(_ context.Context, password string) (backend.AdminSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passwords = append(f.passwords, password)
	if f.loginErr != nil {
		return backend.AdminSession{}, f.loginErr
	}
	if password != adminPassword {
		return backend.AdminSession{}, &backend.Error{Status: http.StatusUnauthorized, Message: "bad password"}
	}
	f.tokens++
	token := fmt.Sprintf("admin-token-%d", f.tokens)
	f.adminTokens[token] = true
	return backend.AdminSession{Authenticated: true, SessionToken: token, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeBackend) IssuePasskey(_ context.Context, token, creatorID string) (backend.IssuedPasskey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.adminTokens[token] {
		return backend.IssuedPasskey{}, &backend.Error{Status: http.StatusUnauthorized}
	}
	if creatorID == "cr_blank" {
		return backend.IssuedPasskey{CreatorID: creatorID, CreatorName: "Blank"}, nil
	}
	if creatorID != "cr_1" {
		return backend.IssuedPasskey{}, &backend.Error{Status: http.StatusNotFound, Message: "no such creator"}
	}
	return backend.IssuedPasskey{CreatorID: creatorID, CreatorName: "Ada Lovelace", Passkey: "PK-NEW-9999"}, nil
}

func (f *fakeBackend) DryRunReminders(_ context.Context, token string) (reminder.Run, error) {
	if !f.isAdmin(token) {
		return reminder.Run{}, &backend.Error{Status: http.StatusUnauthorized}
	}
	return reminder.Run{RunID: "echoed", EvaluatedCount: 40, EligibleCount: 12}, nil
}

func (f *fakeBackend) EvaluateReminders(_ context.Context, token, key string) (reminder.Run, error) {
	if !f.isAdmin(token) {
		return reminder.Run{}, &backend.Error{Status: http.StatusUnauthorized}
	}
	f.mu.Lock()
	f.evaluateKeys = append(f.evaluateKeys, key)
	f.mu.Unlock()
	return reminder.Run{
		RunID:          "run-1",
		IdempotencyKey: key,
		EvaluatedCount: 40,
		EligibleCount:  12,
		Results:        []reminder.Result{{InvoiceID: "inv_1", Status: "eligible"}},
	}, nil
}

func (f *fakeBackend) SendReminders(_ context.Context, token, runID string, _ int) (reminder.Run, error) {
	if !f.isAdmin(token) {
		return reminder.Run{}, &backend.Error{Status: http.StatusUnauthorized}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return reminder.Run{}, f.sendErr
	}
	f.sends[runID]++
	return reminder.Run{RunID: runID, EvaluatedCount: 40, EligibleCount: 12, SentCount: 11, FailedCount: 1}, nil
}

func (f *fakeBackend) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func (f *fakeBackend) sendCount(runID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[runID]
}

func (f *fakeBackend) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.evaluateKeys...)
}

func (f *fakeBackend) isAdmin(token string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adminTokens[token]
}

func setupServer(t *testing.T, opts ...api.Option) (*httptest.Server, *fakeBackend) {
	t.Helper()
	fake := newFakeBackend()
	opts = append([]api.Option{api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	a, err := api.New(fake, memory.NewRepository(), opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(a.Router())
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return srv, fake
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// doForm posts a form the way the admin pages do, with the CSRF token in
// the form body.
func doForm(t *testing.T, client *http.Client, url, csrfToken string, form url.Values) *http.Response {
	t.Helper()
	if form == nil {
		form = make(map[string][]string)
	}
	if csrfToken != "" {
		form.Set("csrf_token", csrfToken)
	}
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, url, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func adminLogin(t *testing.T, client *http.Client, baseURL string) {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/admin/login", api.AdminLoginRequest{Password: adminPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[api.AdminLoginResponse](t, resp)
	require.True(t, got.Authenticated)
}

func csrfToken(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	resp := doJSON(t, client, http.MethodGet, baseURL+"/admin/api/csrf", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tok := decode[api.CSRFResponse](t, resp).Token
	require.NotEmpty(t, tok)
	return tok
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCreatorLookupAndConfirm(t *testing.T) {
	srv, _ := setupServer(t)
	client := newClient(t)

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/creator/lookup", api.PasskeyRequest{Passkey: "  PK-ADA-0001  "})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, findCookie(resp, "portal_creator"), "lookup must not sign in")
	looked := decode[api.CreatorResponse](t, resp)
	assert.Equal(t, "cr_1", looked.CreatorID)
	assert.Equal(t, "Ada Lovelace", looked.CreatorName)
	assert.Empty(t, looked.RedirectTo)

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/creator/confirm", api.PasskeyRequest{Passkey: "PK-ADA-0001"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookie := findCookie(resp, "portal_creator")
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
	assert.False(t, cookie.Secure, "plain http without override")
	assert.LessOrEqual(t, cookie.MaxAge, 3600, "capped by the backend expiry")
	confirmed := decode[api.CreatorResponse](t, resp)
	assert.Equal(t, "/portal", confirmed.RedirectTo)

	resp = doJSON(t, client, http.MethodGet, srv.URL+"/api/session", nil)
	session := decode[api.SessionResponse](t, resp)
	assert.True(t, session.Creator)
	assert.False(t, session.Admin)
	assert.Equal(t, "Ada Lovelace", session.CreatorName)
}

func TestCreatorLookup_EmptyPasskeyNeverReachesBackend(t *testing.T) {
	srv, fake := setupServer(t)
	client := newClient(t)

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/creator/lookup", api.PasskeyRequest{Passkey: " \t "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	f := decode[errmap.Failure](t, resp)
	assert.Equal(t, errmap.BadRequest, f.Code)
	assert.Equal(t, "Please enter your passkey.", f.Message)
	assert.Zero(t, fake.lookupCount())
}

func TestCreatorLookup_RevokedPasskey(t *testing.T) {
	srv, _ := setupServer(t)
	client := newClient(t)

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/creator/lookup", api.PasskeyRequest{Passkey: "PK-OLD-0002"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	f := decode[errmap.Failure](t, resp)
	assert.Equal(t, errmap.InvalidCredentials, f.Code)
	assert.Equal(t, errmap.MessageRevoked, f.Message)
	assert.NotContains(t, f.Message, "ops@agency", "raw backend text must not leak")
}

func TestCreatorLogout(t *testing.T) {
	srv, _ := setupServer(t)
	client := newClient(t)

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/creator/confirm", api.PasskeyRequest{Passkey: "PK-ADA-0001"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/api/creator/logout", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	cleared := findCookie(resp, "portal_creator")
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
	assert.Equal(t, -1, cleared.MaxAge)

	resp = doJSON(t, client, http.MethodGet, srv.URL+"/api/session", nil)
	assert.False(t, decode[api.SessionResponse](t, resp).Creator)
}

func TestLoggedOutTokenIsForgotten(t *testing.T) {
	srv, _ := setupServer(t)
	client := newClient(t)
	adminLogin(t, client, srv.URL)

	u, _ := url.Parse(srv.URL)
	var token string
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == "portal_admin" {
			token = c.Value
		}
	}
	require.NotEmpty(t, token)

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/admin/logout", nil)
	resp.Body.Close()

	// Replaying the old cookie must not count as a session.
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/api/session", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "portal_admin", Value: token})
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.False(t, decode[api.SessionResponse](t, resp).Admin)
}

func TestAdminLogin(t *testing.T) {
	srv, fake := setupServer(t)

	t.Run("wrong password", func(t *testing.T) {
		client := newClient(t)
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/admin/login", api.AdminLoginRequest{Password: "correct horse"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Nil(t, findCookie(resp, "portal_admin"))
		f := decode[errmap.Failure](t, resp)
		assert.Equal(t, "Incorrect password.", f.Message)
	})

	t.Run("password forwarded untrimmed", func(t *testing.T) {
		client := newClient(t)
		adminLogin(t, client, srv.URL)
		fake.mu.Lock()
		last := fake.passwords[len(fake.passwords)-1]
		fake.mu.Unlock()
		assert.Equal(t, adminPassword, last)

		resp := doJSON(t, client, http.MethodGet, srv.URL+"/api/session", nil)
		assert.True(t, decode[api.SessionResponse](t, resp).Admin)
	})

	t.Run("blank password", func(t *testing.T) {
		client := newClient(t)
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/admin/login", api.AdminLoginRequest{Password: "   "})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "Please enter the admin password.", decode[errmap.Failure](t, resp).Message)
	})
}

func TestAdminLogin_BackendFailuresMapped(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   errmap.Code
	}{
		{"unreachable", &backend.TransportError{Op: "admin login", Err: errors.New("connection refused")}, http.StatusServiceUnavailable, errmap.ServiceUnavailable},
		{"bad gateway", &backend.Error{Status: http.StatusBadGateway, Message: "upstream exploded"}, http.StatusServiceUnavailable, errmap.ServiceUnavailable},
		{"rate limited", &backend.Error{Status: http.StatusTooManyRequests}, http.StatusTooManyRequests, errmap.RateLimited},
		{"teapot", &backend.Error{Status: http.StatusTeapot, Message: "stack trace"}, http.StatusInternalServerError, errmap.ServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, fake := setupServer(t)
			fake.mu.Lock()
			fake.loginErr = tt.err
			fake.mu.Unlock()
			resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/admin/login", api.AdminLoginRequest{Password: adminPassword})
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			f := decode[errmap.Failure](t, resp)
			assert.Equal(t, tt.wantCode, f.Code)
			assert.NotContains(t, f.Message, "exploded")
			assert.NotContains(t, f.Message, "stack trace")
		})
	}
}

func TestSignInThrottledAfterRepeatedFailures(t *testing.T) {
	srv, fake := setupServer(t)
	client := newClient(t)

	for i := 0; i < 20; i++ {
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/admin/login", api.AdminLoginRequest{Password: "guess"})
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := doJSON(t, client, http.MethodPost, srv.URL+"/api/creator/lookup", api.PasskeyRequest{Passkey: "PK-ADA-0001"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	f := decode[errmap.Failure](t, resp)
	assert.Equal(t, errmap.RateLimited, f.Code)
	assert.Zero(t, fake.lookupCount(), "throttled attempts never reach the backend")
}

func TestFlashSecretDeliveredOnce(t *testing.T) {
	srv, _ := setupServer(t)
	client := newClient(t)
	adminLogin(t, client, srv.URL)
	tok := csrfToken(t, client, srv.URL)

	resp := doForm(t, client, srv.URL+"/admin/creators/cr_1/passkey", tok, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	loc := resp.Header.Get("Location")
	assert.Equal(t, "/admin/creators/cr_1?passkey=issued", loc)
	assert.NotContains(t, loc, "PK-NEW")
	flashCookie := findCookie(resp, "portal_flash")
	require.NotNil(t, flashCookie)
	assert.Equal(t, "/admin", flashCookie.Path)
	assert.True(t, flashCookie.HttpOnly)
	assert.NotContains(t, flashCookie.Value, "PK-NEW")

	resp = doJSON(t, client, http.MethodGet, srv.URL+"/admin/api/flash-secret", nil)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	got := decode[api.FlashSecretResponse](t, resp)
	require.NotNil(t, got.Passkey)
	assert.Equal(t, "PK-NEW-9999", *got.Passkey)
	assert.Equal(t, "cr_1", *got.CreatorID)
	assert.Equal(t, "Ada Lovelace", *got.CreatorName)

	resp = doJSON(t, client, http.MethodGet, srv.URL+"/admin/api/flash-secret", nil)
	again := decode[api.FlashSecretResponse](t, resp)
	assert.Nil(t, again.Passkey)
	assert.Nil(t, again.CreatorID)
	assert.Nil(t, again.CreatorName)
}

func TestFlashSecretRequiresAdminSession(t *testing.T) {
	srv, _ := setupServer(t)
	client := newClient(t)
	adminLogin(t, client, srv.URL)
	tok := csrfToken(t, client, srv.URL)
	resp := doForm(t, client, srv.URL+"/admin/creators/cr_1/passkey", tok, nil)
	resp.Body.Close()
	flashCookie := findCookie(resp, "portal_flash")
	require.NotNil(t, flashCookie)

	// A browser holding only the flash cookie learns nothing.
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/admin/api/flash-secret", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "portal_flash", Value: flashCookie.Value})
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	cleared := findCookie(resp, "portal_flash")
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)
	stranger := decode[api.FlashSecretResponse](t, resp)
	assert.Nil(t, stranger.Passkey)

	// The admin still receives it.
	resp = doJSON(t, client, http.MethodGet, srv.URL+"/admin/api/flash-secret", nil)
	got := decode[api.FlashSecretResponse](t, resp)
	require.NotNil(t, got.Passkey)
}

func TestFlashSecretConcurrentReaders(t *testing.T) {
	srv, _ := setupServer(t)
	client := newClient(t)
	adminLogin(t, client, srv.URL)
	tok := csrfToken(t, client, srv.URL)
	resp := doForm(t, client, srv.URL+"/admin/creators/cr_1/passkey", tok, nil)
	resp.Body.Close()

	u, err := url.Parse(srv.URL + "/admin/api/flash-secret")
	require.NoError(t, err)
	cookies := client.Jar.Cookies(u)

	const readers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	delivered := 0
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, u.String(), nil)
			if err != nil {
				return
			}
			for _, c := range cookies {
				req.AddCookie(c)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			var got api.FlashSecretResponse
			if json.NewDecoder(resp.Body).Decode(&got) == nil && got.Passkey != nil {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, delivered, "exactly one reader receives the secret")
}

func TestIssuePasskeyFailureRedirectsWithCode(t *testing.T) {
	srv, _ := setupServer(t)
	client := newClient(t)
	adminLogin(t, client, srv.URL)
	tok := csrfToken(t, client, srv.URL)

	resp := doForm(t, client, srv.URL+"/admin/creators/cr_404/passkey", tok, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/admin/creators/cr_404?error=SERVER_ERROR", resp.Header.Get("Location"))
	assert.Nil(t, findCookie(resp, "portal_flash"))
}

func TestIssuePasskeyWithoutSecretRedirectsWithCode(t *testing.T) {
	srv, _ := setupServer(t)
	client := newClient(t)
	adminLogin(t, client, srv.URL)
	tok := csrfToken(t, client, srv.URL)

	resp := doForm(t, client, srv.URL+"/admin/creators/cr_blank/passkey", tok, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/admin/creators/cr_blank?error=SERVER_ERROR", resp.Header.Get("Location"))
	assert.Nil(t, findCookie(resp, "portal_flash"))

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/admin/creators/cr_blank/passkey", map[string]any{})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, errmap.ServerError, decode[errmap.Failure](t, resp).Code)
}

func TestAdminFormsRequireCSRFToken(t *testing.T) {
	srv, fake := setupServer(t)
	client := newClient(t)
	adminLogin(t, client, srv.URL)
	csrfToken(t, client, srv.URL)

	resp := doForm(t, client, srv.URL+"/admin/reminders/send", "", url.Values{"run_id": {"run-1"}})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
	assert.Zero(t, fake.sendCount("run-1"))
}

func TestAdminEndpointsRequireSession(t *testing.T) {
	srv, _ := setupServer(t)
	client := newClient(t)

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/admin/reminders/dry-run", map[string]any{})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, client, http.MethodGet, srv.URL+"/api/admin/reminders/runs", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestReminderWorkflowJSON(t *testing.T) {
	srv, fake := setupServer(t)
	client := newClient(t)
	adminLogin(t, client, srv.URL)

	resp := doJSON(t, client, http.MethodPost, srv.URL+"/admin/reminders/dry-run", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dry := decode[api.ReminderResponse](t, resp)
	assert.Equal(t, reminder.PhaseDryRun, dry.Phase)
	assert.Empty(t, dry.RunID, "dry runs never carry a run id")
	assert.Equal(t, "Dry run: 12 eligible out of 40 evaluated.", dry.Message)

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/admin/reminders/evaluate", api.ReminderRequest{IdempotencyKey: "reminders-1-abcdef01"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	eval := decode[api.ReminderResponse](t, resp)
	assert.Equal(t, "run-1", eval.RunID)
	assert.Equal(t, "run-1", eval.PendingRunID)
	assert.Equal(t, "12 eligible out of 40 evaluated.", eval.Message)
	require.Len(t, eval.Results, 1)
	assert.Equal(t, []string{"reminders-1-abcdef01"}, fake.keys())

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/admin/reminders/send", api.ReminderRequest{RunID: "run-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sent := decode[api.ReminderResponse](t, resp)
	assert.Equal(t, 11, sent.Sent)
	assert.Empty(t, sent.PendingRunID)

	resp = doJSON(t, client, http.MethodPost, srv.URL+"/admin/reminders/send", api.ReminderRequest{RunID: "run-1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	again := decode[api.ReminderResponse](t, resp)
	assert.Equal(t, reminder.ReasonAlreadySent, again.Reason)
	assert.Equal(t, 1, fake.sendCount("run-1"), "second send refused locally")

	resp = doJSON(t, client, http.MethodGet, srv.URL+"/api/admin/reminders/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	runs := decode[api.ReminderRunsResponse](t, resp)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, reminder.StateSent, runs.Runs[0].State)
}

func TestReminderEvaluateFormRedirect(t *testing.T) {
	srv, fake := setupServer(t)
	client := newClient(t)
	adminLogin(t, client, srv.URL)
	tok := csrfToken(t, client, srv.URL)

	resp := doForm(t, client, srv.URL+"/admin/reminders/evaluate", tok, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/admin/reminders", loc.Path)
	out := reminder.ParseOutcome(loc.Query())
	assert.Equal(t, reminder.PhaseEvaluate, out.Phase)
	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, "run-1", loc.Query().Get("pendingRunId"))
	assert.Equal(t, 12, out.Eligible)

	keys := fake.keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "reminders-"), "a key is generated when none is posted")
}

func TestReminderSendFailureKeepsRunPending(t *testing.T) {
	srv, fake := setupServer(t)
	fake.mu.Lock()
	fake.sendErr = &backend.Error{Status: http.StatusServiceUnavailable}
	fake.mu.Unlock()
	client := newClient(t)
	adminLogin(t, client, srv.URL)
	tok := csrfToken(t, client, srv.URL)

	resp := doForm(t, client, srv.URL+"/admin/reminders/send", tok, url.Values{"run_id": {"run-9"}})
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	q := loc.Query()
	assert.Equal(t, "SERVICE_UNAVAILABLE", q.Get("error"))
	assert.Equal(t, "run-9", q.Get("pendingRunId"))
	assert.Empty(t, q.Get("run_id"))
}

func TestReminderSendRejectsBadMaxMessages(t *testing.T) {
	srv, fake := setupServer(t)
	client := newClient(t)
	adminLogin(t, client, srv.URL)
	tok := csrfToken(t, client, srv.URL)

	resp := doForm(t, client, srv.URL+"/admin/reminders/send", tok, url.Values{"run_id": {"run-1"}, "max_messages": {"lots"}})
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "BAD_REQUEST", loc.Query().Get("error"))
	assert.Equal(t, "send", loc.Query().Get("phase"))
	assert.Equal(t, "run-1", loc.Query().Get("pendingRunId"))
	assert.Zero(t, fake.sendCount("run-1"))
}

func TestResendAllowedByPolicy(t *testing.T) {
	srv, fake := setupServer(t, api.WithResendPolicy(reminder.ResendAllow))
	client := newClient(t)
	adminLogin(t, client, srv.URL)

	for i := 0; i < 2; i++ {
		resp := doJSON(t, client, http.MethodPost, srv.URL+"/admin/reminders/send", api.ReminderRequest{RunID: "run-1"})
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, 2, fake.sendCount("run-1"))
}

func TestSecureCookieOverride(t *testing.T) {
	secure := true
	srv, _ := setupServer(t, api.WithCookieSecure(&secure))
	resp := doJSON(t, newClient(t), http.MethodPost, srv.URL+"/api/admin/login", api.AdminLoginRequest{Password: adminPassword})
	resp.Body.Close()
	cookie := findCookie(resp, "portal_admin")
	require.NotNil(t, cookie)
	assert.True(t, cookie.Secure)
	assert.NotEmpty(t, resp.Header.Get("Strict-Transport-Security"))
}

func TestServiceEndpoints(t *testing.T) {
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "shell:"+r.URL.Path)
	})
	srv, _ := setupServer(t, api.WithFallback(fallback))
	client := newClient(t)

	resp := doJSON(t, client, http.MethodGet, srv.URL+"/openapi.yaml", nil)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/admin/api/flash-secret")
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "'nonce-")

	adminLogin(t, client, srv.URL)
	resp = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), `agencyportal_audit_events_total{event="admin_login_success"} 1`)

	resp = doJSON(t, client, http.MethodGet, srv.URL+"/admin/reminders", nil)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "shell:/admin/reminders", string(body))
}
