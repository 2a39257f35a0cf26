// Package client talks to a running portal the way the browser does: it
// holds the session cookies in a cookie jar and sends JSON to the
// portal's own endpoints. It satisfies the authflow authenticator
// interfaces, so the sign-in flows can be driven from a terminal.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/agencyportal/api"
	"github.com/jmcleod/agencyportal/authflow"
	"github.com/jmcleod/agencyportal/errmap"
	"github.com/jmcleod/agencyportal/flash"
	"github.com/jmcleod/agencyportal/reminder"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
)

// Client is a cookie-holding session against one portal.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithInsecureTLS skips certificate verification. Only meant for a
// portal running on its self-signed development certificate.
func WithInsecureTLS() Option {
	return func(c *Client) {
		c.http.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12},
		}
	}
}

// New returns a Client for the portal at baseURL with an empty cookie jar.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing portal URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("portal URL %q must be http or https", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	c := &Client{
		baseURL: u,
		http: &http.Client{
			Jar:     jar,
			Timeout: defaultTimeout,
			// Form-style redirects are never followed; every call here
			// asks for JSON.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Cookies returns the cookies the jar would send to path.
func (c *Client) Cookies(path string) []*http.Cookie {
	u := *c.baseURL
	u.Path = path
	return c.http.Jar.Cookies(&u)
}

// LookupCreator implements authflow.CreatorAuthenticator.
func (c *Client) LookupCreator(ctx context.Context, passkey string) (authflow.Identity, error) {
	var out api.CreatorResponse
	if err := c.do(ctx, errmap.CreatorLookup, http.MethodPost, "/api/creator/lookup", api.PasskeyRequest{Passkey: passkey}, &out); err != nil {
		return authflow.Identity{}, err
	}
	return authflow.Identity{ID: out.CreatorID, Name: out.CreatorName}, nil
}

// ConfirmCreator implements authflow.CreatorAuthenticator. On success the
// jar holds the creator session cookie.
func (c *Client) ConfirmCreator(ctx context.Context, passkey string) (authflow.Identity, error) {
	var out api.CreatorResponse
	if err := c.do(ctx, errmap.CreatorConfirm, http.MethodPost, "/api/creator/confirm", api.PasskeyRequest{Passkey: passkey}, &out); err != nil {
		return authflow.Identity{}, err
	}
	return authflow.Identity{ID: out.CreatorID, Name: out.CreatorName}, nil
}

// AdminLogin implements authflow.AdminAuthenticator.
func (c *Client) AdminLogin(ctx context.Context, password string) error {
	var out api.AdminLoginResponse
	if err := c.do(ctx, errmap.AdminLogin, http.MethodPost, "/api/admin/login", api.AdminLoginRequest{Password: password}, &out); err != nil {
		return err
	}
	if !out.Authenticated {
		return errmap.New(errmap.AdminLogin, errmap.InvalidCredentials)
	}
	return nil
}

// CreatorLogout ends the creator session.
func (c *Client) CreatorLogout(ctx context.Context) error {
	return c.do(ctx, errmap.Generic, http.MethodPost, "/api/creator/logout", nil, nil)
}

// AdminLogout ends the admin session.
func (c *Client) AdminLogout(ctx context.Context) error {
	return c.do(ctx, errmap.Generic, http.MethodPost, "/api/admin/logout", nil, nil)
}

// Session reports which sessions the jar currently holds.
func (c *Client) Session(ctx context.Context) (api.SessionResponse, error) {
	var out api.SessionResponse
	err := c.do(ctx, errmap.Generic, http.MethodGet, "/api/session", nil, &out)
	return out, err
}

// IssuePasskey mints a new passkey for creatorID. The passkey itself only
// arrives through FlashSecret.
func (c *Client) IssuePasskey(ctx context.Context, creatorID string) (api.PasskeyIssuedResponse, error) {
	var out api.PasskeyIssuedResponse
	p := "/admin/creators/" + url.PathEscape(creatorID) + "/passkey"
	err := c.do(ctx, errmap.PasskeyIssue, http.MethodPost, p, struct{}{}, &out)
	return out, err
}

// FlashSecret consumes the pending flash secret. It reports false when
// there is none, or when it was already read.
func (c *Client) FlashSecret(ctx context.Context) (flash.Envelope, bool, error) {
	var out api.FlashSecretResponse
	if err := c.do(ctx, errmap.Generic, http.MethodGet, "/admin/api/flash-secret", nil, &out); err != nil {
		return flash.Envelope{}, false, err
	}
	if out.Passkey == nil {
		return flash.Envelope{}, false, nil
	}
	env := flash.Envelope{Passkey: *out.Passkey}
	if out.CreatorID != nil {
		env.CreatorID = *out.CreatorID
	}
	if out.CreatorName != nil {
		env.CreatorName = *out.CreatorName
	}
	return env, true, nil
}

// DryRun previews a reminder cycle.
func (c *Client) DryRun(ctx context.Context) (api.ReminderResponse, error) {
	return c.reminder(ctx, "/admin/reminders/dry-run", api.ReminderRequest{})
}

// Evaluate records a candidate run. An empty key lets the portal pick one.
func (c *Client) Evaluate(ctx context.Context, idempotencyKey string) (api.ReminderResponse, error) {
	return c.reminder(ctx, "/admin/reminders/evaluate", api.ReminderRequest{IdempotencyKey: idempotencyKey})
}

// Send delivers runID. maxMessages <= 0 means no cap.
func (c *Client) Send(ctx context.Context, runID string, maxMessages int) (api.ReminderResponse, error) {
	req := api.ReminderRequest{RunID: runID}
	if maxMessages > 0 {
		req.MaxMessages = &maxMessages
	}
	return c.reminder(ctx, "/admin/reminders/send", req)
}

// Runs lists the reminder runs the portal has recorded.
func (c *Client) Runs(ctx context.Context) ([]reminder.Entry, error) {
	var out api.ReminderRunsResponse
	err := c.do(ctx, errmap.Reminders, http.MethodGet, "/api/admin/reminders/runs", nil, &out)
	return out.Runs, err
}

// reminder posts one phase. Failures still carry the outcome, so callers
// can show the banner and any run id left pending.
func (c *Client) reminder(ctx context.Context, path string, in api.ReminderRequest) (api.ReminderResponse, error) {
	var out api.ReminderResponse
	err := c.do(ctx, errmap.Reminders, http.MethodPost, path, in, &out)
	return out, err
}

// failureBody covers both failure shapes the portal writes: the
// {error, code} envelope and a reminder outcome whose error field is the
// code itself.
type failureBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

func (b failureBody) failure(status int, ctx errmap.Context) *errmap.Failure {
	var f *errmap.Failure
	switch {
	case b.Phase != "" && b.Error != "":
		code := errmap.ParseCode(b.Error)
		f = &errmap.Failure{Status: status, Code: code, Message: b.Message}
	case b.Code != "":
		f = &errmap.Failure{Status: status, Code: errmap.ParseCode(b.Code), Message: b.Error}
	default:
		f = errmap.Map(ctx, status, "")
		f.Status = status
	}
	if f.Message == "" {
		f.Message = errmap.New(ctx, f.Code).Message
	}
	return f
}

// do performs one JSON round trip against the portal. Non-2xx answers
// become *errmap.Failure; when out is non-nil the body is decoded into it
// in either case. Transport failures become SERVICE_UNAVAILABLE, except
// cancellation, which is returned as is.
func (c *Client) do(ctx context.Context, ectx errmap.Context, method, escapedPath string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := *c.baseURL
	u.RawPath = c.baseURL.EscapedPath() + escapedPath
	var err error
	u.Path, err = url.PathUnescape(u.RawPath)
	if err != nil {
		return fmt.Errorf("building URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		return errmap.Transport(ectx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errmap.Transport(ectx, err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode <= 299
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil && ok {
			return fmt.Errorf("decoding %s %s response: %w", method, escapedPath, err)
		}
	}
	if ok {
		return nil
	}
	var fb failureBody
	_ = json.Unmarshal(data, &fb)
	return fb.failure(resp.StatusCode, ectx)
}
