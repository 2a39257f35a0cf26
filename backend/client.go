// Package backend is the HTTP client for the portal's backend service,
// the source of truth for credentials, rate limits and reminder runs.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/agencyportal/reminder"
)

const (
	defaultTimeout = 15 * time.Second
	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// Creator identifies a creator resolved from a passkey.
type Creator struct {
	ID   string `json:"creator_id"`
	Name string `json:"creator_name"`
}

// CreatorSession is returned by a successful passkey confirmation.
type CreatorSession struct {
	Creator
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AdminSession is returned by a successful admin login.
type AdminSession struct {
	Authenticated bool      `json:"authenticated"`
	SessionToken  string    `json:"session_token"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// IssuedPasskey is a freshly minted creator passkey.
type IssuedPasskey struct {
	CreatorID   string `json:"creator_id"`
	CreatorName string `json:"creator_name"`
	Passkey     string `json:"passkey"`
}

// Client talks JSON to the backend.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// New returns a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend URL %q must be http or https", baseURL)
	}
	c := &Client{baseURL: u, http: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LookupCreator resolves a passkey to the creator it belongs to without
// establishing a session.
func (c *Client) LookupCreator(ctx context.Context, passkey string) (Creator, error) {
	var out Creator
	err := c.do(ctx, "creator lookup", http.MethodPost, "/v1/creators/lookup", "", nil,
		map[string]string{"passkey": passkey}, &out)
	return out, err
}

// ConfirmCreator exchanges a passkey for a creator session.
func (c *Client) ConfirmCreator(ctx context.Context, passkey string) (CreatorSession, error) {
	var out CreatorSession
	err := c.do(ctx, "creator confirm", http.MethodPost, "/v1/creators/confirm", "", nil,
		map[string]string{"passkey": passkey}, &out)
	if err == nil && out.SessionToken == "" {
		err = errors.New("backend creator confirm: response without session token")
	}
	return out, err
}

// AdminLogin exchanges the admin password for an admin session.
func (c *Client) AdminLogin(ctx context.Context, password string) (AdminSession, error) {
	var out AdminSession
	err := c.do(ctx, "admin login", http.MethodPost, "/v1/admin/login", "", nil,
		map[string]string{"password": password}, &out)
	if err == nil && (!out.Authenticated || out.SessionToken == "") {
		err = &Error{Status: http.StatusUnauthorized, Message: "not authenticated"}
	}
	return out, err
}

// IssuePasskey mints a new passkey for creatorID.
func (c *Client) IssuePasskey(ctx context.Context, token, creatorID string) (IssuedPasskey, error) {
	var out IssuedPasskey
	p := "/v1/admin/creators/" + url.PathEscape(creatorID) + "/passkey"
	err := c.do(ctx, "issue passkey", http.MethodPost, p, token, nil, struct{}{}, &out)
	if err == nil && out.Passkey == "" {
		err = errors.New("backend issue passkey: response without passkey")
	}
	if err == nil && out.CreatorID == "" {
		out.CreatorID = creatorID
	}
	return out, err
}

// DryRunReminders asks the backend to simulate a reminder cycle.
func (c *Client) DryRunReminders(ctx context.Context, token string) (reminder.Run, error) {
	var out reminder.Run
	err := c.do(ctx, "reminder dry run", http.MethodPost, "/v1/reminders/dry-run", token, nil,
		map[string]bool{"dry_run": true}, &out)
	return out, err
}

// EvaluateReminders records a candidate run keyed by idempotencyKey.
func (c *Client) EvaluateReminders(ctx context.Context, token, idempotencyKey string) (reminder.Run, error) {
	var out reminder.Run
	h := http.Header{"Idempotency-Key": {idempotencyKey}}
	err := c.do(ctx, "reminder evaluate", http.MethodPost, "/v1/reminders/evaluate", token, h,
		map[string]string{"idempotency_key": idempotencyKey}, &out)
	return out, err
}

type sendRequest struct {
	MaxMessages int `json:"max_messages,omitempty"`
}

// SendReminders delivers the run identified by runID. maxMessages <= 0
// leaves the cap to the backend.
func (c *Client) SendReminders(ctx context.Context, token, runID string, maxMessages int) (reminder.Run, error) {
	var out reminder.Run
	p := "/v1/reminders/runs/" + url.PathEscape(runID) + "/send"
	h := http.Header{"Idempotency-Key": {reminder.SendIdempotencyKey(runID)}}
	req := sendRequest{}
	if maxMessages > 0 {
		req.MaxMessages = maxMessages
	}
	err := c.do(ctx, "reminder send", http.MethodPost, p, token, h, req, &out)
	return out, err
}

type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// do performs one JSON round trip. escapedPath must already be escaped.
func (c *Client) do(ctx context.Context, op, method, escapedPath, token string, header http.Header, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op, err)
	}

	u := *c.baseURL
	u.RawPath = c.baseURL.EscapedPath() + escapedPath
	u.Path, err = url.PathUnescape(u.RawPath)
	if err != nil {
		return fmt.Errorf("building %s URL: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		be := &Error{Status: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(data, &env) == nil {
			be.Message = env.Error
			if be.Message == "" {
				be.Message = env.Message
			}
			be.Code = env.Code
		}
		if be.Message == "" {
			be.Message = http.StatusText(resp.StatusCode)
		}
		return be
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}
