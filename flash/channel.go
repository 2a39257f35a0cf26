package flash

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jmcleod/agencyportal/storage"
)

const (
	// CookieName is the flash cookie.
	CookieName = "portal_flash"
	// CookiePath scopes the cookie to admin pages.
	CookiePath = "/admin"
	// DefaultTTL is how long an unread envelope survives.
	DefaultTTL = 120 * time.Second
)

// Channel writes and consumes flash envelopes.
//
// Take claims the envelope id in a storage.Repository with PutIfAbsent
// before returning anything, so two readers racing with the same cookie
// (a refresh and a duplicate tab) cannot both see the secret.
type Channel struct {
	sealer *Sealer
	claims storage.Repository
	ttl    time.Duration
	secure func(*http.Request) bool
	now    func() time.Time
}

// Option configures a Channel.
type Option func(*Channel)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithSecure sets the function deciding the cookie's Secure attribute.
func WithSecure(fn func(*http.Request) bool) Option {
	return func(c *Channel) { c.secure = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// NewChannel returns a channel that seals with sealer and records claims
// in claims.
func NewChannel(sealer *Sealer, claims storage.Repository, opts ...Option) *Channel {
	c := &Channel{
		sealer: sealer,
		claims: claims,
		ttl:    DefaultTTL,
		secure: func(r *http.Request) bool { return r.TLS != nil },
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the envelope lifetime.
func (c *Channel) TTL() time.Duration { return c.ttl }

func (c *Channel) cookie(r *http.Request, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     CookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure(r),
		SameSite: http.SameSiteStrictMode,
	}
}

// Write seals env into the flash cookie, replacing any envelope already
// pending for this browser.
func (c *Channel) Write(w http.ResponseWriter, r *http.Request, env Envelope) error {
	if env.CreatorID == "" || env.Passkey == "" {
		return ErrIncompleteEnvelope
	}
	encoded, err := Encode(env)
	if err != nil {
		return err
	}
	_, value, err := c.sealer.Seal(encoded, c.now().Add(c.ttl))
	if err != nil {
		return fmt.Errorf("sealing flash envelope: %w", err)
	}
	http.SetCookie(w, c.cookie(r, value, int(c.ttl/time.Second)))
	return nil
}

// Clear expires the flash cookie.
func (c *Channel) Clear(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, c.cookie(r, "", -1))
}

// Take consumes the envelope carried by r. The cookie is cleared in every
// case. It reports false when there is no cookie, the value does not
// authenticate, it has expired, or another reader already claimed it.
func (c *Channel) Take(w http.ResponseWriter, r *http.Request) (Envelope, bool, error) {
	c.Clear(w, r)
	ck, err := r.Cookie(CookieName)
	if err != nil || ck.Value == "" {
		return Envelope{}, false, nil
	}

	id, encoded, expiresAt, err := c.sealer.Open(ck.Value)
	if err != nil {
		return Envelope{}, false, nil
	}
	now := c.now()
	if !now.Before(expiresAt) {
		return Envelope{}, false, nil
	}
	env, ok := Decode(encoded)
	if !ok {
		return Envelope{}, false, nil
	}

	claim := []byte(strconv.FormatInt(expiresAt.Unix(), 10))
	if err := c.claims.PutIfAbsent(storage.BucketFlashClaims, id, claim); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return Envelope{}, false, nil
		}
		return Envelope{}, false, fmt.Errorf("claiming flash envelope: %w", err)
	}
	return env, true, nil
}

// Sweep removes claims whose envelopes have expired; a replay of those
// cookies is already rejected by the expiry check.
func (c *Channel) Sweep() (int, error) {
	keys, err := c.claims.List(storage.BucketFlashClaims)
	if err != nil {
		return 0, fmt.Errorf("listing flash claims: %w", err)
	}
	now := c.now().Unix()
	removed := 0
	for _, k := range keys {
		v, err := c.claims.Get(storage.BucketFlashClaims, k)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		exp, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil || exp <= now {
			if err := c.claims.Delete(storage.BucketFlashClaims, k); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
