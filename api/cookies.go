package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	adminCookieName   = "portal_admin"
	creatorCookieName = "portal_creator"
	sessionCookiePath = "/"

	defaultAdminTTL   = 8 * time.Hour
	defaultCreatorTTL = 2 * time.Hour
)

// cookieAttrs are the attributes shared by every cookie the portal sets.
// HttpOnly and SameSite=Strict are fixed.
type cookieAttrs struct {
	HttpOnly bool
	Secure   bool
	SameSite http.SameSite
	MaxAge   int
	Path     string
}

// cookieCodec resolves cookie attributes for a request.
type cookieCodec struct {
	// secureOverride, when set, wins over anything the request says.
	secureOverride *bool
}

// ParseSecureOverride interprets the configured cookie secure override.
// Values strconv.ParseBool does not understand are ignored, as is the
// empty string.
func ParseSecureOverride(s string) *bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil
	}
	return &v
}

// secure decides the Secure attribute: the configured override first,
// then the forwarded protocol, then the request's own scheme.
func (c cookieCodec) secure(r *http.Request) bool {
	if c.secureOverride != nil {
		return *c.secureOverride
	}
	if proto, ok := forwardedProto(r); ok {
		return proto == "https"
	}
	return r.TLS != nil
}

// forwardedProto returns the protocol reported by a proxy, preferring
// X-Forwarded-Proto over the RFC 7239 Forwarded header. Only the first
// (client-most) hop is considered.
func forwardedProto(r *http.Request) (string, bool) {
	if xfp := r.Header.Get("X-Forwarded-Proto"); xfp != "" {
		first, _, _ := strings.Cut(xfp, ",")
		if p := strings.ToLower(strings.TrimSpace(first)); p != "" {
			return p, true
		}
	}
	if fwd := r.Header.Get("Forwarded"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		for _, param := range strings.Split(first, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
			if ok && strings.EqualFold(k, "proto") {
				return strings.ToLower(strings.Trim(v, "\"")), true
			}
		}
	}
	return "", false
}

// attributes computes the attributes for a cookie living maxAge seconds
// under path. maxAge 0 means "invalidate now". It has no side effects.
func (c cookieCodec) attributes(r *http.Request, maxAge int, path string) cookieAttrs {
	return cookieAttrs{
		HttpOnly: true,
		Secure:   c.secure(r),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   maxAge,
		Path:     path,
	}
}

// setCookie writes name with attrs. A zero MaxAge clears the cookie,
// which net/http spells MaxAge -1 (Max-Age=0 on the wire).
func setCookie(w http.ResponseWriter, name, value string, attrs cookieAttrs) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     attrs.Path,
		MaxAge:   attrs.MaxAge,
		HttpOnly: attrs.HttpOnly,
		Secure:   attrs.Secure,
		SameSite: attrs.SameSite,
	}
	if attrs.MaxAge <= 0 {
		c.Value = ""
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
	}
	http.SetCookie(w, c)
}

// sessionMaxAge caps ttl by the backend's expiry, if it sent one.
func sessionMaxAge(ttl time.Duration, expiresAt, now time.Time) int {
	if !expiresAt.IsZero() {
		if until := expiresAt.Sub(now); until < ttl {
			ttl = until
		}
	}
	secs := int(ttl / time.Second)
	if secs < 1 {
		secs = 0
	}
	return secs
}

func (a *API) writeSessionCookie(w http.ResponseWriter, r *http.Request, name, token string, maxAge int) {
	setCookie(w, name, token, a.cookies.attributes(r, maxAge, sessionCookiePath))
}

func (a *API) clearSessionCookie(w http.ResponseWriter, r *http.Request, name string) {
	setCookie(w, name, "", a.cookies.attributes(r, 0, sessionCookiePath))
}
