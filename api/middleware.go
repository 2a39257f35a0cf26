package api

import (
	"context"
	"net/http"

	"github.com/jmcleod/agencyportal/errmap"
)

type contextKey int

const adminSessionKey contextKey = iota

// adminLoginPath is where form posts without a session are sent.
const adminLoginPath = "/admin/login"

// authSession is a registry entry together with the bearer token it was
// found under. The token is forwarded to the backend and never logged.
type authSession struct {
	Session
	Token string
}

// sessionFromCookie resolves the session cookie name to a live registry
// entry of the given kind.
func (a *API) sessionFromCookie(r *http.Request, name string, kind SessionKind) (authSession, bool) {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return authSession{}, false
	}
	s, ok := a.sessions.Get(sessionKey(cookie.Value))
	if !ok || s.Kind != kind {
		return authSession{}, false
	}
	return authSession{Session: s, Token: cookie.Value}, true
}

// RequireAdmin rejects requests without a valid admin session. JSON
// callers get a 401 envelope; form posts are redirected to the sign-in
// page.
func (a *API) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, ok := a.sessionFromCookie(r, adminCookieName, SessionAdmin)
		if !ok {
			if wantsJSON(r) || isJSON(r) {
				writeFailure(w, errmap.New(errmap.Generic, errmap.InvalidCredentials))
				return
			}
			http.Redirect(w, r, adminLoginPath, http.StatusSeeOther)
			return
		}
		ctx := context.WithValue(r.Context(), adminSessionKey, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func adminFromContext(ctx context.Context) (authSession, bool) {
	s, ok := ctx.Value(adminSessionKey).(authSession)
	return s, ok
}
