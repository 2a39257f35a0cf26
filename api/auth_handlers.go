package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/agencyportal/authflow"
	"github.com/jmcleod/agencyportal/errmap"
	"github.com/jmcleod/agencyportal/internal/util"
)

// throttle refuses sign-in attempts from a client IP that is locked out
// after repeated invalid credentials.
func (a *API) throttle(w http.ResponseWriter, r *http.Request, ctx errmap.Context) (string, bool) {
	ip := a.clientIP(r)
	if blocked, retryAfter := a.limiter.check(ip); blocked {
		a.audit.logFailure(AuditSignInRateLimited, r, string(errmap.RateLimited),
			slog.String("client_ip", ip),
			slog.String("context", ctx.String()))
		w.Header().Set("Retry-After", retryAfterString(retryAfter))
		writeFailure(w, errmap.New(ctx, errmap.RateLimited))
		return ip, false
	}
	return ip, true
}

// settleAttempt feeds a sign-in result to the limiter. Only rejected
// credentials count against the client.
func (a *API) settleAttempt(ip string, f *errmap.Failure) {
	switch {
	case f == nil:
		a.limiter.recordSuccess(ip)
	case f.Code == errmap.InvalidCredentials:
		a.limiter.recordFailure(ip)
	}
}

// CreatorLookup handles POST /api/creator/lookup.
func (a *API) CreatorLookup(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PasskeyRequest](w, r, errmap.CreatorLookup)
	if !ok {
		return
	}
	passkey := util.NormalizeSecret(req.Passkey)
	if passkey == "" {
		writeFailure(w, errmap.New(errmap.CreatorLookup, errmap.BadRequest))
		return
	}
	ip, ok := a.throttle(w, r, errmap.CreatorLookup)
	if !ok {
		return
	}

	creator, err := a.backend.LookupCreator(r.Context(), passkey)
	if err != nil {
		if f := a.fail(w, r, errmap.CreatorLookup, err); f != nil {
			a.settleAttempt(ip, f)
			a.audit.logFailure(AuditCreatorLookupFailure, r, string(f.Code))
		}
		return
	}
	a.audit.logEvent(AuditCreatorLookup, r, creator.ID)
	writeJSON(w, http.StatusOK, CreatorResponse{
		CreatorID:   creator.ID,
		CreatorName: creator.Name,
	})
}

// CreatorConfirm handles POST /api/creator/confirm. The passkey is sent
// again; a success starts the creator session.
func (a *API) CreatorConfirm(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PasskeyRequest](w, r, errmap.CreatorConfirm)
	if !ok {
		return
	}
	passkey := util.NormalizeSecret(req.Passkey)
	if passkey == "" {
		writeFailure(w, errmap.New(errmap.CreatorConfirm, errmap.BadRequest))
		return
	}
	ip, ok := a.throttle(w, r, errmap.CreatorConfirm)
	if !ok {
		return
	}

	sess, err := a.backend.ConfirmCreator(r.Context(), passkey)
	if err != nil {
		if f := a.fail(w, r, errmap.CreatorConfirm, err); f != nil {
			a.settleAttempt(ip, f)
			a.audit.logFailure(AuditCreatorLoginFailure, r, string(f.Code))
		}
		return
	}
	a.settleAttempt(ip, nil)

	now := a.now()
	maxAge := sessionMaxAge(a.creatorTTL, sess.ExpiresAt, now)
	if maxAge == 0 {
		a.logger.Error("backend issued an already expired creator session", "creator_id", sess.ID)
		writeFailure(w, errmap.New(errmap.CreatorConfirm, errmap.ServerError))
		return
	}
	a.endSession(r, creatorCookieName)
	a.sessions.Put(sessionKey(sess.SessionToken), Session{
		Kind:      SessionCreator,
		Subject:   sess.ID,
		Name:      sess.Name,
		ExpiresAt: now.Add(time.Duration(maxAge) * time.Second),
	})
	a.writeSessionCookie(w, r, creatorCookieName, sess.SessionToken, maxAge)

	a.audit.logEvent(AuditCreatorLoginSuccess, r, sess.ID)
	writeJSON(w, http.StatusOK, CreatorResponse{
		CreatorID:   sess.ID,
		CreatorName: sess.Name,
		RedirectTo:  authflow.DefaultPortalPath,
	})
}

// AdminLogin handles POST /api/admin/login. The password is forwarded
// exactly as typed.
func (a *API) AdminLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[AdminLoginRequest](w, r, errmap.AdminLogin)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Password) == "" {
		writeFailure(w, errmap.New(errmap.AdminLogin, errmap.BadRequest))
		return
	}
	ip, ok := a.throttle(w, r, errmap.AdminLogin)
	if !ok {
		return
	}

	sess, err := a.backend.AdminLogin(r.Context(), req.Password)
	if err != nil {
		if f := a.fail(w, r, errmap.AdminLogin, err); f != nil {
			a.settleAttempt(ip, f)
			a.audit.logFailure(AuditAdminLoginFailure, r, string(f.Code))
		}
		return
	}
	a.settleAttempt(ip, nil)

	now := a.now()
	maxAge := sessionMaxAge(a.adminTTL, sess.ExpiresAt, now)
	if maxAge == 0 {
		a.logger.Error("backend issued an already expired admin session")
		writeFailure(w, errmap.New(errmap.AdminLogin, errmap.ServerError))
		return
	}
	a.endSession(r, adminCookieName)
	a.sessions.Put(sessionKey(sess.SessionToken), Session{
		Kind:      SessionAdmin,
		Subject:   "admin",
		ExpiresAt: now.Add(time.Duration(maxAge) * time.Second),
	})
	a.writeSessionCookie(w, r, adminCookieName, sess.SessionToken, maxAge)

	a.audit.logEvent(AuditAdminLoginSuccess, r, "admin")
	writeJSON(w, http.StatusOK, AdminLoginResponse{
		Authenticated: true,
		RedirectTo:    authflow.DefaultDashboardPath,
	})
}

// CreatorLogout handles POST /api/creator/logout.
func (a *API) CreatorLogout(w http.ResponseWriter, r *http.Request) {
	if s, ok := a.sessionFromCookie(r, creatorCookieName, SessionCreator); ok {
		a.audit.logEvent(AuditCreatorLogout, r, s.Subject)
	}
	a.endSession(r, creatorCookieName)
	a.clearSessionCookie(w, r, creatorCookieName)
	w.WriteHeader(http.StatusNoContent)
}

// AdminLogout handles POST /api/admin/logout. A pending flash secret is
// discarded along with the session.
func (a *API) AdminLogout(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.sessionFromCookie(r, adminCookieName, SessionAdmin); ok {
		a.audit.logEvent(AuditAdminLogout, r, "admin")
	}
	a.endSession(r, adminCookieName)
	a.clearSessionCookie(w, r, adminCookieName)
	a.flash.Clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// endSession forgets the registry entry behind the named cookie, if any.
func (a *API) endSession(r *http.Request, name string) {
	if cookie, err := r.Cookie(name); err == nil && cookie.Value != "" {
		a.sessions.Delete(sessionKey(cookie.Value))
	}
}

// SessionStatus handles GET /api/session.
func (a *API) SessionStatus(w http.ResponseWriter, r *http.Request) {
	var resp SessionResponse
	if _, ok := a.sessionFromCookie(r, adminCookieName, SessionAdmin); ok {
		resp.Admin = true
	}
	if s, ok := a.sessionFromCookie(r, creatorCookieName, SessionCreator); ok {
		resp.Creator = true
		resp.CreatorID = s.Subject
		resp.CreatorName = s.Name
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}
