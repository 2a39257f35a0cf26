package api

import (
	"net/http"

	"github.com/gorilla/csrf"

	"github.com/jmcleod/agencyportal/errmap"
)

const (
	csrfCookieName = "portal_csrf"
	csrfHeaderName = "X-CSRF-Token"
	csrfFieldName  = "csrf_token"
	csrfCookiePath = "/admin"
)

const msgCSRFRejected = "This form has expired. Please reload the page and try again."

// CSRFMiddleware protects the admin form posts with gorilla/csrf. JSON
// requests are exempt: a cross-site page cannot send them without a CORS
// preflight, and the session cookies are SameSite=Strict.
//
// Two protectors are kept because the token cookie's Secure flag is fixed
// per protector while the portal decides it per request.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	errorHandler := csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.logger.Warn("csrf check failed", "path", r.URL.Path, "reason", csrf.FailureReason(r))
		writeJSON(w, http.StatusForbidden, &errmap.Failure{
			Status:  http.StatusForbidden,
			Code:    errmap.BadRequest,
			Message: msgCSRFRejected,
		})
	}))
	protect := func(secure bool) http.Handler {
		return csrf.Protect(a.csrfKey,
			csrf.Secure(secure),
			csrf.Path(csrfCookiePath),
			csrf.CookieName(csrfCookieName),
			csrf.RequestHeader(csrfHeaderName),
			csrf.FieldName(csrfFieldName),
			csrf.SameSite(csrf.SameSiteStrictMode),
			csrf.HttpOnly(true),
			errorHandler,
		)(next)
	}
	secureProtect := protect(true)
	plainProtect := protect(false)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isJSON(r) {
			next.ServeHTTP(w, r)
			return
		}
		if a.cookies.secure(r) {
			secureProtect.ServeHTTP(w, r)
			return
		}
		plainProtect.ServeHTTP(w, csrf.PlaintextHTTPRequest(r))
	})
}

// CSRFToken handles GET /admin/api/csrf. The token goes into the
// X-CSRF-Token header or the csrf_token form field of the next post.
func (a *API) CSRFToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, CSRFResponse{Token: csrf.Token(r)})
}
