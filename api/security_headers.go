package api

import (
	"context"
	"net/http"

	"github.com/jmcleod/agencyportal/internal/util"
)

type nonceKey struct{}

// SecurityHeaders is middleware that sets standard security response headers
// on every response. It should be placed early in the middleware chain.
func (a *API) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		styleSrc := "style-src 'self'"
		if nonce, err := util.RandomHex(16); err == nil {
			styleSrc += " 'nonce-" + nonce + "'"
			r = r.WithContext(context.WithValue(r.Context(), nonceKey{}, nonce))
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; script-src 'self'; "+styleSrc+"; img-src 'self' data:; connect-src 'self'; form-action 'self'")

		if a.cookies.secure(r) {
			w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// CSPNonce returns the style nonce SecurityHeaders generated for r, or "".
func CSPNonce(r *http.Request) string {
	nonce, _ := r.Context().Value(nonceKey{}).(string)
	return nonce
}
