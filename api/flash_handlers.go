package api

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/agencyportal/errmap"
	"github.com/jmcleod/agencyportal/flash"
)

// creatorPagePath is the admin page for one creator.
func creatorPagePath(creatorID string) string {
	return "/admin/creators/" + url.PathEscape(creatorID)
}

// IssuePasskey handles POST /admin/creators/{creatorID}/passkey. The new
// passkey travels to the next page only inside the flash cookie; the
// redirect itself never carries it.
func (a *API) IssuePasskey(w http.ResponseWriter, r *http.Request) {
	admin, _ := adminFromContext(r.Context())
	creatorID := chi.URLParam(r, "creatorID")
	if creatorID == "" {
		writeFailure(w, errmap.New(errmap.PasskeyIssue, errmap.BadRequest))
		return
	}
	target := creatorPagePath(creatorID)

	issued, err := a.backend.IssuePasskey(r.Context(), admin.Token, creatorID)
	if err != nil {
		f := errmap.FromError(errmap.PasskeyIssue, err)
		a.audit.logFailure(AuditPasskeyIssueFailure, r, string(f.Code),
			slog.String("creator_id", creatorID))
		if wantsJSON(r) {
			a.fail(w, r, errmap.PasskeyIssue, err)
			return
		}
		http.Redirect(w, r, target+"?error="+url.QueryEscape(string(f.Code)), http.StatusSeeOther)
		return
	}

	env := flash.Envelope{
		CreatorID:   issued.CreatorID,
		CreatorName: issued.CreatorName,
		Passkey:     issued.Passkey,
	}
	if env.CreatorID == "" {
		env.CreatorID = creatorID
	}
	if err := a.flash.Write(w, r, env); err != nil {
		a.logger.Error("writing flash secret", "creator_id", creatorID, "error", err)
		a.audit.logFailure(AuditPasskeyIssueFailure, r, string(errmap.ServerError),
			slog.String("creator_id", creatorID))
		if wantsJSON(r) {
			writeFailure(w, errmap.New(errmap.PasskeyIssue, errmap.ServerError))
			return
		}
		http.Redirect(w, r, target+"?error="+url.QueryEscape(string(errmap.ServerError)), http.StatusSeeOther)
		return
	}
	a.audit.logEvent(AuditPasskeyIssued, r, creatorID)

	target += "?passkey=issued"
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, PasskeyIssuedResponse{Issued: true, RedirectTo: target})
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// FlashSecret handles GET /admin/api/flash-secret. The cookie is cleared on
// every call. The secret is only revealed to a valid admin session and
// only once.
func (a *API) FlashSecret(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if _, ok := a.sessionFromCookie(r, adminCookieName, SessionAdmin); !ok {
		if _, err := r.Cookie(flash.CookieName); err == nil {
			a.audit.logFailure(AuditFlashRejected, r, "no admin session")
		}
		a.flash.Clear(w, r)
		writeJSON(w, http.StatusOK, FlashSecretResponse{})
		return
	}

	env, ok, err := a.flash.Take(w, r)
	if err != nil {
		a.logger.Error("claiming flash secret", "error", err)
		writeFailure(w, errmap.New(errmap.Generic, errmap.ServerError))
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, FlashSecretResponse{})
		return
	}
	a.audit.logEvent(AuditFlashConsumed, r, env.CreatorID)
	writeJSON(w, http.StatusOK, FlashSecretResponse{
		CreatorID:   &env.CreatorID,
		CreatorName: &env.CreatorName,
		Passkey:     &env.Passkey,
	})
}
