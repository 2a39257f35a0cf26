package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/jmcleod/agencyportal/errmap"
)

const maxBodySize = 16 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeFailure writes the {error, code} envelope with the failure's status.
func writeFailure(w http.ResponseWriter, f *errmap.Failure) {
	if f.Code == errmap.RateLimited && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, f.Status, f)
}

// fail maps err in ctx, writes it and returns the failure. When the client
// has already gone away nothing is written and fail returns nil.
func (a *API) fail(w http.ResponseWriter, r *http.Request, ctx errmap.Context, err error) *errmap.Failure {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return nil
	}
	f := errmap.FromError(ctx, err)
	if f.Code == errmap.ServerError {
		a.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("context", ctx.String()),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeFailure(w, f)
	return f
}

// decodeJSON reads a bounded JSON body into a T. On failure it writes a
// BAD_REQUEST for ctx and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, ctx errmap.Context) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&v); err != nil && !errors.Is(err, io.EOF) {
		writeFailure(w, errmap.New(ctx, errmap.BadRequest))
		return v, false
	}
	return v, true
}

// isJSON reports whether the request body is JSON.
func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// wantsJSON reports whether the caller asked for a JSON response rather
// than a redirect.
func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
