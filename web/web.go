// Package web serves the portal's embedded browser shell.
package web

import (
	"embed"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed dist
var content embed.FS

// NonceFunc returns the per-request CSP nonce, or "" when there is none.
type NonceFunc func(r *http.Request) string

// Handler serves the shell for the portal's page routes and the files
// under dist/assets. Any GET that matches no file gets index.html so the
// creator and admin pages can be deep-linked.
//
// When nonceFunc yields a nonce, it is published to page scripts as
// <meta name="csp-nonce"> just before </head>.
func Handler(nonceFunc NonceFunc) (http.Handler, error) {
	fsys, err := fs.Sub(content, "dist")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}
	index, err := fs.ReadFile(fsys, "index.html")
	if err != nil {
		return nil, fmt.Errorf("reading embedded index.html: %w", err)
	}
	assets := http.FileServer(http.FS(fsys))

	serveIndex := func(w http.ResponseWriter, r *http.Request) {
		body := index
		if nonceFunc != nil {
			if nonce := nonceFunc(r); nonce != "" {
				tag := `<meta name="csp-nonce" content="` + html.EscapeString(nonce) + `">`
				body = []byte(strings.Replace(string(index), "</head>", tag+"\n  </head>", 1))
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		// The page carries a per-request nonce.
		w.Header().Set("Cache-Control", "no-store")
		if r.Method == http.MethodHead {
			return
		}
		w.Write(body)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		clean := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		switch {
		case clean == "." || clean == "" || clean == "index.html":
			serveIndex(w, r)
			return
		case strings.HasPrefix(clean, "api/"):
			// Unknown API paths are errors, not pages.
			http.NotFound(w, r)
			return
		}

		if info, err := fs.Stat(fsys, clean); err == nil && !info.IsDir() {
			if strings.HasPrefix(clean, "assets/") {
				w.Header().Set("Cache-Control", "public, max-age=3600")
			}
			assets.ServeHTTP(w, r)
			return
		}
		serveIndex(w, r)
	}), nil
}
