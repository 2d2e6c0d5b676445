// Package web embeds the static frontend (dist/) and serves it.
//
// Pages are addressed without their .html suffix, so /consultation serves
// consultation.html. Unknown paths fall back to the landing page.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// Handler returns an http.Handler that serves the embedded frontend.
func Handler() http.Handler {
	subFS, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}

	fileServer := http.FileServer(http.FS(subFS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.Trim(path.Clean(r.URL.Path), "/")
		if name == "" || name == "." {
			name = "index.html"
		}

		if exists(subFS, name) {
			fileServer.ServeHTTP(w, r)
			return
		}

		// Clean page URLs: /consultation -> consultation.html.
		if page := name + ".html"; !strings.Contains(name, ".") && exists(subFS, page) {
			serveFile(w, r, subFS, page)
			return
		}

		serveFile(w, r, subFS, "index.html")
	})
}

func exists(fsys fs.FS, name string) bool {
	f, err := fsys.Open(name)
	if err != nil {
		return false
	}
	if closeErr := f.Close(); closeErr != nil {
		slog.Debug("web: failed to close embedded file", "path", name, "error", closeErr)
	}
	return true
}

// serveFile writes an HTML page directly; http.FileServer would redirect
// "/index.html" requests to "/".
func serveFile(w http.ResponseWriter, r *http.Request, fsys fs.FS, name string) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		slog.Debug("web: failed to write page", "path", name, "error", err)
	}
}
