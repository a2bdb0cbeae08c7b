// Package static embeds the room monitor page.
package static

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
)

//go:embed monitor
var monitor embed.FS

// Handler serves the monitor page. Paths with an asset extension are
// served from the embedded files; everything else gets index.html.
func Handler() http.Handler {
	sub, err := fs.Sub(monitor, "monitor")
	if err != nil {
		return http.NotFoundHandler()
	}
	fileServer := http.FileServer(http.FS(sub))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch path.Ext(r.URL.Path) {
		case ".js", ".css", ".svg", ".ico":
			r.URL.Path = "/" + path.Base(r.URL.Path)
			fileServer.ServeHTTP(w, r)
			return
		}
		b, err := fs.ReadFile(sub, "index.html")
		if err != nil {
			http.Error(w, "index not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	})
}
