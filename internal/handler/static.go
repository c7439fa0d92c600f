package handler

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"nutbolt/internal/model"
)

// AvailableEndpoints is listed in 404 responses.
var AvailableEndpoints = []string{
	"GET /health",
	"POST /detect",
	"POST /detect/annotated",
	"GET /config",
	"POST /config",
	"GET /api/stream (websocket)",
	"GET /api/view (websocket)",
	"GET /logs/{info,warning,error}",
}

// NotFoundHandler answers unknown routes with JSON.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, model.ErrorResponse{
		Error:              "Endpoint not found",
		AvailableEndpoints: AvailableEndpoints,
	})
}

// DynamicHTMLHandler serves /path as <staticDir>/path.html if the file
// exists; anything else gets the JSON 404.
func DynamicHTMLHandler(staticDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/" {
			path = "/index"
		}
		if strings.Contains(path, "..") {
			NotFoundHandler(w, r)
			return
		}

		filePath := filepath.Join(staticDir, filepath.FromSlash(path)+".html")
		if info, err := os.Stat(filePath); err != nil || info.IsDir() {
			NotFoundHandler(w, r)
			return
		}

		http.ServeFile(w, r, filePath)
	}
}
