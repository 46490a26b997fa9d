package webform

import (
	"net/http"
	"os"
	"path/filepath"
)

// assetHandler serves optional static files, preferring a build output
// directory over the source assets directory.
type assetHandler struct {
	buildDir  string
	assetsDir string
}

func newAssetHandler(buildDir, assetsDir string) *assetHandler {
	return &assetHandler{
		buildDir:  buildDir,
		assetsDir: assetsDir,
	}
}

func (h *assetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(r.URL.Path)
	if filename == "." || filename == "/" {
		http.NotFound(w, r)
		return
	}

	for _, dir := range []string{h.buildDir, h.assetsDir} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, filename)
		if fileExists(path) {
			w.Header().Set("Cache-Control", "no-cache")
			http.ServeFile(w, r, path)
			return
		}
	}
	http.NotFound(w, r)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
