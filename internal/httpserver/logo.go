package httpserver

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

const (
	maxLogoBytes = 5 * 1024 * 1024
	logoDir      = "public/uploads"
	logoBaseName = "custom-logo"
)

var logoMimeExt = map[string]string{
	"image/png":     ".png",
	"image/jpeg":    ".jpg",
	"image/svg+xml": ".svg",
	"image/webp":    ".webp",
}

// logoHandler implements GET/POST/DELETE /api/logo. "At most one custom
// logo; any upload removes previous extensions" (spec.md §6.5) — so a
// new PNG upload replaces a previously-stored SVG rather than leaving
// both on disk.
type logoHandler struct {
	lg *wlog.Logger
}

func (h *logoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.get(w, r)
	case http.MethodPost:
		h.upload(w, r)
	case http.MethodDelete:
		h.delete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *logoHandler) get(w http.ResponseWriter, r *http.Request) {
	for _, ext := range logoMimeExt {
		path := filepath.Join(logoDir, logoBaseName+ext)
		if data, err := os.ReadFile(path); err == nil {
			w.Write(data)
			return
		}
	}
	http.Error(w, "no custom logo", http.StatusNotFound)
}

func (h *logoHandler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLogoBytes)
	contentType := r.Header.Get("Content-Type")
	ext, ok := logoMimeExt[contentType]
	if !ok {
		http.Error(w, "unsupported logo mimetype", http.StatusUnsupportedMediaType)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "logo exceeds 5 MiB limit", http.StatusRequestEntityTooLarge)
		return
	}

	if err := os.MkdirAll(logoDir, 0o755); err != nil {
		h.lg.Errorf("failed to create logo directory: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.removeExisting()
	if err := os.WriteFile(filepath.Join(logoDir, logoBaseName+ext), data, 0o644); err != nil {
		h.lg.Errorf("failed to write logo: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *logoHandler) delete(w http.ResponseWriter, r *http.Request) {
	h.removeExisting()
	w.WriteHeader(http.StatusNoContent)
}

func (h *logoHandler) removeExisting() {
	for _, ext := range logoMimeExt {
		_ = os.Remove(filepath.Join(logoDir, logoBaseName+ext))
	}
}
