package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

// ArchiveHandler lists and downloads archived history files.
type ArchiveHandler struct {
	blobs  domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(blobs domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{blobs: blobs, logger: logger.With(slog.String("handler", "archives"))}
}

// ListArchives lists archive files, optionally narrowed to one kind.
// GET /api/archives?kind=loop_steps
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	prefix := "archive/"
	if kind := strings.Trim(r.URL.Query().Get("kind"), "/"); kind != "" {
		prefix += kind + "/"
	}
	infos, err := h.blobs.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archives failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "archive store unavailable")
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": infos})
}

// GetArchive streams one archive file as JSON lines.
// GET /api/archives/{kind}/{file}
func (h *ArchiveHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	kind, file := r.PathValue("kind"), r.PathValue("file")
	if strings.Contains(kind, "..") || strings.Contains(file, "..") || !strings.HasSuffix(file, ".jsonl") {
		writeError(w, http.StatusBadRequest, "invalid archive path")
		return
	}
	body, err := h.blobs.Get(r.Context(), "archive/"+kind+"/"+file)
	if err != nil {
		writeError(w, statusFor(err), "archive not available")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive stream interrupted", slog.String("error", err.Error()))
	}
}
