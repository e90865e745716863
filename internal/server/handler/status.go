package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/loopvault/internal/dispatcher"
)

// TrackerSource exposes the dispatcher's per-user beliefs.
type TrackerSource interface {
	Trackers() []dispatcher.TrackerView
	Tracker(user string) (dispatcher.TrackerView, bool)
}

// StatusHandler serves the process mode and, when the dispatcher runs in
// this process, its trackers.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	trackers  TrackerSource
}

// NewStatusHandler creates a StatusHandler. trackers may be nil.
func NewStatusHandler(mode string, startedAt time.Time, trackers TrackerSource) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, trackers: trackers}
}

// GetStatus responds with the mode and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"mode":           h.mode,
		"started_at":     h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.trackers != nil {
		body["tracked_users"] = len(h.trackers.Trackers())
	}
	writeJSON(w, http.StatusOK, body)
}

// ListTrackers returns every dispatcher tracker.
// GET /api/trackers
func (h *StatusHandler) ListTrackers(w http.ResponseWriter, _ *http.Request) {
	if h.trackers == nil {
		writeError(w, http.StatusNotFound, "dispatcher not running in this process")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trackers": h.trackers.Trackers()})
}

// GetTracker returns one user's tracker.
// GET /api/trackers/{user}
func (h *StatusHandler) GetTracker(w http.ResponseWriter, r *http.Request) {
	if h.trackers == nil {
		writeError(w, http.StatusNotFound, "dispatcher not running in this process")
		return
	}
	view, ok := h.trackers.Tracker(normalize(r.PathValue("user")))
	if !ok {
		writeError(w, http.StatusNotFound, "no tracker for user")
		return
	}
	writeJSON(w, http.StatusOK, view)
}
