package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/alanyoungcy/loopvault/internal/service"
)

// VaultService is what the position handler needs from the service layer.
type VaultService interface {
	Deposit(ctx context.Context, user, amount string) (domain.LoopSession, error)
	Continue(ctx context.Context, user string) (domain.LoopSession, error)
	RequestUnwind(ctx context.Context, user string) (domain.UnwindSession, error)
	View(ctx context.Context, user string) (domain.PositionView, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
	Params() domain.LoopParams
}

// PositionHandler serves the position commands and reads. Without a service
// (reactive-only processes) it answers reads from the projection cache.
type PositionHandler struct {
	vault  VaultService
	cache  domain.ProjectionCache
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler. Either argument may be nil,
// not both.
func NewPositionHandler(vault VaultService, cache domain.ProjectionCache, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{vault: vault, cache: cache, logger: logger.With(slog.String("handler", "positions"))}
}

// depositRequest accepts the amount as a JSON number or string; either way
// it is parsed as an exact decimal.
type depositRequest struct {
	Amount json.RawMessage `json:"amount"`
}

// Deposit supplies collateral and starts looping.
// POST /api/positions/{user}/deposit {"amount": "1000000"}
func (h *PositionHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	if !h.commandable(w) {
		return
	}
	var req depositRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil || sonnet.Unmarshal(body, &req) != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	amount := strings.Trim(string(req.Amount), `"`)

	session, err := h.vault.Deposit(r.Context(), r.PathValue("user"), amount)
	if err != nil {
		h.fail(w, r, "deposit", err)
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

// Continue re-opens looping for an idle position.
// POST /api/positions/{user}/continue
func (h *PositionHandler) Continue(w http.ResponseWriter, r *http.Request) {
	if !h.commandable(w) {
		return
	}
	session, err := h.vault.Continue(r.Context(), r.PathValue("user"))
	if err != nil {
		h.fail(w, r, "continue", err)
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

// Unwind requests a user-initiated unwind.
// POST /api/positions/{user}/unwind
func (h *PositionHandler) Unwind(w http.ResponseWriter, r *http.Request) {
	if !h.commandable(w) {
		return
	}
	session, err := h.vault.RequestUnwind(r.Context(), r.PathValue("user"))
	if err != nil {
		h.fail(w, r, "unwind", err)
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

// GetPosition returns the position view. The service is authoritative; the
// cache serves processes without one.
// GET /api/positions/{user}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("user")
	user, err := service.NormalizeUser(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.vault == nil {
		view, err := h.cache.Get(r.Context(), user)
		if err != nil {
			h.fail(w, r, "get position", err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	view, err := h.vault.View(r.Context(), user)
	if err != nil {
		h.fail(w, r, "get position", err)
		return
	}
	if h.cache != nil {
		if err := h.cache.Set(r.Context(), view); err != nil {
			h.logger.DebugContext(r.Context(), "projection cache write failed", slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// ListPositions returns stored positions.
// GET /api/positions?limit=&offset=&since=&until=
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	if !h.commandable(w) {
		return
	}
	positions, err := h.vault.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.fail(w, r, "list positions", err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// GetParams returns the loop parameters in force.
// GET /api/params
func (h *PositionHandler) GetParams(w http.ResponseWriter, _ *http.Request) {
	if !h.commandable(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.vault.Params())
}

func (h *PositionHandler) commandable(w http.ResponseWriter) bool {
	if h.vault == nil {
		writeError(w, http.StatusServiceUnavailable, "origin controllers not running in this process")
		return false
	}
	return true
}

func (h *PositionHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), op+" failed",
			slog.String("user", r.PathValue("user")),
			slog.String("error", err.Error()),
		)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = op + " failed"
	}
	writeError(w, status, msg)
}

func normalize(user string) string {
	if n, err := service.NormalizeUser(user); err == nil {
		return n
	}
	return strings.ToLower(user)
}
