package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/ledgersync/internal/domain"
)

// ActionHandler serves reconciliation action endpoints.
type ActionHandler struct {
	actions domain.ActionStore
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewActionHandler creates an ActionHandler. audit may be nil.
func NewActionHandler(actions domain.ActionStore, audit domain.AuditStore, logger *slog.Logger) *ActionHandler {
	return &ActionHandler{actions: actions, audit: audit, logger: logger}
}

type listActionsResponse struct {
	Actions []domain.Action `json:"actions"`
}

var knownStatuses = map[domain.ActionStatus]bool{
	domain.ActionStatusPending:   true,
	domain.ActionStatusSubmitted: true,
	domain.ActionStatusFilled:    true,
	domain.ActionStatusFailed:    true,
	domain.ActionStatusAborted:   true,
}

// ListActions lists actions, newest first.
// GET /api/actions?status=failed,submitted&trade_id=T1&limit=50&offset=0
func (h *ActionHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	filter := domain.ActionFilter{
		TradeID:  r.URL.Query().Get("trade_id"),
		ListOpts: parseListOpts(r),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := domain.ActionStatus(strings.TrimSpace(s))
			if !knownStatuses[st] {
				writeError(w, http.StatusBadRequest, "unknown status "+string(st))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	actions, err := h.actions.List(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list actions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list actions")
		return
	}
	if actions == nil {
		actions = []domain.Action{}
	}
	writeJSON(w, http.StatusOK, listActionsResponse{Actions: actions})
}

// GetAction returns one action.
// GET /api/actions/{id}
func (h *ActionHandler) GetAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := h.actions.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "action not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get action failed",
			slog.String("action_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get action")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// AcknowledgeAction marks a failed action as reviewed so the next pass may
// propose a new order for its trade.
// POST /api/actions/{id}/ack
func (h *ActionHandler) AcknowledgeAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.actions.Acknowledge(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no failed action with that id")
			return
		}
		h.logger.ErrorContext(r.Context(), "acknowledge action failed",
			slog.String("action_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to acknowledge action")
		return
	}

	if h.audit != nil {
		if err := h.audit.Log(r.Context(), "action.acknowledged", map[string]any{
			"action_id": id,
			"remote":    r.RemoteAddr,
		}); err != nil {
			h.logger.WarnContext(r.Context(), "audit acknowledge failed", slog.String("error", err.Error()))
		}
	}
	h.logger.InfoContext(r.Context(), "action acknowledged", slog.String("action_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged", "action_id": id})
}
