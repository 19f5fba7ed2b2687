package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/events"
)

// EventHistory reads back published events.
type EventHistory interface {
	History(ctx context.Context, after string, count int) ([]events.Entry, error)
}

// HistoryHandler serves the write queue, audit log and event history.
type HistoryHandler struct {
	writes domain.WriteQueue
	audit  domain.AuditStore
	events EventHistory
	logger *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(writes domain.WriteQueue, audit domain.AuditStore, ev EventHistory, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{writes: writes, audit: audit, events: ev, logger: logger}
}

// ListWrites returns ledger writes waiting for retry.
// GET /api/writes
func (h *HistoryHandler) ListWrites(w http.ResponseWriter, r *http.Request) {
	writes, err := h.writes.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list pending writes failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list pending writes")
		return
	}
	if writes == nil {
		writes = []domain.PendingWrite{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"writes": writes})
}

// ListAudit returns audit entries, newest first.
// GET /api/audit?limit=&offset=&since=&until=
func (h *HistoryHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ListEvents returns published events after the given stream ID.
// GET /api/events?after=<id>&count=100
func (h *HistoryHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	count := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("count")); err == nil && n > 0 {
		count = min(n, 1000)
	}
	entries, err := h.events.History(r.Context(), r.URL.Query().Get("after"), count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read event history failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	if entries == nil {
		entries = []events.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}
