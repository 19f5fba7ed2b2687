package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/ledgersync/internal/domain"
	"github.com/alanyoungcy/ledgersync/internal/reconcile"
)

// Reconciler is the part of the reconciliation engine the API drives.
type Reconciler interface {
	RunPass(ctx context.Context, opts reconcile.Options) (domain.PassReport, error)
	ForceClose(ctx context.Context, tradeID, reason string) (domain.PassReport, error)
}

// ReconcileHandler serves pass and force-close endpoints.
type ReconcileHandler struct {
	engine Reconciler
	logger *slog.Logger
}

// NewReconcileHandler creates a ReconcileHandler.
func NewReconcileHandler(engine Reconciler, logger *slog.Logger) *ReconcileHandler {
	return &ReconcileHandler{engine: engine, logger: logger}
}

type reconcileRequest struct {
	DryRun   bool     `json:"dry_run"`
	TradeIDs []string `json:"trade_ids"`
}

type closeTradeRequest struct {
	Reason string `json:"reason"`
}

// Divergences runs a dry-run pass and returns what it found.
// GET /api/divergences?trade_id=T1
func (h *ReconcileHandler) Divergences(w http.ResponseWriter, r *http.Request) {
	opts := reconcile.Options{DryRun: true}
	if id := r.URL.Query().Get("trade_id"); id != "" {
		opts.TradeIDs = []string{id}
	}
	report, err := h.engine.RunPass(r.Context(), opts)
	if err != nil {
		h.passFailed(w, r, report, err)
		return
	}
	divs := report.Divergences
	if divs == nil {
		divs = []domain.Divergence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pass_id":     report.PassID,
		"divergences": divs,
	})
}

// Reconcile runs a pass now and returns its report.
// POST /api/reconcile
func (h *ReconcileHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "pass requested",
		slog.Bool("dry_run", req.DryRun),
		slog.Int("trades", len(req.TradeIDs)),
	)
	report, err := h.engine.RunPass(r.Context(), reconcile.Options{DryRun: req.DryRun, TradeIDs: req.TradeIDs})
	if err != nil {
		h.passFailed(w, r, report, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CloseTrade closes a trade in the ledger and flattens what the broker still
// holds for it.
// POST /api/trades/{id}/close
func (h *ReconcileHandler) CloseTrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req closeTradeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "closed via api"
	}

	report, err := h.engine.ForceClose(r.Context(), id, reason)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "trade not found")
	case errors.Is(err, domain.ErrTradeClosed):
		writeError(w, http.StatusConflict, "trade already closed")
	case errors.Is(err, domain.ErrWriteConflict):
		writeError(w, http.StatusConflict, "ledger row changed, retry")
	case err != nil && report.PassID == "":
		h.logger.ErrorContext(r.Context(), "close trade failed",
			slog.String("trade_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to close trade")
	case err != nil:
		h.passFailed(w, r, report, err)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

// passFailed answers a pass that could not read the ledger or the broker.
func (h *ReconcileHandler) passFailed(w http.ResponseWriter, r *http.Request, report domain.PassReport, err error) {
	h.logger.ErrorContext(r.Context(), "pass failed",
		slog.String("pass_id", report.PassID),
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"error":  err.Error(),
		"report": report,
	})
}
