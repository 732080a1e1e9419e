package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// InventoryView exposes the inventory snapshot and skew.
type InventoryView interface {
	Snapshot() domain.InventorySnapshot
	GetSkew(symbol string) float64
}

// InventoryHandler serves holdings and the audit journal.
type InventoryHandler struct {
	inv    InventoryView
	audit  domain.AuditStore // nil when the journal is disabled
	logger *slog.Logger
}

// NewInventoryHandler creates an InventoryHandler. audit may be nil.
func NewInventoryHandler(inv InventoryView, audit domain.AuditStore, logger *slog.Logger) *InventoryHandler {
	return &InventoryHandler{inv: inv, audit: audit, logger: logger}
}

type positionResponse struct {
	Base   float64 `json:"base"`
	Target float64 `json:"target"`
	Skew   float64 `json:"skew"`
}

type inventoryResponse struct {
	QuoteAsset   string                      `json:"quote_asset"`
	QuoteBalance float64                     `json:"quote_balance"`
	Positions    map[string]positionResponse `json:"positions"`
	UpdatedAt    time.Time                   `json:"updated_at,omitzero"`
	ReconciledAt time.Time                   `json:"reconciled_at,omitzero"`
}

// GetInventory returns the current holdings per symbol.
// GET /api/inventory
func (h *InventoryHandler) GetInventory(w http.ResponseWriter, r *http.Request) {
	snap := h.inv.Snapshot()
	resp := inventoryResponse{
		QuoteAsset:   snap.QuoteAsset,
		QuoteBalance: snap.QuoteBalance,
		Positions:    make(map[string]positionResponse, len(snap.Base)),
		UpdatedAt:    snap.UpdatedAt,
		ReconciledAt: snap.ReconciledAt,
	}
	for sym, base := range snap.Base {
		resp.Positions[sym] = positionResponse{
			Base:   base,
			Target: snap.Target[sym],
			Skew:   h.inv.GetSkew(sym),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type auditResponse struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListAudit returns recent breaker trips, halts and session events.
// GET /api/audit?limit=50
func (h *InventoryHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit journal disabled")
		return
	}

	entries, err := h.audit.List(r.Context(), parseLimit(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}

	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
