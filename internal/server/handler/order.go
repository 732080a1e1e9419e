package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
)

// OrderHandler serves the resting orders and the fill journal.
type OrderHandler struct {
	monitor MonitorView
	fills   domain.FillStore // nil when the journal is disabled
	logger  *slog.Logger
}

// NewOrderHandler creates an OrderHandler. fills may be nil.
func NewOrderHandler(monitor MonitorView, fills domain.FillStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		monitor: monitor,
		fills:   fills,
		logger:  logger,
	}
}

type orderResponse struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id,omitempty"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Price          float64   `json:"price"`
	Quantity       float64   `json:"quantity"`
	FilledQuantity float64   `json:"filled_quantity"`
	Fee            float64   `json:"fee"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

type fillResponse struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// ListOrders returns the orders the monitor is tracking, optionally for one
// symbol.
// GET /api/orders?symbol=BTC/USDT
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders := h.monitor.GetActiveOrders(r.URL.Query().Get("symbol"))

	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderResponse{
			ID:             o.ID,
			ClientID:       o.ClientID,
			Symbol:         o.Symbol,
			Side:           string(o.Side),
			Price:          o.Price,
			Quantity:       o.Quantity,
			FilledQuantity: o.FilledQuantity,
			Fee:            o.Fee,
			Status:         string(o.Status),
			CreatedAt:      o.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

// ListFills returns the most recent journaled fills.
// GET /api/fills?symbol=BTC/USDT&limit=50
func (h *OrderHandler) ListFills(w http.ResponseWriter, r *http.Request) {
	if h.fills == nil {
		writeError(w, http.StatusNotFound, "fill journal disabled")
		return
	}

	fills, err := h.fills.ListRecent(r.Context(), r.URL.Query().Get("symbol"), parseLimit(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list fills failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list fills")
		return
	}

	out := make([]fillResponse, 0, len(fills))
	for _, f := range fills {
		out = append(out, fillResponse{
			OrderID:   f.OrderID,
			Symbol:    f.Symbol,
			Side:      string(f.Side),
			Quantity:  f.Quantity,
			Price:     f.Price,
			Fee:       f.Fee,
			Timestamp: f.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"fills": out})
}
