package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/spotmaker/internal/domain"
	"github.com/alanyoungcy/spotmaker/internal/engine"
	"github.com/alanyoungcy/spotmaker/internal/executor"
	"github.com/alanyoungcy/spotmaker/internal/marketdata"
	"github.com/alanyoungcy/spotmaker/internal/monitor"
)

// EngineView is the read side of the quoting engine.
type EngineView interface {
	Status() []engine.SymbolStatus
	Halted() bool
	Ticks() int64
}

// BreakerView exposes the circuit breaker state.
type BreakerView interface {
	State() domain.BreakerState
}

// ExecutorView exposes executor counters.
type ExecutorView interface {
	Stats() executor.Stats
}

// MonitorView exposes the order monitor.
type MonitorView interface {
	Stats() monitor.Stats
	GetActiveOrders(symbol string) []domain.Order
}

// GatewayView exposes the market data feeder.
type GatewayView interface {
	Status() marketdata.Status
}

// OracleView reports the latched reference venue per symbol.
type OracleView interface {
	Venue(symbol string) string
}

// StatusSources bundles everything the status endpoint reports on. Nil
// members are omitted from the response.
type StatusSources struct {
	Mode     string
	Symbols  []string
	Engine   EngineView
	Breaker  BreakerView
	Executor ExecutorView
	Monitor  MonitorView
	Gateway  GatewayView
	Oracle   OracleView
}

// StatusHandler serves the aggregated runtime state.
type StatusHandler struct {
	src       StatusSources
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(src StatusSources) *StatusHandler {
	return &StatusHandler{src: src, startedAt: time.Now().UTC()}
}

type breakerResponse struct {
	Tripped        bool      `json:"tripped"`
	Reason         string    `json:"reason,omitempty"`
	TrippedAt      time.Time `json:"tripped_at,omitzero"`
	InitialCapital float64   `json:"initial_capital"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitzero"`
}

type statusResponse struct {
	Mode          string                `json:"mode"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Halted        bool                  `json:"halted"`
	Ticks         int64                 `json:"ticks"`
	Symbols       []engine.SymbolStatus `json:"symbols"`
	Venues        map[string]string     `json:"venues,omitempty"`
	Breaker       *breakerResponse      `json:"breaker,omitempty"`
	Executor      *executor.Stats       `json:"executor,omitempty"`
	Monitor       *monitor.Stats        `json:"monitor,omitempty"`
	MarketData    *marketdata.Status    `json:"market_data,omitempty"`
}

// GetStatus responds with the engine, breaker, executor, monitor and feeder
// state in one document.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Mode:          h.src.Mode,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Symbols:       []engine.SymbolStatus{},
	}
	if e := h.src.Engine; e != nil {
		resp.Halted = e.Halted()
		resp.Ticks = e.Ticks()
		resp.Symbols = e.Status()
	}
	if o := h.src.Oracle; o != nil {
		resp.Venues = make(map[string]string, len(h.src.Symbols))
		for _, sym := range h.src.Symbols {
			if v := o.Venue(sym); v != "" {
				resp.Venues[sym] = v
			}
		}
	}
	if b := h.src.Breaker; b != nil {
		st := b.State()
		resp.Breaker = &breakerResponse{
			Tripped:        st.Tripped,
			Reason:         st.Reason,
			TrippedAt:      st.TrippedAt,
			InitialCapital: st.InitialCapital,
			LastHeartbeat:  st.LastHeartbeat,
		}
	}
	if x := h.src.Executor; x != nil {
		st := x.Stats()
		resp.Executor = &st
	}
	if m := h.src.Monitor; m != nil {
		st := m.Stats()
		resp.Monitor = &st
	}
	if g := h.src.Gateway; g != nil {
		st := g.Status()
		resp.MarketData = &st
	}

	writeJSON(w, http.StatusOK, resp)
}
