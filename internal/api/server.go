package api

import (
	"fmt"
	"net/http"

	"crypto-sim-backend/internal/candles"
	"crypto-sim-backend/internal/engine"
	"crypto-sim-backend/internal/hub"
	"crypto-sim-backend/internal/settings"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Server bundles the HTTP/WebSocket surface.
type Server struct {
	logger      *zap.Logger
	settings    *settings.Store
	policy      *engine.Policy
	registry    *engine.Registry
	broadcaster *engine.Broadcaster
	candles     *candles.Store
	hub         *hub.Hub
	db          *gorm.DB
}

// NewServer wires the handler set.
func NewServer(
	logger *zap.Logger,
	store *settings.Store,
	policy *engine.Policy,
	registry *engine.Registry,
	broadcaster *engine.Broadcaster,
	candleStore *candles.Store,
	h *hub.Hub,
	db *gorm.DB,
) *Server {
	return &Server{
		logger:      logger,
		settings:    store,
		policy:      policy,
		registry:    registry,
		broadcaster: broadcaster,
		candles:     candleStore,
		hub:         h,
		db:          db,
	}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /trade/execute", s.ExecuteTradeHandler)
	mux.HandleFunc("POST /trade/cancel", s.CancelTradeHandler)
	mux.HandleFunc("GET /market/current-price", s.CurrentPriceHandler)
	mux.HandleFunc("GET /market/live-chart", s.LiveChartHandler)
	mux.HandleFunc("GET /market/symbols", s.SymbolsHandler)
	mux.HandleFunc("GET /admin/settings", s.GetSettingsHandler)
	mux.HandleFunc("PATCH /admin/settings", s.UpdateSettingsHandler)
	mux.HandleFunc("GET /admin/mode-status", s.ModeStatusHandler)
	mux.HandleFunc("GET /admin/active-positions", s.ActivePositionsHandler)
	mux.HandleFunc("GET /ws/market/{symbol}/", s.MarketWSHandler)
	mux.HandleFunc("GET /ws/market/{symbol}", s.MarketWSHandler)

	return mux
}

// ListenAddr formats the bind address for the configured port.
func ListenAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
