package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crypto-sim-backend/internal/engine"
	"crypto-sim-backend/internal/hub"
	"crypto-sim-backend/internal/models"
	"crypto-sim-backend/internal/settings"
	"go.uber.org/zap"
)

// errorResponse is the structured error payload; internal diagnostics
// never leak through it.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// mapError translates engine errors into HTTP responses.
func (s *Server) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("Request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// userID extracts the caller identity. Authentication itself is an
// external collaborator; this trusts the header it sets.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

type executeTradeRequest struct {
	TradeType string  `json:"trade_type"`
	Symbol    string  `json:"symbol"`
	Amount    float64 `json:"amount"`
	Price     float64 `json:"price"`
	Leverage  int     `json:"leverage"`
}

type outcomeView struct {
	Expected        models.OutcomeKind `json:"expected"`
	Percentage      float64            `json:"percentage"`
	TargetCloseTime time.Time          `json:"target_close_time"`
	DurationSeconds int                `json:"duration_seconds"`
}

type openTradeResponse struct {
	PositionID string      `json:"position_id"`
	Outcome    outcomeView `json:"outcome"`
}

type closeTradeResponse struct {
	PositionID string             `json:"position_id"`
	Outcome    models.OutcomeKind `json:"outcome"`
	EntryPrice float64            `json:"entry_price"`
	ExitPrice  float64            `json:"exit_price"`
	Percentage float64            `json:"percentage"`
}

// ExecuteTradeHandler opens a position (buy) or settles the most recent
// open one at the predetermined target price (sell).
func (s *Server) ExecuteTradeHandler(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		s.writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	var req executeTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch strings.ToLower(req.TradeType) {
	case "buy":
		s.handleBuy(w, uid, &req)
	case "sell":
		s.handleSell(w, uid, &req)
	default:
		s.writeError(w, http.StatusBadRequest, "trade_type must be buy or sell")
	}
}

func (s *Server) handleBuy(w http.ResponseWriter, uid string, req *executeTradeRequest) {
	if !s.symbolExists(req.Symbol) {
		s.writeError(w, http.StatusNotFound, "unknown symbol")
		return
	}
	if req.Leverage == 0 {
		req.Leverage = 1
	}

	pos, err := s.registry.Open(engine.OpenRequest{
		UserID:     uid,
		Symbol:     req.Symbol,
		EntryPrice: req.Price,
		Amount:     req.Amount,
		Leverage:   req.Leverage,
	}, time.Now())
	if err != nil {
		s.mapError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, openTradeResponse{
		PositionID: pos.ID,
		Outcome: outcomeView{
			Expected:        pos.Outcome,
			Percentage:      pos.Percentage,
			TargetCloseTime: pos.TargetCloseTime,
			DurationSeconds: pos.DurationSeconds,
		},
	})
}

// handleSell settles the user's most recent open buy on the symbol. The
// submitted price is ignored in favor of the predetermined target.
func (s *Server) handleSell(w http.ResponseWriter, uid string, req *executeTradeRequest) {
	pos, err := s.registry.LatestOpen(uid, req.Symbol)
	if err != nil {
		s.mapError(w, err)
		return
	}
	if pos == nil {
		s.writeError(w, http.StatusNotFound, "no open position on this symbol")
		return
	}

	now := time.Now()
	exitPrice := pos.TargetPrice()
	if err := s.registry.Settle(pos.ID, exitPrice, now); err != nil {
		s.mapError(w, err)
		return
	}

	payload := engine.ClosedPayload{
		PositionID: pos.ID,
		UserID:     pos.UserID,
		Symbol:     pos.Symbol,
		Outcome:    pos.Outcome,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Percentage: pos.Percentage,
		ClosedAt:   now,
	}
	s.hub.Publish(pos.Symbol, hub.Event{Type: "position_closed", Topic: pos.Symbol, Payload: payload})
	userTopic := "user:" + pos.UserID
	s.hub.Publish(userTopic, hub.Event{Type: "position_closed", Topic: userTopic, Payload: payload})

	s.writeJSON(w, http.StatusOK, closeTradeResponse{
		PositionID: pos.ID,
		Outcome:    pos.Outcome,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Percentage: pos.Percentage,
	})
}

type cancelTradeRequest struct {
	PositionID string `json:"position_id"`
}

// CancelTradeHandler voids a not-yet-executed position.
func (s *Server) CancelTradeHandler(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		s.writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	var req cancelTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PositionID == "" {
		s.writeError(w, http.StatusBadRequest, "position_id is required")
		return
	}

	pos, err := s.registry.Get(req.PositionID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	if pos.UserID != uid {
		s.writeError(w, http.StatusNotFound, "position not found")
		return
	}

	if err := s.registry.Cancel(req.PositionID); err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// CurrentPriceHandler reports the live simulated price for a symbol.
func (s *Server) CurrentPriceHandler(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	price, err := s.broadcaster.CurrentPrice(symbol, time.Now())
	if err != nil {
		s.mapError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":        symbol,
		"current_price": price,
	})
}

// LiveChartHandler returns recent OHLCV candles for a symbol.
func (s *Server) LiveChartHandler(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	rows, err := s.candles.Recent(symbol, limit)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// SymbolsHandler lists the tradable symbol catalog.
func (s *Server) SymbolsHandler(w http.ResponseWriter, r *http.Request) {
	var rows []models.Symbol
	if err := s.db.Where("enabled = ?", true).Order("symbol asc").Find(&rows).Error; err != nil {
		s.logger.Error("Failed to list symbols", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// GetSettingsHandler returns the current trading settings.
func (s *Server) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.settings.Snapshot())
}

// UpdateSettingsHandler applies an admin patch to the settings record.
func (s *Server) UpdateSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := s.settings.Update(patch)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

// ModeStatusHandler reports the current policy regime and parameters.
func (s *Server) ModeStatusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.policy.Describe(time.Now()))
}

// ActivePositionsHandler enumerates open positions with their
// predetermined outcomes.
func (s *Server) ActivePositionsHandler(w http.ResponseWriter, r *http.Request) {
	open, err := s.registry.ListOpen()
	if err != nil {
		s.mapError(w, err)
		return
	}

	type activePosition struct {
		models.Position
		TargetPrice float64 `json:"target_price"`
	}
	out := make([]activePosition, 0, len(open))
	for i := range open {
		out = append(out, activePosition{
			Position:    open[i],
			TargetPrice: open[i].TargetPrice(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) symbolExists(symbol string) bool {
	var count int64
	s.db.Model(&models.Symbol{}).Where("symbol = ? AND enabled = ?", symbol, true).Count(&count)
	return count > 0
}
