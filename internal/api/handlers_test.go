package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crypto-sim-backend/internal/candles"
	"crypto-sim-backend/internal/engine"
	"crypto-sim-backend/internal/hub"
	"crypto-sim-backend/internal/models"
	"crypto-sim-backend/internal/settings"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupServer(t *testing.T, mutate func(*models.TradingSettings)) (*Server, http.Handler, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&models.TradingSettings{}, &models.Position{}, &models.Candle{}, &models.Symbol{}))

	row := models.TradingSettings{
		ID:                        models.SettingsID,
		Enabled:                   true,
		IdleProfitPercentage:      5,
		IdleDurationSeconds:       1800,
		ActiveWinRatePercentage:   30,
		ActiveProfitPercentage:    10,
		ActiveLossPercentage:      10,
		ActiveDurationSeconds:     300,
		ActivityWindowSeconds:     600,
		TickIntervalSeconds:       2,
		PriceVolatilityPercentage: 2,
	}
	if mutate != nil {
		mutate(&row)
	}
	assert.NoError(t, db.Create(&row).Error)
	assert.NoError(t, db.Create(&models.Symbol{Symbol: "BTC", Name: "Bitcoin", BasePrice: 60000, Enabled: true}).Error)
	assert.NoError(t, db.Create(&models.Symbol{Symbol: "ETH", Name: "Ethereum", BasePrice: 3000, Enabled: true}).Error)

	store, err := settings.NewStore(db)
	assert.NoError(t, err)
	activity, err := engine.NewActivityMonitor(db)
	assert.NoError(t, err)
	policy := engine.NewPolicy(store, activity, rand.New(rand.NewSource(1)))
	registry := engine.NewRegistry(db, zap.NewNop(), policy, activity)
	candleStore := candles.NewStore(db, 100)
	eventHub := hub.NewHub(zap.NewNop())
	broadcaster := engine.NewBroadcaster(zap.NewNop(), store, registry, candleStore, eventHub, nil, db)
	broadcaster.Start(context.Background())

	server := NewServer(zap.NewNop(), store, policy, registry, broadcaster, candleStore, eventHub, db)
	return server, server.Handler(), db
}

func doJSON(t *testing.T, handler http.Handler, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		assert.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	assert.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestExecuteTrade_BuyIdleWin(t *testing.T) {
	_, handler, _ := setupServer(t, nil)

	rec := doJSON(t, handler, "POST", "/trade/execute", "alice", map[string]interface{}{
		"trade_type": "buy", "symbol": "BTC", "amount": 1.0, "price": 100.0, "leverage": 1,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp openTradeResponse
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp.PositionID)
	assert.Equal(t, models.OutcomeWin, resp.Outcome.Expected)
	assert.Equal(t, 5.0, resp.Outcome.Percentage)
	assert.Equal(t, 1800, resp.Outcome.DurationSeconds)
}

func TestExecuteTrade_DisabledEngineIsNeutral(t *testing.T) {
	_, handler, _ := setupServer(t, func(s *models.TradingSettings) {
		s.Enabled = false
	})

	rec := doJSON(t, handler, "POST", "/trade/execute", "alice", map[string]interface{}{
		"trade_type": "buy", "symbol": "BTC", "amount": 1.0, "price": 100.0,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp openTradeResponse
	decode(t, rec, &resp)
	assert.Equal(t, models.OutcomeNeutral, resp.Outcome.Expected)
	assert.Equal(t, 0.0, resp.Outcome.Percentage)
}

// A sell is settled at the predetermined target, not the price the
// client submits.
func TestExecuteTrade_SellOverridesClientPrice(t *testing.T) {
	_, handler, _ := setupServer(t, func(s *models.TradingSettings) {
		s.ActiveWinRatePercentage = 0
		s.ActiveLossPercentage = 80
	})

	// First buy lands in idle mode; the second is active and draws the
	// forced loss.
	rec := doJSON(t, handler, "POST", "/trade/execute", "alice", map[string]interface{}{
		"trade_type": "buy", "symbol": "ETH", "amount": 1.0, "price": 50.0,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, "POST", "/trade/execute", "alice", map[string]interface{}{
		"trade_type": "buy", "symbol": "BTC", "amount": 1.0, "price": 1000.0,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	var opened openTradeResponse
	decode(t, rec, &opened)
	assert.Equal(t, models.OutcomeLoss, opened.Outcome.Expected)
	assert.Equal(t, 80.0, opened.Outcome.Percentage)

	// Client asks for 1500; the engine settles at 1000 * 0.2 = 200.
	rec = doJSON(t, handler, "POST", "/trade/execute", "alice", map[string]interface{}{
		"trade_type": "sell", "symbol": "BTC", "amount": 1.0, "price": 1500.0,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var closed closeTradeResponse
	decode(t, rec, &closed)
	assert.Equal(t, opened.PositionID, closed.PositionID)
	assert.InDelta(t, 200.0, closed.ExitPrice, 1e-9)
}

func TestExecuteTrade_SellWithoutPosition(t *testing.T) {
	_, handler, _ := setupServer(t, nil)
	rec := doJSON(t, handler, "POST", "/trade/execute", "alice", map[string]interface{}{
		"trade_type": "sell", "symbol": "BTC", "amount": 1.0, "price": 100.0,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteTrade_Validation(t *testing.T) {
	_, handler, _ := setupServer(t, nil)

	// Missing user id.
	rec := doJSON(t, handler, "POST", "/trade/execute", "", map[string]interface{}{
		"trade_type": "buy", "symbol": "BTC", "amount": 1.0, "price": 100.0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown symbol.
	rec = doJSON(t, handler, "POST", "/trade/execute", "alice", map[string]interface{}{
		"trade_type": "buy", "symbol": "DOGE", "amount": 1.0, "price": 100.0,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Unknown trade type.
	rec = doJSON(t, handler, "POST", "/trade/execute", "alice", map[string]interface{}{
		"trade_type": "hold", "symbol": "BTC", "amount": 1.0, "price": 100.0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Non-positive amount.
	rec = doJSON(t, handler, "POST", "/trade/execute", "alice", map[string]interface{}{
		"trade_type": "buy", "symbol": "BTC", "amount": 0.0, "price": 100.0,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTrade(t *testing.T) {
	_, handler, _ := setupServer(t, nil)

	rec := doJSON(t, handler, "POST", "/trade/execute", "alice", map[string]interface{}{
		"trade_type": "buy", "symbol": "BTC", "amount": 1.0, "price": 100.0,
	})
	var opened openTradeResponse
	decode(t, rec, &opened)

	// Another user cannot cancel it.
	rec = doJSON(t, handler, "POST", "/trade/cancel", "mallory", map[string]interface{}{
		"position_id": opened.PositionID,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, handler, "POST", "/trade/cancel", "alice", map[string]interface{}{
		"position_id": opened.PositionID,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCurrentPrice(t *testing.T) {
	_, handler, _ := setupServer(t, nil)

	rec := doJSON(t, handler, "GET", "/market/current-price?symbol=BTC", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	decode(t, rec, &resp)
	assert.Equal(t, 60000.0, resp["current_price"])

	rec = doJSON(t, handler, "GET", "/market/current-price?symbol=DOGE", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, handler, "GET", "/market/current-price", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLiveChart(t *testing.T) {
	server, handler, _ := setupServer(t, nil)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		c := models.Candle{
			Symbol: "BTC", Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open: 1, High: 1, Low: 1, Close: float64(i), Volume: 1,
			Source: models.CandleSourceSimulated,
		}
		assert.NoError(t, server.candles.Append(&c))
	}

	rec := doJSON(t, handler, "GET", "/market/live-chart?symbol=BTC&limit=3", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var rows []models.Candle
	decode(t, rec, &rows)
	assert.Len(t, rows, 3)

	rec = doJSON(t, handler, "GET", "/market/live-chart?symbol=BTC&limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminSettings(t *testing.T) {
	_, handler, _ := setupServer(t, nil)

	rec := doJSON(t, handler, "GET", "/admin/settings", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var current models.TradingSettings
	decode(t, rec, &current)
	assert.Equal(t, 30.0, current.ActiveWinRatePercentage)

	rec = doJSON(t, handler, "PATCH", "/admin/settings", "", map[string]interface{}{
		"active_win_rate_percentage": 60,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &current)
	assert.Equal(t, 60.0, current.ActiveWinRatePercentage)

	rec = doJSON(t, handler, "PATCH", "/admin/settings", "", map[string]interface{}{
		"active_win_rate_percentage": 150,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminModeStatus(t *testing.T) {
	_, handler, _ := setupServer(t, nil)

	rec := doJSON(t, handler, "GET", "/admin/mode-status", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var status engine.ModeStatus
	decode(t, rec, &status)
	assert.Equal(t, engine.ModeIdle, status.Mode)
	assert.Equal(t, models.OutcomeWin, status.CurrentOutcome)

	// Opening a position flips the engine to active mode.
	doJSON(t, handler, "POST", "/trade/execute", "alice", map[string]interface{}{
		"trade_type": "buy", "symbol": "BTC", "amount": 1.0, "price": 100.0,
	})
	rec = doJSON(t, handler, "GET", "/admin/mode-status", "", nil)
	decode(t, rec, &status)
	assert.Equal(t, engine.ModeActive, status.Mode)
}

func TestAdminActivePositions(t *testing.T) {
	_, handler, _ := setupServer(t, nil)

	rec := doJSON(t, handler, "GET", "/admin/active-positions", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var empty []json.RawMessage
	decode(t, rec, &empty)
	assert.Empty(t, empty)

	doJSON(t, handler, "POST", "/trade/execute", "alice", map[string]interface{}{
		"trade_type": "buy", "symbol": "BTC", "amount": 1.0, "price": 100.0,
	})

	rec = doJSON(t, handler, "GET", "/admin/active-positions", "", nil)
	var rows []struct {
		models.Position
		TargetPrice float64 `json:"target_price"`
	}
	decode(t, rec, &rows)
	assert.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0].UserID)
	assert.InDelta(t, 105.0, rows[0].TargetPrice, 1e-9)
}

func TestMarketSymbols(t *testing.T) {
	_, handler, _ := setupServer(t, nil)

	rec := doJSON(t, handler, "GET", "/market/symbols", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var rows []models.Symbol
	decode(t, rec, &rows)
	assert.Len(t, rows, 2)
	assert.Equal(t, "BTC", rows[0].Symbol)
}
