package engine

import (
	"math/rand"
	"testing"
	"time"

	"crypto-sim-backend/internal/models"
	"crypto-sim-backend/internal/settings"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupEngine creates an isolated in-memory environment: database,
// settings row, activity monitor, policy with a fixed rand source and
// registry.
func setupEngine(t *testing.T, mutate func(*models.TradingSettings)) (*gorm.DB, *settings.Store, *ActivityMonitor, *Policy, *Registry) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)

	err = db.AutoMigrate(&models.TradingSettings{}, &models.Position{}, &models.Candle{}, &models.Symbol{})
	assert.NoError(t, err)

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

	store, err := settings.NewStore(db)
	assert.NoError(t, err)

	activity, err := NewActivityMonitor(db)
	assert.NoError(t, err)

	policy := NewPolicy(store, activity, rand.New(rand.NewSource(1)))
	registry := NewRegistry(db, zap.NewNop(), policy, activity)

	return db, store, activity, policy, registry
}

func openReq(symbol string) OpenRequest {
	return OpenRequest{
		UserID:     "user-1",
		Symbol:     symbol,
		EntryPrice: 100,
		Amount:     1,
		Leverage:   1,
	}
}

func TestRegistry_Open_IdleWin(t *testing.T) {
	_, _, _, _, registry := setupEngine(t, nil)

	now := time.Now()
	pos, err := registry.Open(openReq("BTC"), now)
	assert.NoError(t, err)

	// First trade after a quiet spell: deterministic idle win.
	assert.Equal(t, models.OutcomeWin, pos.Outcome)
	assert.Equal(t, 5.0, pos.Percentage)
	assert.Equal(t, 1800, pos.DurationSeconds)
	assert.Equal(t, now.Add(1800*time.Second), pos.TargetCloseTime)
	assert.Equal(t, models.PositionStatusOpen, pos.Status)
	assert.False(t, pos.IsExecuted)
	assert.InDelta(t, 105.0, pos.TargetPrice(), 1e-9)
	assert.NotZero(t, pos.Seed)
}

func TestRegistry_Open_Validation(t *testing.T) {
	_, _, _, _, registry := setupEngine(t, nil)
	now := time.Now()

	cases := []OpenRequest{
		{UserID: "", Symbol: "BTC", EntryPrice: 100, Amount: 1, Leverage: 1},
		{UserID: "u", Symbol: "", EntryPrice: 100, Amount: 1, Leverage: 1},
		{UserID: "u", Symbol: "BTC", EntryPrice: 0, Amount: 1, Leverage: 1},
		{UserID: "u", Symbol: "BTC", EntryPrice: 100, Amount: 0, Leverage: 1},
		{UserID: "u", Symbol: "BTC", EntryPrice: 100, Amount: 1, Leverage: 0},
	}
	for _, c := range cases {
		_, err := registry.Open(c, now)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
}

func TestRegistry_Open_MarksActivity(t *testing.T) {
	_, _, activity, _, registry := setupEngine(t, nil)
	now := time.Now()

	assert.False(t, activity.IsActive(now, 600*time.Second))
	_, err := registry.Open(openReq("BTC"), now)
	assert.NoError(t, err)
	assert.True(t, activity.IsActive(now, 600*time.Second))
}

func TestRegistry_OldestOpen(t *testing.T) {
	_, _, _, _, registry := setupEngine(t, nil)

	base := time.Now()
	first, err := registry.Open(openReq("BTC"), base)
	assert.NoError(t, err)
	_, err = registry.Open(openReq("BTC"), base.Add(time.Second))
	assert.NoError(t, err)
	_, err = registry.Open(openReq("ETH"), base.Add(2*time.Second))
	assert.NoError(t, err)

	oldest, err := registry.OldestOpen("BTC")
	assert.NoError(t, err)
	assert.Equal(t, first.ID, oldest.ID)

	none, err := registry.OldestOpen("DOGE")
	assert.NoError(t, err)
	assert.Nil(t, none)
}

func TestRegistry_ListDue(t *testing.T) {
	db, _, _, _, registry := setupEngine(t, nil)

	now := time.Now()
	pos, err := registry.Open(openReq("BTC"), now)
	assert.NoError(t, err)

	due, err := registry.ListDue(now)
	assert.NoError(t, err)
	assert.Empty(t, due)

	// Force the close time into the past.
	assert.NoError(t, db.Model(&models.Position{}).Where("id = ?", pos.ID).
		Update("target_close_time", now.Add(-time.Second)).Error)

	due, err = registry.ListDue(now)
	assert.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Equal(t, pos.ID, due[0].ID)
}

func TestRegistry_Settle_Idempotent(t *testing.T) {
	_, _, _, _, registry := setupEngine(t, nil)

	now := time.Now()
	pos, err := registry.Open(openReq("BTC"), now)
	assert.NoError(t, err)

	settleTime := now.Add(time.Minute)
	assert.NoError(t, registry.Settle(pos.ID, 105, settleTime))

	closed, err := registry.Get(pos.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PositionStatusClosed, closed.Status)
	assert.True(t, closed.IsExecuted)
	assert.NotNil(t, closed.ExecutedAt)
	assert.Equal(t, 105.0, closed.ExitPrice)

	// Settling again with a different price is a no-op success.
	assert.NoError(t, registry.Settle(pos.ID, 9999, settleTime.Add(time.Minute)))
	again, err := registry.Get(pos.ID)
	assert.NoError(t, err)
	assert.Equal(t, closed.ExitPrice, again.ExitPrice)
	assert.Equal(t, closed.Status, again.Status)
}

func TestRegistry_Settle_Unknown(t *testing.T) {
	_, _, _, _, registry := setupEngine(t, nil)
	err := registry.Settle("no-such-id", 1, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Cancel(t *testing.T) {
	_, _, _, _, registry := setupEngine(t, nil)

	now := time.Now()
	pos, err := registry.Open(openReq("BTC"), now)
	assert.NoError(t, err)

	assert.NoError(t, registry.Cancel(pos.ID))
	cancelled, err := registry.Get(pos.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PositionStatusCancelled, cancelled.Status)
	assert.False(t, cancelled.IsExecuted)

	// A cancelled position never becomes due.
	due, err := registry.ListDue(now.Add(24 * time.Hour))
	assert.NoError(t, err)
	assert.Empty(t, due)
}

func TestRegistry_Cancel_AfterSettleIsNoop(t *testing.T) {
	_, _, _, _, registry := setupEngine(t, nil)

	now := time.Now()
	pos, err := registry.Open(openReq("BTC"), now)
	assert.NoError(t, err)
	assert.NoError(t, registry.Settle(pos.ID, 105, now))

	assert.NoError(t, registry.Cancel(pos.ID))
	got, err := registry.Get(pos.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.PositionStatusClosed, got.Status)
}

func TestRegistry_LatestOpen(t *testing.T) {
	_, _, _, _, registry := setupEngine(t, nil)

	base := time.Now()
	_, err := registry.Open(openReq("BTC"), base)
	assert.NoError(t, err)
	second, err := registry.Open(openReq("BTC"), base.Add(time.Second))
	assert.NoError(t, err)

	latest, err := registry.LatestOpen("user-1", "BTC")
	assert.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	none, err := registry.LatestOpen("user-2", "BTC")
	assert.NoError(t, err)
	assert.Nil(t, none)
}
