package models

import "time"

// TradingSettings is the single admin-controlled record that drives the
// outcome policy and the default price walk. Exactly one row exists
// (SettingsID); it is seeded at boot and mutated only through the
// settings store.
type TradingSettings struct {
	ID                        uint      `gorm:"primaryKey" json:"-"`
	Enabled                   bool      `json:"enabled"`
	IdleProfitPercentage      float64   `json:"idle_profit_percentage"`
	IdleDurationSeconds       int       `json:"idle_duration_seconds"`
	ActiveWinRatePercentage   float64   `json:"active_win_rate_percentage"`
	ActiveProfitPercentage    float64   `json:"active_profit_percentage"`
	ActiveLossPercentage      float64   `json:"active_loss_percentage"`
	ActiveDurationSeconds     int       `json:"active_duration_seconds"`
	ActivityWindowSeconds     int       `json:"activity_window_seconds"`
	TickIntervalSeconds       int       `json:"tick_interval_seconds"`
	PriceVolatilityPercentage float64   `json:"price_volatility_percentage"`
	UseRealPrices             bool      `json:"use_real_prices"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// SettingsID is the primary key of the canonical settings row.
const SettingsID uint = 1

func (TradingSettings) TableName() string {
	return "trading_settings"
}
