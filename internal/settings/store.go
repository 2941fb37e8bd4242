package settings

import (
	"fmt"
	"sync"
	"time"

	"crypto-sim-backend/internal/models"
	"gorm.io/gorm"
)

// Store guards the single TradingSettings row. Reads return an immutable
// snapshot so that a policy decision never observes a half-applied admin
// edit; writes validate, persist and then swap the cached copy.
type Store struct {
	db *gorm.DB

	mu      sync.RWMutex
	current models.TradingSettings
}

// Patch carries the admin-updatable fields. Nil pointers leave the field
// untouched.
type Patch struct {
	Enabled                   *bool    `json:"enabled,omitempty"`
	IdleProfitPercentage      *float64 `json:"idle_profit_percentage,omitempty"`
	IdleDurationSeconds       *int     `json:"idle_duration_seconds,omitempty"`
	ActiveWinRatePercentage   *float64 `json:"active_win_rate_percentage,omitempty"`
	ActiveProfitPercentage    *float64 `json:"active_profit_percentage,omitempty"`
	ActiveLossPercentage      *float64 `json:"active_loss_percentage,omitempty"`
	ActiveDurationSeconds     *int     `json:"active_duration_seconds,omitempty"`
	TickIntervalSeconds       *int     `json:"tick_interval_seconds,omitempty"`
	PriceVolatilityPercentage *float64 `json:"price_volatility_percentage,omitempty"`
	UseRealPrices             *bool    `json:"use_real_prices,omitempty"`
}

// NewStore loads the canonical row and returns a store around it.
func NewStore(db *gorm.DB) (*Store, error) {
	var row models.TradingSettings
	if err := db.First(&row, models.SettingsID).Error; err != nil {
		return nil, fmt.Errorf("could not load trading settings: %w", err)
	}
	return &Store{db: db, current: row}, nil
}

// Snapshot returns a copy of the current settings. Callers needing
// several fields must take one snapshot, not several reads.
func (s *Store) Snapshot() models.TradingSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies a validated patch and persists it. Writers serialize on
// the store mutex.
func (s *Store) Update(patch Patch) (models.TradingSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	if patch.Enabled != nil {
		next.Enabled = *patch.Enabled
	}
	if patch.IdleProfitPercentage != nil {
		next.IdleProfitPercentage = *patch.IdleProfitPercentage
	}
	if patch.IdleDurationSeconds != nil {
		next.IdleDurationSeconds = *patch.IdleDurationSeconds
	}
	if patch.ActiveWinRatePercentage != nil {
		next.ActiveWinRatePercentage = *patch.ActiveWinRatePercentage
	}
	if patch.ActiveProfitPercentage != nil {
		next.ActiveProfitPercentage = *patch.ActiveProfitPercentage
	}
	if patch.ActiveLossPercentage != nil {
		next.ActiveLossPercentage = *patch.ActiveLossPercentage
	}
	if patch.ActiveDurationSeconds != nil {
		next.ActiveDurationSeconds = *patch.ActiveDurationSeconds
	}
	if patch.TickIntervalSeconds != nil {
		next.TickIntervalSeconds = *patch.TickIntervalSeconds
	}
	if patch.PriceVolatilityPercentage != nil {
		next.PriceVolatilityPercentage = *patch.PriceVolatilityPercentage
	}
	if patch.UseRealPrices != nil {
		next.UseRealPrices = *patch.UseRealPrices
	}

	if err := validate(&next); err != nil {
		return s.current, err
	}

	next.UpdatedAt = time.Now()
	if err := s.db.Save(&next).Error; err != nil {
		return s.current, fmt.Errorf("could not persist trading settings: %w", err)
	}

	s.current = next
	return next, nil
}

func validate(st *models.TradingSettings) error {
	if st.ActiveWinRatePercentage < 0 || st.ActiveWinRatePercentage > 100 {
		return fmt.Errorf("active_win_rate_percentage must be in [0,100], got %v", st.ActiveWinRatePercentage)
	}
	if st.IdleDurationSeconds <= 0 {
		return fmt.Errorf("idle_duration_seconds must be positive, got %d", st.IdleDurationSeconds)
	}
	if st.ActiveDurationSeconds <= 0 {
		return fmt.Errorf("active_duration_seconds must be positive, got %d", st.ActiveDurationSeconds)
	}
	if st.TickIntervalSeconds <= 0 {
		return fmt.Errorf("tick_interval_seconds must be positive, got %d", st.TickIntervalSeconds)
	}
	if st.IdleProfitPercentage < 0 || st.ActiveProfitPercentage < 0 || st.ActiveLossPercentage < 0 {
		return fmt.Errorf("percentages must be non-negative")
	}
	return nil
}
