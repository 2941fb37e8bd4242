package database

import (
	"fmt"

	"crypto-sim-backend/internal/config"
	"crypto-sim-backend/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase creates a new database connection, migrates the schema and
// seeds the canonical records.
func NewDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db, cfg); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates the schema and populates initial data. Unlike a
// throwaway bot run, settings and positions must survive restarts, so
// existing tables are kept.
func Migrate(db *gorm.DB, cfg *config.Config) error {
	if err := db.AutoMigrate(
		&models.TradingSettings{},
		&models.Position{},
		&models.Candle{},
		&models.Symbol{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	// Seed the single settings row with config defaults on first boot.
	settings := models.TradingSettings{
		ID:                        models.SettingsID,
		Enabled:                   true,
		IdleProfitPercentage:      cfg.Engine.IdleProfitPercentage,
		IdleDurationSeconds:       cfg.Engine.IdleDurationSeconds,
		ActiveWinRatePercentage:   cfg.Engine.ActiveWinRatePercentage,
		ActiveProfitPercentage:    cfg.Engine.ActiveProfitPercentage,
		ActiveLossPercentage:      cfg.Engine.ActiveLossPercentage,
		ActiveDurationSeconds:     cfg.Engine.ActiveDurationSeconds,
		ActivityWindowSeconds:     cfg.Engine.ActivityWindowSeconds,
		TickIntervalSeconds:       cfg.Engine.TickIntervalSeconds,
		PriceVolatilityPercentage: cfg.Engine.PriceVolatilityPercentage,
		UseRealPrices:             false,
	}
	if err := db.FirstOrCreate(&settings, models.TradingSettings{ID: models.SettingsID}).Error; err != nil {
		return fmt.Errorf("failed to seed trading settings: %w", err)
	}

	// Populate the symbol catalog from the config.
	for _, seed := range cfg.Engine.Symbols {
		symbol := models.Symbol{
			Symbol:    seed.Symbol,
			Name:      seed.Name,
			BasePrice: seed.BasePrice,
			Enabled:   true,
		}
		if err := db.FirstOrCreate(&symbol, models.Symbol{Symbol: seed.Symbol}).Error; err != nil {
			return fmt.Errorf("failed to populate symbol '%s': %w", seed.Symbol, err)
		}
	}

	return nil
}
