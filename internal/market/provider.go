package market

import (
	"context"

	"crypto-sim-backend/internal/models"
)

// Stats24h summarizes one symbol's last 24 hours on the upstream market.
type Stats24h struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"last_price"`
	PriceChangePercent float64 `json:"price_change_percent"`
	HighPrice          float64 `json:"high_price"`
	LowPrice           float64 `json:"low_price"`
	Volume             float64 `json:"volume"`
}

// PriceProvider is the pluggable source of real market data. Callers
// must treat every method as fallible and fall back to simulated
// pricing; upstream trouble is never surfaced to traders.
type PriceProvider interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	Get24hStats(ctx context.Context, symbol string) (*Stats24h, error)
	GetHistorical(ctx context.Context, symbol string, days int, interval string) ([]models.Candle, error)
	IsAvailable() bool
}
