package models

import "time"

type CandleSource string

const (
	CandleSourceSimulated CandleSource = "simulated"
	CandleSourceReal      CandleSource = "real"
	CandleSourceHybrid    CandleSource = "hybrid"
)

// Candle is one OHLCV record. The store is append-only, ordered by
// (symbol, timestamp).
type Candle struct {
	ID        uint         `gorm:"primaryKey" json:"-"`
	Symbol    string       `gorm:"index:idx_candle_symbol_ts;not null" json:"symbol"`
	Timestamp time.Time    `gorm:"index:idx_candle_symbol_ts;not null" json:"timestamp"`
	Open      float64      `gorm:"not null" json:"open"`
	High      float64      `gorm:"not null" json:"high"`
	Low       float64      `gorm:"not null" json:"low"`
	Close     float64      `gorm:"not null" json:"close"`
	Volume    float64      `gorm:"not null" json:"volume"`
	Source    CandleSource `gorm:"not null;default:simulated" json:"source"`
}

func (Candle) TableName() string {
	return "candles"
}
