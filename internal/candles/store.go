package candles

import (
	"fmt"
	"sync"

	"crypto-sim-backend/internal/models"
	"gorm.io/gorm"
)

// Store is the append-only OHLCV store. Appends for distinct
// (symbol, timestamp) do not conflict; retention trims old rows per
// symbol so chart history stays bounded.
type Store struct {
	db        *gorm.DB
	retention int

	mu sync.Mutex
}

// NewStore creates a candle store. retention <= 0 disables trimming.
func NewStore(db *gorm.DB, retention int) *Store {
	return &Store{db: db, retention: retention}
}

// Append persists one candle and trims rows beyond the retention bound.
func (s *Store) Append(c *models.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Create(c).Error; err != nil {
		return fmt.Errorf("could not append candle: %w", err)
	}

	if s.retention <= 0 {
		return nil
	}

	var count int64
	if err := s.db.Model(&models.Candle{}).Where("symbol = ?", c.Symbol).Count(&count).Error; err != nil {
		return nil
	}
	if count <= int64(s.retention) {
		return nil
	}

	// Delete the oldest rows over the bound.
	excess := count - int64(s.retention)
	var victims []models.Candle
	if err := s.db.
		Where("symbol = ?", c.Symbol).
		Order("timestamp asc").
		Limit(int(excess)).
		Find(&victims).Error; err != nil || len(victims) == 0 {
		return nil
	}
	ids := make([]uint, 0, len(victims))
	for _, v := range victims {
		ids = append(ids, v.ID)
	}
	s.db.Delete(&models.Candle{}, ids)
	return nil
}

// Recent returns up to limit candles for the symbol, oldest first.
func (s *Store) Recent(symbol string, limit int) ([]models.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.Candle
	err := s.db.
		Where("symbol = ?", symbol).
		Order("timestamp desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("could not load candles: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// LastClose returns the newest close for the symbol, if any.
func (s *Store) LastClose(symbol string) (float64, bool, error) {
	var row models.Candle
	err := s.db.
		Where("symbol = ?", symbol).
		Order("timestamp desc").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("could not load last close: %w", err)
	}
	return row.Close, true, nil
}
