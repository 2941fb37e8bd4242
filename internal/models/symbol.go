package models

// Symbol is one entry of the tradable-symbol catalog. BasePrice anchors
// the default walk when no candle history exists yet.
type Symbol struct {
	ID        uint    `gorm:"primaryKey" json:"-"`
	Symbol    string  `gorm:"uniqueIndex;not null" json:"symbol"`
	Name      string  `json:"name"`
	BasePrice float64 `gorm:"not null" json:"base_price"`
	Enabled   bool    `gorm:"not null;default:true" json:"enabled"`
}

func (Symbol) TableName() string {
	return "symbols"
}
