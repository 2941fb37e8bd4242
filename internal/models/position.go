package models

import "time"

type PositionStatus string

const (
	PositionStatusOpen      PositionStatus = "open"
	PositionStatusClosed    PositionStatus = "closed"
	PositionStatusCancelled PositionStatus = "cancelled"
)

type OutcomeKind string

const (
	OutcomeWin     OutcomeKind = "win"
	OutcomeLoss    OutcomeKind = "loss"
	OutcomeNeutral OutcomeKind = "neutral"
)

// Position is an open or settled trade together with its predetermined
// outcome. The outcome fields are decided once at open time and frozen;
// once IsExecuted flips to true the record is final.
type Position struct {
	ID         string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID     string         `gorm:"index;not null" json:"user_id"`
	Symbol     string         `gorm:"index;not null" json:"symbol"`
	EntryPrice float64        `gorm:"not null" json:"entry_price"`
	Amount     float64        `gorm:"not null" json:"amount"`
	Leverage   int            `gorm:"not null;default:1" json:"leverage"`
	OpenedAt   time.Time      `gorm:"index;not null" json:"opened_at"`
	Status     PositionStatus `gorm:"index;not null;default:open" json:"status"`

	Outcome         OutcomeKind `gorm:"not null" json:"outcome"`
	Percentage      float64     `gorm:"not null" json:"percentage"`
	DurationSeconds int         `gorm:"not null" json:"duration_seconds"`
	TargetCloseTime time.Time   `gorm:"index;not null" json:"target_close_time"`
	IsExecuted      bool        `gorm:"index;not null;default:false" json:"is_executed"`
	ExecutedAt      *time.Time  `json:"executed_at,omitempty"`
	ExitPrice       float64     `json:"exit_price,omitempty"`

	// Seed reproduces the position's price path from any task.
	Seed int64 `gorm:"not null" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// TargetPrice is the price the position is guaranteed to settle at.
func (p *Position) TargetPrice() float64 {
	switch p.Outcome {
	case OutcomeWin:
		return p.EntryPrice * (1 + p.Percentage/100)
	case OutcomeLoss:
		return p.EntryPrice * (1 - p.Percentage/100)
	default:
		return p.EntryPrice
	}
}
