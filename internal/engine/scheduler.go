package engine

import (
	"context"
	"time"

	"crypto-sim-backend/internal/hub"
	"crypto-sim-backend/internal/models"
	"go.uber.org/zap"
)

// ClosedPayload is published on the symbol and user topics when a
// position settles.
type ClosedPayload struct {
	PositionID string             `json:"position_id"`
	UserID     string             `json:"user_id"`
	Symbol     string             `json:"symbol"`
	Outcome    models.OutcomeKind `json:"outcome"`
	EntryPrice float64            `json:"entry_price"`
	ExitPrice  float64            `json:"exit_price"`
	Percentage float64            `json:"percentage"`
	ClosedAt   time.Time          `json:"closed_at"`
}

// Scheduler drives positions to their predetermined close: every period
// it settles whatever has become due at the target exit price and fans
// the close events out.
type Scheduler struct {
	logger   *zap.Logger
	registry *Registry
	hub      *hub.Hub
	period   time.Duration
}

// NewScheduler creates a close scheduler. Period is clamped to 1s at
// most so positions never overshoot their close time by much.
func NewScheduler(logger *zap.Logger, registry *Registry, h *hub.Hub, period time.Duration) *Scheduler {
	if period <= 0 || period > time.Second {
		period = time.Second
	}
	return &Scheduler{logger: logger, registry: registry, hub: h, period: period}
}

// Run loops until the context is cancelled. The in-flight sweep finishes
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.logger.Info("Starting close scheduler", zap.Duration("period", s.period))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping close scheduler")
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep settles everything due. A failure on one position never aborts
// the rest; transient failures retry on the next wake.
func (s *Scheduler) sweep(now time.Time) {
	due, err := s.registry.ListDue(now)
	if err != nil {
		s.logger.Error("Failed to list due positions", zap.Error(err))
		return
	}

	for i := range due {
		pos := due[i]
		exitPrice := pos.TargetPrice()

		if err := s.registry.Settle(pos.ID, exitPrice, now); err != nil {
			s.logger.Error("Failed to settle position",
				zap.String("position_id", pos.ID),
				zap.Error(err))
			continue
		}

		s.publishClose(&pos, exitPrice, now)
	}
}

func (s *Scheduler) publishClose(pos *models.Position, exitPrice float64, now time.Time) {
	payload := ClosedPayload{
		PositionID: pos.ID,
		UserID:     pos.UserID,
		Symbol:     pos.Symbol,
		Outcome:    pos.Outcome,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Percentage: pos.Percentage,
		ClosedAt:   now,
	}
	s.hub.Publish(pos.Symbol, hub.Event{Type: "position_closed", Topic: pos.Symbol, Payload: payload})
	userTopic := "user:" + pos.UserID
	s.hub.Publish(userTopic, hub.Event{Type: "position_closed", Topic: userTopic, Payload: payload})
}
