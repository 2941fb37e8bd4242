package engine

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"crypto-sim-backend/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenRequest carries the validated inputs for opening a position.
type OpenRequest struct {
	UserID     string
	Symbol     string
	EntryPrice float64
	Amount     float64
	Leverage   int
}

// Registry is the authoritative store of positions and their
// predetermined outcomes. State transitions serialize on the registry
// mutex; the records themselves live in the database.
type Registry struct {
	db       *gorm.DB
	logger   *zap.Logger
	policy   *Policy
	activity *ActivityMonitor

	mu      sync.Mutex
	seedRng *rand.Rand
}

// NewRegistry creates a registry around the given policy.
func NewRegistry(db *gorm.DB, logger *zap.Logger, policy *Policy, activity *ActivityMonitor) *Registry {
	return &Registry{
		db:       db,
		logger:   logger,
		policy:   policy,
		activity: activity,
		seedRng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Open decides the outcome and creates the position in one step. The
// position only becomes visible once fully written; a failed create
// leaves no half-open state.
func (r *Registry) Open(req OpenRequest, now time.Time) (*models.Position, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Symbol) == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidInput)
	}
	if req.EntryPrice <= 0 {
		return nil, fmt.Errorf("%w: entry price must be positive", ErrInvalidInput)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if req.Leverage < 1 {
		return nil, fmt.Errorf("%w: leverage must be at least 1", ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	decision := r.policy.Select(now)
	seed := r.seedRng.Int63()

	pos := models.Position{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Symbol:          req.Symbol,
		EntryPrice:      req.EntryPrice,
		Amount:          req.Amount,
		Leverage:        req.Leverage,
		OpenedAt:        now,
		Status:          models.PositionStatusOpen,
		Outcome:         decision.Outcome,
		Percentage:      decision.Percentage,
		DurationSeconds: decision.DurationSeconds,
		TargetCloseTime: now.Add(time.Duration(decision.DurationSeconds) * time.Second),
		Seed:            seed,
	}

	if err := r.db.Create(&pos).Error; err != nil {
		return nil, fmt.Errorf("could not create position: %w", err)
	}

	r.activity.MarkOpened(now)

	r.logger.Info("Position opened",
		zap.String("position_id", pos.ID),
		zap.String("user_id", pos.UserID),
		zap.String("symbol", pos.Symbol),
		zap.String("outcome", string(pos.Outcome)),
		zap.Float64("percentage", pos.Percentage),
		zap.Time("target_close_time", pos.TargetCloseTime),
	)
	return &pos, nil
}

// Get looks up a position by id.
func (r *Registry) Get(id string) (*models.Position, error) {
	var pos models.Position
	if err := r.db.First(&pos, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("%w: position %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("could not load position: %w", err)
	}
	return &pos, nil
}

// OldestOpen returns the least-recently opened open position on the
// symbol, or nil when none exists. That position drives the symbol's
// simulated price.
func (r *Registry) OldestOpen(symbol string) (*models.Position, error) {
	var pos models.Position
	err := r.db.
		Where("symbol = ? AND status = ?", symbol, models.PositionStatusOpen).
		Order("opened_at asc").
		First(&pos).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not load oldest open position: %w", err)
	}
	return &pos, nil
}

// LatestOpen returns the user's most recent open position on the symbol,
// or nil when none exists. The sell path settles this one.
func (r *Registry) LatestOpen(userID, symbol string) (*models.Position, error) {
	var pos models.Position
	err := r.db.
		Where("user_id = ? AND symbol = ? AND status = ?", userID, symbol, models.PositionStatusOpen).
		Order("opened_at desc").
		First(&pos).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not load latest open position: %w", err)
	}
	return &pos, nil
}

// ListDue returns open positions whose target close time has elapsed.
// The snapshot may be immediately stale; Settle tolerates that.
func (r *Registry) ListDue(now time.Time) ([]models.Position, error) {
	var due []models.Position
	err := r.db.
		Where("status = ? AND target_close_time <= ?", models.PositionStatusOpen, now).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("could not list due positions: %w", err)
	}
	return due, nil
}

// ListOpen returns every open position with its predetermined outcome.
func (r *Registry) ListOpen() ([]models.Position, error) {
	var open []models.Position
	err := r.db.
		Where("status = ?", models.PositionStatusOpen).
		Order("opened_at asc").
		Find(&open).Error
	if err != nil {
		return nil, fmt.Errorf("could not list open positions: %w", err)
	}
	return open, nil
}

// Settle closes the position at the given exit price. Settling a
// position that is no longer open is a no-op returning success; at most
// one open→closed transition happens per position.
func (r *Registry) Settle(id string, exitPrice float64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pos models.Position
	if err := r.db.First(&pos, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("%w: position %s", ErrNotFound, id)
		}
		return fmt.Errorf("could not load position for settle: %w", err)
	}

	if pos.Status != models.PositionStatusOpen {
		return nil
	}

	updates := map[string]interface{}{
		"status":      models.PositionStatusClosed,
		"is_executed": true,
		"executed_at": now,
		"exit_price":  exitPrice,
	}
	err := r.db.Model(&models.Position{}).
		Where("id = ? AND status = ?", id, models.PositionStatusOpen).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("could not settle position %s: %w", id, err)
	}

	r.logger.Info("Position settled",
		zap.String("position_id", id),
		zap.Float64("exit_price", exitPrice),
	)
	return nil
}

// Cancel voids a position that has not executed yet. Cancelling a
// position that already left the open state is a no-op.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pos models.Position
	if err := r.db.First(&pos, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return fmt.Errorf("%w: position %s", ErrNotFound, id)
		}
		return fmt.Errorf("could not load position for cancel: %w", err)
	}

	if pos.Status != models.PositionStatusOpen || pos.IsExecuted {
		return nil
	}

	err := r.db.Model(&models.Position{}).
		Where("id = ? AND status = ?", id, models.PositionStatusOpen).
		Update("status", models.PositionStatusCancelled).Error
	if err != nil {
		return fmt.Errorf("could not cancel position %s: %w", id, err)
	}

	r.logger.Info("Position cancelled", zap.String("position_id", id))
	return nil
}
