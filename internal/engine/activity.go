package engine

import (
	"fmt"
	"sync"
	"time"

	"crypto-sim-backend/internal/models"
	"gorm.io/gorm"
)

// ActivityMonitor answers whether any user opened a position recently.
// It keeps the newest open timestamp in memory so the policy hot path
// never touches the database; the registry feeds it on every open.
// Cancelled positions still count: the user did act.
type ActivityMonitor struct {
	mu         sync.Mutex
	lastOpened time.Time
}

// NewActivityMonitor seeds the monitor from the newest position on
// record so a restart does not flip the engine back to idle mode.
func NewActivityMonitor(db *gorm.DB) (*ActivityMonitor, error) {
	m := &ActivityMonitor{}

	var latest models.Position
	err := db.Order("opened_at desc").First(&latest).Error
	if err == nil {
		m.lastOpened = latest.OpenedAt
	} else if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("could not seed activity monitor: %w", err)
	}

	return m, nil
}

// MarkOpened records an open. Older timestamps never rewind the monitor.
func (m *ActivityMonitor) MarkOpened(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.lastOpened) {
		m.lastOpened = t
	}
}

// IsActive reports whether a position opened within the window ending
// at now.
func (m *ActivityMonitor) IsActive(now time.Time, window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastOpened.IsZero() {
		return false
	}
	return !m.lastOpened.Before(now.Add(-window))
}
