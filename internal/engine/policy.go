package engine

import (
	"math/rand"
	"sync"
	"time"

	"crypto-sim-backend/internal/models"
	"crypto-sim-backend/internal/settings"
)

// Mode is the regime the outcome policy operates under. Idle means no
// user opened a position within the activity window.
type Mode string

const (
	ModeIdle   Mode = "idle"
	ModeActive Mode = "active"
)

// Decision is a predetermined trade resolution: the tag, the magnitude
// and how long the position lives before settling at the target.
type Decision struct {
	Outcome         models.OutcomeKind `json:"outcome"`
	Percentage      float64            `json:"percentage"`
	DurationSeconds int                `json:"duration_seconds"`
}

// neutralTicks sizes the pass-through duration when the engine is
// disabled: a handful of ticks, long enough for the UI to show a trade.
const neutralTicks = 5

// Policy decides each new position's outcome at open time. The decision
// is taken exactly once and frozen into the position record.
type Policy struct {
	settings *settings.Store
	activity *ActivityMonitor

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy creates a policy. A nil rng gets a time-seeded source; tests
// inject a fixed one to replay outcomes.
func NewPolicy(store *settings.Store, activity *ActivityMonitor, rng *rand.Rand) *Policy {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Policy{settings: store, activity: activity, rng: rng}
}

// Mode reports the current regime.
func (p *Policy) Mode(now time.Time) Mode {
	st := p.settings.Snapshot()
	window := time.Duration(st.ActivityWindowSeconds) * time.Second
	if p.activity.IsActive(now, window) {
		return ModeActive
	}
	return ModeIdle
}

// Select runs the decision table against one settings snapshot.
func (p *Policy) Select(now time.Time) Decision {
	st := p.settings.Snapshot()

	if !st.Enabled {
		return Decision{
			Outcome:         models.OutcomeNeutral,
			Percentage:      0,
			DurationSeconds: st.TickIntervalSeconds * neutralTicks,
		}
	}

	window := time.Duration(st.ActivityWindowSeconds) * time.Second
	if !p.activity.IsActive(now, window) {
		// Idle mode is deterministic: first trade after a quiet spell
		// always wins.
		return Decision{
			Outcome:         models.OutcomeWin,
			Percentage:      st.IdleProfitPercentage,
			DurationSeconds: st.IdleDurationSeconds,
		}
	}

	p.mu.Lock()
	r := p.rng.Float64() * 100
	p.mu.Unlock()

	if r < st.ActiveWinRatePercentage {
		return Decision{
			Outcome:         models.OutcomeWin,
			Percentage:      st.ActiveProfitPercentage,
			DurationSeconds: st.ActiveDurationSeconds,
		}
	}
	return Decision{
		Outcome:         models.OutcomeLoss,
		Percentage:      st.ActiveLossPercentage,
		DurationSeconds: st.ActiveDurationSeconds,
	}
}

// ModeStatus is the admin view of what the policy would hand out right
// now. For active mode it reports the likelier branch of the draw.
type ModeStatus struct {
	Mode              Mode               `json:"mode"`
	CurrentOutcome    models.OutcomeKind `json:"current_outcome"`
	CurrentPercentage float64            `json:"current_percentage"`
	CurrentDuration   int                `json:"current_duration"`
}

// Describe derives the mode status without consuming randomness. Mode
// and parameters come from the same settings snapshot, so a concurrent
// admin edit never produces a mixed view.
func (p *Policy) Describe(now time.Time) ModeStatus {
	st := p.settings.Snapshot()

	window := time.Duration(st.ActivityWindowSeconds) * time.Second
	mode := ModeIdle
	if p.activity.IsActive(now, window) {
		mode = ModeActive
	}

	if !st.Enabled {
		return ModeStatus{
			Mode:            mode,
			CurrentOutcome:  models.OutcomeNeutral,
			CurrentDuration: st.TickIntervalSeconds * neutralTicks,
		}
	}

	if mode == ModeIdle {
		return ModeStatus{
			Mode:              ModeIdle,
			CurrentOutcome:    models.OutcomeWin,
			CurrentPercentage: st.IdleProfitPercentage,
			CurrentDuration:   st.IdleDurationSeconds,
		}
	}

	status := ModeStatus{
		Mode:            ModeActive,
		CurrentDuration: st.ActiveDurationSeconds,
	}
	if st.ActiveWinRatePercentage >= 50 {
		status.CurrentOutcome = models.OutcomeWin
		status.CurrentPercentage = st.ActiveProfitPercentage
	} else {
		status.CurrentOutcome = models.OutcomeLoss
		status.CurrentPercentage = st.ActiveLossPercentage
	}
	return status
}
