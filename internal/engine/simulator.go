package engine

import (
	"math"
	"math/rand"
	"time"

	"crypto-sim-backend/internal/models"
)

const (
	// maxVolatility is the noise envelope at progress 0; it shrinks
	// linearly to zero at the close.
	maxVolatility = 0.05

	// biasFactor scales the suspense skew applied against the eventual
	// outcome while progress < suspenseCutoff.
	biasFactor     = 0.03
	suspenseCutoff = 0.7

	// convergenceStart opens the tail in which prices snap toward the
	// target; snapFactor makes the snap exact at progress 1.
	convergenceStart = 0.95
	snapFactor       = 20

	// priceFloorRatio keeps simulated prices strictly positive.
	priceFloorRatio = 0.01
)

// PathSpec is the seeded, pure description of one position's price path.
// The same spec and elapsed time always yield the same price, so any
// task can reproduce the path without shared state.
type PathSpec struct {
	Entry      float64
	Outcome    models.OutcomeKind
	Percentage float64
	Duration   time.Duration
	Seed       int64
}

// PathFor builds the path spec for a stored position.
func PathFor(pos *models.Position) PathSpec {
	return PathSpec{
		Entry:      pos.EntryPrice,
		Outcome:    pos.Outcome,
		Percentage: pos.Percentage,
		Duration:   time.Duration(pos.DurationSeconds) * time.Second,
		Seed:       pos.Seed,
	}
}

// Target is the price the path converges to.
func (s PathSpec) Target() float64 {
	switch s.Outcome {
	case models.OutcomeWin:
		return s.Entry * (1 + s.Percentage/100)
	case models.OutcomeLoss:
		return s.Entry * (1 - s.Percentage/100)
	default:
		return s.Entry
	}
}

// PriceAt returns the simulated price after elapsed time.
func (s PathSpec) PriceAt(elapsed time.Duration) float64 {
	if s.Duration <= 0 {
		return s.Target()
	}
	p := float64(elapsed) / float64(s.Duration)
	return s.PriceAtProgress(p)
}

// PriceAtProgress returns the simulated price at progress p ∈ [0,1].
func (s PathSpec) PriceAtProgress(p float64) float64 {
	if p < 0 {
		p = 0
	}
	if p >= 1 {
		return s.Target()
	}

	entry, target := s.Entry, s.Target()
	base := entry + (target-entry)*p

	v := (1 - p) * maxVolatility
	b := biasFactor * (1 - p)

	// Skew noise against the predetermined outcome while the trade is
	// young: a doomed position gets false hope, a winning one gets a
	// drawdown first.
	var lo, hi float64
	switch {
	case s.Outcome == models.OutcomeLoss && p < suspenseCutoff:
		lo, hi = -v, v+b
	case s.Outcome == models.OutcomeWin && p < suspenseCutoff:
		lo, hi = -v-b, v
	default:
		lo, hi = -v/2, v/2
	}

	rng := s.rng(p, 0)
	n := lo + rng.Float64()*(hi-lo)
	price := base * (1 + n)

	if p >= convergenceStart {
		price = target + (price-target)*(1-p)*snapFactor
	}

	if floor := entry * priceFloorRatio; price < floor {
		price = floor
	}
	return price
}

// Candles renders the whole path as OHLCV candles of the given interval,
// starting at start. The final candle closes exactly at the target.
func (s PathSpec) Candles(start time.Time, interval time.Duration) []models.Candle {
	target := s.Target()

	if s.Duration <= 0 || interval <= 0 {
		return []models.Candle{{
			Timestamp: start,
			Open:      s.Entry,
			High:      s.Entry,
			Low:       s.Entry,
			Close:     s.Entry,
			Volume:    0,
			Source:    models.CandleSourceSimulated,
		}}
	}

	count := int(s.Duration / interval)
	if count == 0 {
		count = 1
	}

	out := make([]models.Candle, 0, count)
	for i := 0; i < count; i++ {
		ps := float64(i) * float64(interval) / float64(s.Duration)
		pe := float64(i+1) * float64(interval) / float64(s.Duration)

		open := s.PriceAtProgress(ps)
		close := s.PriceAtProgress(pe)
		if i == count-1 {
			close = target
		}

		rng := s.rng(ps, 1)
		high := math.Max(open, close) * (1 + 0.02*rng.Float64())
		low := math.Min(open, close) * (1 - 0.02*rng.Float64())
		volume := 100_000 + rng.Float64()*400_000

		out = append(out, models.Candle{
			Timestamp: start.Add(time.Duration(i) * interval),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    volume,
			Source:    models.CandleSourceSimulated,
		})
	}
	return out
}

// rng derives a deterministic source for one progress step. The salt
// separates the noise stream from the intra-candle stream.
func (s PathSpec) rng(p float64, salt uint64) *rand.Rand {
	step := uint64(math.Round(p * 1e6))
	h := (uint64(s.Seed) + step + salt<<32) * 0x9E3779B97F4A7C15
	h ^= h >> 33
	h *= 0xC2B2AE3D27D4EB4F
	h ^= h >> 29
	return rand.New(rand.NewSource(int64(h)))
}
