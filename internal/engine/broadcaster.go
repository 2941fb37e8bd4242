package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"crypto-sim-backend/internal/candles"
	"crypto-sim-backend/internal/hub"
	"crypto-sim-backend/internal/market"
	"crypto-sim-backend/internal/models"
	"crypto-sim-backend/internal/settings"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TickPayload is the per-tick frame published under the symbol topic.
type TickPayload struct {
	Symbol          string              `json:"symbol"`
	Open            float64             `json:"open"`
	High            float64             `json:"high"`
	Low             float64             `json:"low"`
	Close           float64             `json:"close"`
	Volume          float64             `json:"volume"`
	CurrentPrice    float64             `json:"current_price"`
	ChangeFromEntry *float64            `json:"change_from_entry,omitempty"`
	Source          models.CandleSource `json:"source"`
	Timestamp       time.Time           `json:"timestamp"`
}

// Broadcaster runs one tick loop per symbol that currently has
// subscribers. Each tick computes the current price (active-trade path
// or default walk), appends a candle and publishes the update.
type Broadcaster struct {
	logger   *zap.Logger
	settings *settings.Store
	registry *Registry
	candles  *candles.Store
	hub      *hub.Hub
	provider market.PriceProvider
	db       *gorm.DB

	ctx context.Context
	wg  sync.WaitGroup

	mu    sync.Mutex
	loops map[string]struct{}

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewBroadcaster wires a broadcaster. provider may be nil when no real
// price source is configured.
func NewBroadcaster(
	logger *zap.Logger,
	store *settings.Store,
	registry *Registry,
	candleStore *candles.Store,
	h *hub.Hub,
	provider market.PriceProvider,
	db *gorm.DB,
) *Broadcaster {
	return &Broadcaster{
		logger:   logger,
		settings: store,
		registry: registry,
		candles:  candleStore,
		hub:      h,
		provider: provider,
		db:       db,
		loops:    make(map[string]struct{}),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start arms the broadcaster with its lifetime context. Symbol loops
// spawned afterwards exit when the context is cancelled.
func (b *Broadcaster) Start(ctx context.Context) {
	b.ctx = ctx
}

// Wait blocks until every symbol loop has exited.
func (b *Broadcaster) Wait() {
	b.wg.Wait()
}

// EnsureSymbol makes sure a tick loop is running for the symbol. Loops
// stop on their own once the symbol has no subscribers left.
func (b *Broadcaster) EnsureSymbol(symbol string) {
	if b.ctx == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, running := b.loops[symbol]; running {
		return
	}
	b.loops[symbol] = struct{}{}
	b.wg.Add(1)
	go b.loop(symbol)
}

func (b *Broadcaster) loop(symbol string) {
	defer b.wg.Done()

	b.logger.Info("Starting tick loop", zap.String("symbol", symbol))

	// The interval is re-read every iteration so admin edits take
	// effect at the next tick boundary.
	for {
		interval := time.Duration(b.settings.Snapshot().TickIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = time.Second
		}

		select {
		case <-b.ctx.Done():
			b.logger.Info("Stopping tick loop", zap.String("symbol", symbol))
			b.removeLoop(symbol)
			return
		case <-time.After(interval):
		}

		if b.stopIfIdle(symbol) {
			b.logger.Info("No subscribers left, stopping tick loop", zap.String("symbol", symbol))
			return
		}

		st := b.settings.Snapshot()
		if err := b.tick(symbol, &st, interval, time.Now()); err != nil {
			// One bad tick never kills the loop.
			b.logger.Error("Tick failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// stopIfIdle retires the symbol's loop registration when no subscribers
// remain. The subscriber check and the map removal share the lock
// EnsureSymbol takes, so a concurrent subscriber either finds the
// registration alive and rides the existing loop, or finds it gone and
// spawns a fresh one. Without that atomicity a subscriber arriving
// between the check and the removal would be left without any loop.
func (b *Broadcaster) stopIfIdle(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hub.SubscriberCount(symbol) > 0 {
		return false
	}
	delete(b.loops, symbol)
	return true
}

func (b *Broadcaster) removeLoop(symbol string) {
	b.mu.Lock()
	delete(b.loops, symbol)
	b.mu.Unlock()
}

// tick computes one candle for the symbol and publishes it.
func (b *Broadcaster) tick(symbol string, st *models.TradingSettings, interval time.Duration, now time.Time) error {
	pos, err := b.registry.OldestOpen(symbol)
	if err != nil {
		return err
	}

	var payload TickPayload
	if pos != nil {
		payload = b.simulatedTick(pos, interval, now)
	} else {
		payload, err = b.walkTick(symbol, st, now)
		if err != nil {
			return err
		}
	}

	if payload.Close <= 0 || payload.CurrentPrice <= 0 {
		// Simulator invariant violation; skip this tick and keep going.
		b.logger.Error("Computed non-positive price, skipping tick",
			zap.String("symbol", symbol),
			zap.Float64("close", payload.Close))
		return nil
	}

	candle := models.Candle{
		Symbol:    symbol,
		Timestamp: payload.Timestamp,
		Open:      payload.Open,
		High:      payload.High,
		Low:       payload.Low,
		Close:     payload.Close,
		Volume:    payload.Volume,
		Source:    payload.Source,
	}
	if err := b.candles.Append(&candle); err != nil {
		return err
	}

	b.hub.Publish(symbol, hub.Event{Type: "market_update", Topic: symbol, Payload: payload})
	return nil
}

// simulatedTick derives the candle from the oldest open position's
// seeded price path.
func (b *Broadcaster) simulatedTick(pos *models.Position, interval time.Duration, now time.Time) TickPayload {
	spec := PathFor(pos)

	elapsed := now.Sub(pos.OpenedAt)
	prev := elapsed - interval
	if prev < 0 {
		prev = 0
	}

	openPrice := spec.PriceAt(prev)
	closePrice := spec.PriceAt(elapsed)

	high, low, volume := b.fuzzCandle(openPrice, closePrice)

	change := (closePrice - pos.EntryPrice) / pos.EntryPrice * 100

	return TickPayload{
		Symbol:          pos.Symbol,
		Open:            openPrice,
		High:            high,
		Low:             low,
		Close:           closePrice,
		Volume:          volume,
		CurrentPrice:    closePrice,
		ChangeFromEntry: &change,
		Source:          models.CandleSourceSimulated,
		Timestamp:       now,
	}
}

// walkTick runs the default random walk, or substitutes the real
// upstream price when the feature flag is on and the provider is up.
func (b *Broadcaster) walkTick(symbol string, st *models.TradingSettings, now time.Time) (TickPayload, error) {
	openPrice, err := b.previousClose(symbol)
	if err != nil {
		return TickPayload{}, err
	}

	source := models.CandleSourceSimulated
	var closePrice float64

	if st.UseRealPrices && b.provider != nil && b.provider.IsAvailable() {
		if real, err := b.provider.GetCurrentPrice(b.ctx, symbol); err == nil && real > 0 {
			closePrice = real
			source = models.CandleSourceReal
		} else if err != nil {
			// Degrade silently to the walk; traders never see this.
			b.logger.Warn("Real price lookup failed, falling back to walk",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	if closePrice == 0 {
		v := st.PriceVolatilityPercentage / 100
		b.rngMu.Lock()
		delta := (b.rng.Float64()*2 - 1) * v
		b.rngMu.Unlock()
		closePrice = openPrice * (1 + delta)
	}

	high, low, volume := b.fuzzCandle(openPrice, closePrice)

	return TickPayload{
		Symbol:       symbol,
		Open:         openPrice,
		High:         high,
		Low:          low,
		Close:        closePrice,
		Volume:       volume,
		CurrentPrice: closePrice,
		Source:       source,
		Timestamp:    now,
	}, nil
}

// fuzzCandle widens open/close into a plausible high/low and draws a
// volume.
func (b *Broadcaster) fuzzCandle(openPrice, closePrice float64) (high, low, volume float64) {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	high = math.Max(openPrice, closePrice) * (1 + 0.02*b.rng.Float64())
	low = math.Min(openPrice, closePrice) * (1 - 0.02*b.rng.Float64())
	volume = 100_000 + b.rng.Float64()*400_000
	return high, low, volume
}

// previousClose anchors the walk: newest candle close, else the catalog
// base price.
func (b *Broadcaster) previousClose(symbol string) (float64, error) {
	last, ok, err := b.candles.LastClose(symbol)
	if err != nil {
		return 0, err
	}
	if ok && last > 0 {
		return last, nil
	}

	var entry models.Symbol
	if err := b.db.First(&entry, "symbol = ?", symbol).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, fmt.Errorf("%w: symbol %s", ErrNotFound, symbol)
		}
		return 0, fmt.Errorf("could not load symbol catalog entry: %w", err)
	}
	if entry.BasePrice <= 0 {
		return 0, fmt.Errorf("symbol %s has no base price", symbol)
	}
	return entry.BasePrice, nil
}

// CurrentPrice answers the HTTP current-price endpoint: the simulated
// path price when a position is active on the symbol, otherwise the
// latest known close.
func (b *Broadcaster) CurrentPrice(symbol string, now time.Time) (float64, error) {
	pos, err := b.registry.OldestOpen(symbol)
	if err != nil {
		return 0, err
	}
	if pos != nil {
		spec := PathFor(pos)
		return spec.PriceAt(now.Sub(pos.OpenedAt)), nil
	}
	return b.previousClose(symbol)
}
