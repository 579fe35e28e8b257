package liquidation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultInterval = 5 * time.Second

// SettleFunc requests settlement of a position's PnL. pnl < 0 seizes funds from the user.
type SettleFunc func(ctx context.Context, userToken, symbol string, pnl float64) error

// PriceSource supplies mark prices. 0 means the price is not known yet.
type PriceSource interface {
	MarkPrice(symbol string) float64
}

// Outcome describes one liquidation attempt. Err is nil when settlement succeeded.
type Outcome struct {
	Position Position
	Mark     float64
	Loss     float64
	PnL      float64
	Err      error
}

type entry struct {
	pos Position
	gen uint64
}

// Monitor tracks open positions and force-settles any whose loss breaches the threshold.
type Monitor struct {
	mu        sync.RWMutex
	positions map[string]entry // userToken -> position
	nextGen   uint64

	prices    PriceSource
	settle    SettleFunc
	logger    *zap.SugaredLogger
	interval  time.Duration
	threshold decimal.Decimal
	onResult  func(context.Context, Outcome)
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithThreshold sets the collateral-loss fraction that triggers liquidation.
func WithThreshold(ratio float64) Option {
	return func(m *Monitor) {
		if ratio > 0 {
			m.threshold = decimal.NewFromFloat(ratio)
		}
	}
}

// WithOnLiquidated registers fn to be told about every liquidation attempt,
// successful or not. fn runs on the monitor goroutine with no lock held.
func WithOnLiquidated(fn func(context.Context, Outcome)) Option {
	return func(m *Monitor) { m.onResult = fn }
}

func NewMonitor(prices PriceSource, settle SettleFunc, logger *zap.SugaredLogger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	m := &Monitor{
		positions: make(map[string]entry),
		prices:    prices,
		settle:    settle,
		logger:    logger,
		interval:  DefaultInterval,
		threshold: DefaultThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddPosition starts tracking p, replacing any position held by the same user token.
func (m *Monitor) AddPosition(p Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGen++
	m.positions[p.UserToken] = entry{pos: p, gen: m.nextGen}
}

// RemovePosition stops tracking userToken. Returns false if nothing was tracked.
func (m *Monitor) RemovePosition(userToken string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[userToken]; !ok {
		return false
	}
	delete(m.positions, userToken)
	return true
}

// GetPosition returns a copy of the tracked position.
func (m *Monitor) GetPosition(userToken string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.positions[userToken]
	return e.pos, ok
}

// Positions returns copies of every tracked position sorted by user token.
func (m *Monitor) Positions() []Position {
	m.mu.RLock()
	out := make([]Position, 0, len(m.positions))
	for _, e := range m.positions {
		out = append(out, e.pos)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserToken < out[j].UserToken })
	return out
}

// Run checks all positions every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Infow("liquidation_monitor_started", "interval", m.interval, "threshold", m.threshold.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Infow("liquidation_monitor_stopped")
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll runs one evaluation pass and returns how many positions were liquidated.
// Settlement is called without holding the monitor lock; a failed settlement
// leaves the position tracked for the next pass.
func (m *Monitor) CheckAll(ctx context.Context) int {
	m.mu.RLock()
	snapshot := make([]entry, 0, len(m.positions))
	for _, e := range m.positions {
		snapshot = append(snapshot, e)
	}
	m.mu.RUnlock()

	liquidated := 0
	for _, e := range snapshot {
		if ctx.Err() != nil {
			break
		}
		if m.check(ctx, e) {
			liquidated++
		}
	}
	return liquidated
}

func (m *Monitor) check(ctx context.Context, e entry) bool {
	p := e.pos

	mark := m.prices.MarkPrice(p.Symbol)
	if !positiveFinite(mark) || !positiveFinite(p.EntryPrice) {
		return false
	}

	loss := UnrealizedLoss(p, mark)
	if !ShouldLiquidate(p, loss, m.threshold) {
		return false
	}

	lossF, _ := loss.Float64()
	pnl := -p.Collateral
	m.logger.Warnw("liquidation_triggered",
		"user", p.UserToken,
		"symbol", p.Symbol,
		"side", p.Side,
		"entry", p.EntryPrice,
		"mark", mark,
		"loss", lossF,
		"collateral", p.Collateral,
	)

	out := Outcome{Position: p, Mark: mark, Loss: lossF, PnL: pnl}
	if err := m.settle(ctx, p.UserToken, p.Symbol, pnl); err != nil {
		m.logger.Errorw("liquidation_settle_failed", "user", p.UserToken, "symbol", p.Symbol, "err", err)
		out.Err = err
		m.notify(ctx, out)
		return false
	}

	// a position re-registered while settlement was in flight is a new position
	m.mu.Lock()
	if cur, ok := m.positions[p.UserToken]; ok && cur.gen == e.gen {
		delete(m.positions, p.UserToken)
	}
	m.mu.Unlock()

	m.logger.Infow("position_liquidated", "user", p.UserToken, "symbol", p.Symbol, "pnl", pnl)
	m.notify(ctx, out)
	return true
}

func (m *Monitor) notify(ctx context.Context, out Outcome) {
	if m.onResult != nil {
		m.onResult(ctx, out)
	}
}
