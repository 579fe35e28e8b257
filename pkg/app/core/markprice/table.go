package markprice

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

var ErrInvalidPrice = errors.New("invalid mark price")

// Table holds the latest mark price per symbol. A price of 0 means unknown.
// Drift ticks and external updates race freely; the last write wins.
type Table struct {
	mu     sync.RWMutex
	prices map[string]float64 // symbol -> mark price

	rng    *rand.Rand // guarded by mu
	onTick func(map[string]float64)
}

// Option configures a Table.
type Option func(*Table)

// WithRand replaces the random source used by the drift feed.
func WithRand(r *rand.Rand) Option {
	return func(t *Table) { t.rng = r }
}

// WithTickHook registers fn to receive a copy of all prices after every drift tick.
func WithTickHook(fn func(map[string]float64)) Option {
	return func(t *Table) { t.onTick = fn }
}

func NewTable(opts ...Option) *Table {
	t := &Table{
		prices: make(map[string]float64),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get returns the mark price for symbol, or 0 if it has never been set.
func (t *Table) Get(symbol string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.prices[symbol]
}

// MarkPrice is Get under the name the liquidation monitor expects.
func (t *Table) MarkPrice(symbol string) float64 {
	return t.Get(symbol)
}

// Set stores price for symbol. Zero is allowed and marks the symbol unknown.
func (t *Table) Set(symbol string, price float64) error {
	if err := validate(price); err != nil {
		return fmt.Errorf("%s: %w", symbol, err)
	}
	t.mu.Lock()
	t.prices[symbol] = price
	t.mu.Unlock()
	return nil
}

// Seed sets several prices at once. Invalid entries are rejected as a whole.
func (t *Table) Seed(prices map[string]float64) error {
	for sym, p := range prices {
		if err := validate(p); err != nil {
			return fmt.Errorf("seed %s: %w", sym, err)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for sym, p := range prices {
		t.prices[sym] = p
	}
	return nil
}

// All returns a point-in-time copy of every tracked price.
func (t *Table) All() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.copyLocked()
}

func (t *Table) copyLocked() map[string]float64 {
	out := make(map[string]float64, len(t.prices))
	for k, v := range t.prices {
		out[k] = v
	}
	return out
}

func validate(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	return nil
}
