package markprice

import (
	"context"
	"time"
)

// MaxDrift bounds a single tick's relative move in either direction.
const MaxDrift = 0.005

const DefaultDriftInterval = time.Second

// RunDrift simulates a live feed: every interval each tracked price is
// multiplied by 1 + U(-MaxDrift, +MaxDrift). Blocks until ctx is done.
func (t *Table) RunDrift(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultDriftInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := t.Drift()
			if t.onTick != nil {
				t.onTick(snapshot)
			}
		}
	}
}

// Drift applies one drift step to every price and returns the new prices.
func (t *Table) Drift() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sym, price := range t.prices {
		drift := (t.rng.Float64()*2 - 1) * MaxDrift
		t.prices[sym] = price * (1 + drift)
	}
	return t.copyLocked()
}
