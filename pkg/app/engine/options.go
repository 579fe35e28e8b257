package engine

import (
	"time"

	"github.com/uhyunpark/liquidbook/pkg/app/core/liquidation"
	"github.com/uhyunpark/liquidbook/pkg/app/core/markprice"
	"github.com/uhyunpark/liquidbook/pkg/util"
)

// Options tunes the engine's background loops and initial state.
type Options struct {
	DriftEnabled         bool
	DriftInterval        time.Duration
	LiquidationInterval  time.Duration
	LiquidationThreshold float64            // fraction of collateral lost before liquidation
	SeedPrices           map[string]float64 // symbol -> initial mark price
	Clock                util.Clock
}

// DefaultOptions returns the settings the service runs with out of the box.
func DefaultOptions() Options {
	threshold, _ := liquidation.DefaultThreshold.Float64()
	return Options{
		DriftEnabled:         true,
		DriftInterval:        markprice.DefaultDriftInterval,
		LiquidationInterval:  liquidation.DefaultInterval,
		LiquidationThreshold: threshold,
		SeedPrices: map[string]float64{
			"XLM/USDC": 0.10,
		},
		Clock: util.RealClock{},
	}
}
