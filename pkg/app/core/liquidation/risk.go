package liquidation

import "github.com/shopspring/decimal"

// DefaultThreshold is the fraction of collateral that, once lost, forces liquidation.
var DefaultThreshold = decimal.RequireFromString("0.90")

// UnrealizedLoss returns the position's loss at mark, never negative.
// Non-finite or non-positive inputs yield zero.
//
//	long:  (entry - mark) / entry * leverage * collateral   when mark < entry
//	short: (mark - entry) / entry * leverage * collateral   when mark > entry
func UnrealizedLoss(p Position, mark float64) decimal.Decimal {
	if !positiveFinite(mark) || !positiveFinite(p.EntryPrice) || !positiveFinite(p.Collateral) {
		return decimal.Zero
	}

	entry := decimal.NewFromFloat(p.EntryPrice)
	m := decimal.NewFromFloat(mark)

	var move decimal.Decimal
	switch p.Side {
	case Long:
		if !m.LessThan(entry) {
			return decimal.Zero
		}
		move = entry.Sub(m)
	case Short:
		if !m.GreaterThan(entry) {
			return decimal.Zero
		}
		move = m.Sub(entry)
	default:
		return decimal.Zero
	}

	return move.Div(entry).
		Mul(decimal.NewFromInt(int64(p.Leverage))).
		Mul(decimal.NewFromFloat(p.Collateral))
}

// ShouldLiquidate reports whether loss has reached threshold * collateral.
func ShouldLiquidate(p Position, loss, threshold decimal.Decimal) bool {
	if !positiveFinite(p.Collateral) {
		return false
	}
	limit := threshold.Mul(decimal.NewFromFloat(p.Collateral))
	return loss.GreaterThanOrEqual(limit)
}
