package liquidation

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidPosition = errors.New("invalid position")

// Side is the direction of a leveraged position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

func (s Side) Valid() bool { return s == Long || s == Short }

// Position is an open leveraged trade watched by the Monitor.
// Collateral and Debt are in quote currency units (100 USDC = 100.0).
type Position struct {
	UserToken  string  `json:"userToken"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entryPrice"`
	Leverage   int     `json:"leverage"`
	Collateral float64 `json:"collateral"`
	Debt       float64 `json:"debt"` // notional = collateral * leverage
}

// NewPosition builds a Position and derives its notional debt.
func NewPosition(userToken, symbol string, side Side, entryPrice float64, leverage int, collateral float64) Position {
	if leverage < 1 {
		leverage = 1
	}
	return Position{
		UserToken:  userToken,
		Symbol:     symbol,
		Side:       side,
		EntryPrice: entryPrice,
		Leverage:   leverage,
		Collateral: collateral,
		Debt:       collateral * float64(leverage),
	}
}

// Validate reports whether p can be monitored.
func (p Position) Validate() error {
	switch {
	case p.UserToken == "":
		return fmt.Errorf("%w: user token required", ErrInvalidPosition)
	case p.Symbol == "":
		return fmt.Errorf("%w: symbol required", ErrInvalidPosition)
	case !p.Side.Valid():
		return fmt.Errorf("%w: side must be long or short, got %q", ErrInvalidPosition, p.Side)
	case !positiveFinite(p.EntryPrice):
		return fmt.Errorf("%w: entry price must be positive", ErrInvalidPosition)
	case p.Leverage < 1:
		return fmt.Errorf("%w: leverage must be at least 1", ErrInvalidPosition)
	case !positiveFinite(p.Collateral):
		return fmt.Errorf("%w: collateral must be positive", ErrInvalidPosition)
	}
	return nil
}

// positiveFinite is false for zero, negatives, NaN and ±Inf.
func positiveFinite(x float64) bool {
	return x > 0 && !math.IsInf(x, 1)
}
