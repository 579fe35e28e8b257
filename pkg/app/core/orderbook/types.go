package orderbook

import "time"

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is one of Buy or Sell.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Order is a single limit order. Once handed to a book it is owned by that book;
// only the matching loop changes Amount.
type Order struct {
	ID        string
	UserToken string  // opaque session token of the owner
	Symbol    string  // e.g. "XLM/USDC"
	Side      Side
	Price     float64 // quote units per 1 base unit
	Amount    float64 // remaining base amount
	Leverage  int     // 1 = spot
	Seq       uint64  // per-book arrival sequence, FIFO tie-break at equal price
	EntryAt   time.Time
}

// Fill records one match. BuyOrder and SellOrder are copies taken before the
// matched amount was subtracted.
type Fill struct {
	BuyOrder  Order
	SellOrder Order
	Price     float64
	Amount    float64
}

// PriceLevel aggregates every resting order at one price.
type PriceLevel struct {
	Price  float64
	Amount float64 // total remaining amount at this price
	Orders int
}
