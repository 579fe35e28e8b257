package events

import (
	"context"
	"time"
)

type Kind string

const (
	KindFill         Kind = "fill"
	KindLiquidation  Kind = "liquidation"
	KindSettleFailed Kind = "settle_failed"
	KindPriceUpdate  Kind = "price_update"
)

// Event is a notification about something the engine did.
// For fills UserToken/OrderID are the buy side and CounterToken/CounterOrderID the sell side.
type Event struct {
	Kind           Kind      `json:"kind"`
	Symbol         string    `json:"symbol,omitempty"`
	UserToken      string    `json:"userToken,omitempty"`
	CounterToken   string    `json:"counterToken,omitempty"`
	OrderID        string    `json:"orderId,omitempty"`
	CounterOrderID string    `json:"counterOrderId,omitempty"`
	Price          float64   `json:"price,omitempty"`
	Amount         float64   `json:"amount,omitempty"`
	PnL            float64   `json:"pnl,omitempty"`
	Message        string    `json:"message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Notifier receives engine events. Implementations must not block the caller
// for long; the engine calls Notify from its own goroutines.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi fans an event out to every notifier in order. Nil entries are skipped.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}
