package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/liquidbook/pkg/app/core/liquidation"
	"github.com/uhyunpark/liquidbook/pkg/app/core/market"
	"github.com/uhyunpark/liquidbook/pkg/app/core/markprice"
	"github.com/uhyunpark/liquidbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/liquidbook/pkg/events"
	"github.com/uhyunpark/liquidbook/pkg/util"
)

var (
	ErrInvalidOrder  = errors.New("invalid order")
	ErrOrderNotFound = errors.New("order not found")
)

// Engine ties the order books, mark price table and liquidation monitor together.
// It is safe for concurrent use.
type Engine struct {
	books    *market.Registry
	prices   *markprice.Table
	monitor  *liquidation.Monitor
	notifier events.Notifier
	logger   *zap.SugaredLogger
	clock    util.Clock
	opts     Options

	wg sync.WaitGroup
}

// New builds an engine. settle is invoked for every forced liquidation;
// notifier and logger may be nil.
func New(opts Options, settle liquidation.SettleFunc, logger *zap.SugaredLogger, notifier events.Notifier) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if notifier == nil {
		notifier = events.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}

	e := &Engine{
		books:    market.NewRegistry(orderbook.WithClock(opts.Clock)),
		notifier: notifier,
		logger:   logger,
		clock:    opts.Clock,
		opts:     opts,
	}

	e.prices = markprice.NewTable(markprice.WithTickHook(e.onPriceTick))
	if err := e.prices.Seed(opts.SeedPrices); err != nil {
		logger.Warnw("seed_prices_rejected", "err", err)
	}

	e.monitor = liquidation.NewMonitor(e.prices, settle, logger,
		liquidation.WithInterval(opts.LiquidationInterval),
		liquidation.WithThreshold(opts.LiquidationThreshold),
		liquidation.WithOnLiquidated(e.onLiquidation),
	)
	return e
}

// Start launches the drift feed (unless disabled) and the liquidation loop.
// Both stop when ctx is cancelled; Wait blocks until they have.
func (e *Engine) Start(ctx context.Context) {
	if e.opts.DriftEnabled {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.prices.RunDrift(ctx, e.opts.DriftInterval)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitor.Run(ctx)
	}()

	e.logger.Infow("engine_started",
		"drift", e.opts.DriftEnabled,
		"drift_interval", e.opts.DriftInterval,
		"liquidation_interval", e.opts.LiquidationInterval,
	)
}

func (e *Engine) Wait() { e.wg.Wait() }

// PlaceOrder validates o, routes it to its symbol's book and returns the fills.
// On success o carries the assigned ID and its unfilled remainder.
func (e *Engine) PlaceOrder(o *orderbook.Order) ([]orderbook.Fill, error) {
	if err := validateOrder(o); err != nil {
		return nil, err
	}
	if o.Leverage < 1 {
		o.Leverage = 1
	}

	requested := o.Amount
	fills := e.books.Book(o.Symbol).AddOrder(o)

	if len(fills) > 0 {
		e.logger.Infow("order_filled",
			"symbol", o.Symbol,
			"side", o.Side,
			"order_id", o.ID,
			"amount", requested,
			"price", o.Price,
			"fills", len(fills),
			"remaining", o.Amount,
		)
	}

	ctx := context.Background()
	for _, f := range fills {
		e.notifier.Notify(ctx, events.Event{
			Kind:           events.KindFill,
			Symbol:         o.Symbol,
			UserToken:      f.BuyOrder.UserToken,
			CounterToken:   f.SellOrder.UserToken,
			OrderID:        f.BuyOrder.ID,
			CounterOrderID: f.SellOrder.ID,
			Price:          f.Price,
			Amount:         f.Amount,
			Message:        fmt.Sprintf("%s filled %.4f @ %.6f", o.Symbol, f.Amount, f.Price),
			Timestamp:      e.clock.Now(),
		})
	}
	return fills, nil
}

func validateOrder(o *orderbook.Order) error {
	switch {
	case o == nil:
		return fmt.Errorf("%w: missing order", ErrInvalidOrder)
	case o.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidOrder)
	case !o.Side.Valid():
		return fmt.Errorf("%w: side must be buy or sell, got %q", ErrInvalidOrder, o.Side)
	case !(o.Price > 0) || math.IsInf(o.Price, 0):
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	case !(o.Amount > 0) || math.IsInf(o.Amount, 0):
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	return nil
}

// CancelOrder removes a resting order from symbol's book.
func (e *Engine) CancelOrder(symbol, orderID string) error {
	book, ok := e.books.Lookup(symbol)
	if !ok || !book.CancelOrder(orderID) {
		return fmt.Errorf("%w: %s in %s book", ErrOrderNotFound, orderID, symbol)
	}
	e.logger.Infow("order_cancelled", "symbol", symbol, "order_id", orderID)
	return nil
}

// BookSnapshot returns up to depth resting orders per side. Unknown symbols
// yield empty sides without creating a book.
func (e *Engine) BookSnapshot(symbol string, depth int) (bids, asks []orderbook.Order) {
	book, ok := e.books.Lookup(symbol)
	if !ok {
		return []orderbook.Order{}, []orderbook.Order{}
	}
	return book.Snapshot(depth)
}

// BookDepth returns up to depth aggregated price levels per side.
func (e *Engine) BookDepth(symbol string, depth int) (bids, asks []orderbook.PriceLevel) {
	book, ok := e.books.Lookup(symbol)
	if !ok {
		return []orderbook.PriceLevel{}, []orderbook.PriceLevel{}
	}
	return book.Levels(depth)
}

// Symbols lists every symbol that has a book.
func (e *Engine) Symbols() []string { return e.books.Symbols() }

func (e *Engine) MarkPrice(symbol string) float64 { return e.prices.Get(symbol) }

func (e *Engine) AllPrices() map[string]float64 { return e.prices.All() }

// SetMarkPrice pushes an authoritative mark price, e.g. from an external feed.
func (e *Engine) SetMarkPrice(symbol string, price float64) error {
	if err := e.prices.Set(symbol, price); err != nil {
		return err
	}
	e.logger.Infow("mark_price_set", "symbol", symbol, "price", price)
	e.notifier.Notify(context.Background(), events.Event{
		Kind:      events.KindPriceUpdate,
		Symbol:    symbol,
		Price:     price,
		Timestamp: e.clock.Now(),
	})
	return nil
}

// AddPosition registers a position for liquidation monitoring.
func (e *Engine) AddPosition(p liquidation.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.monitor.AddPosition(p)
	e.logger.Infow("position_opened",
		"user", p.UserToken,
		"symbol", p.Symbol,
		"side", p.Side,
		"entry", p.EntryPrice,
		"leverage", p.Leverage,
		"collateral", p.Collateral,
	)
	return nil
}

func (e *Engine) RemovePosition(userToken string) bool {
	return e.monitor.RemovePosition(userToken)
}

func (e *Engine) GetPosition(userToken string) (liquidation.Position, bool) {
	return e.monitor.GetPosition(userToken)
}

func (e *Engine) Positions() []liquidation.Position { return e.monitor.Positions() }

// CheckLiquidations runs one liquidation pass immediately.
func (e *Engine) CheckLiquidations(ctx context.Context) int { return e.monitor.CheckAll(ctx) }

func (e *Engine) onLiquidation(ctx context.Context, out liquidation.Outcome) {
	p := out.Position
	ev := events.Event{
		Kind:      events.KindLiquidation,
		Symbol:    p.Symbol,
		UserToken: p.UserToken,
		Price:     out.Mark,
		PnL:       out.PnL,
		Timestamp: e.clock.Now(),
		Message: fmt.Sprintf("LIQUIDATED %s | symbol=%s side=%s entry=%.6f mark=%.6f loss=%.4f collateral=%.4f",
			p.UserToken, p.Symbol, p.Side, p.EntryPrice, out.Mark, out.Loss, p.Collateral),
	}
	if out.Err != nil {
		ev.Kind = events.KindSettleFailed
		ev.Message = fmt.Sprintf("settle error for %s: %v", p.UserToken, out.Err)
	}
	e.notifier.Notify(ctx, ev)
}

func (e *Engine) onPriceTick(prices map[string]float64) {
	now := e.clock.Now()
	ctx := context.Background()
	for sym, p := range prices {
		e.notifier.Notify(ctx, events.Event{
			Kind:      events.KindPriceUpdate,
			Symbol:    sym,
			Price:     p,
			Timestamp: now,
		})
	}
}
