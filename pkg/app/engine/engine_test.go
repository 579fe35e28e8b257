package engine

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/liquidbook/pkg/app/core/liquidation"
	"github.com/uhyunpark/liquidbook/pkg/app/core/markprice"
	"github.com/uhyunpark/liquidbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/liquidbook/pkg/events"
)

type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func (l *eventLog) Notify(_ context.Context, ev events.Event) {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofKind(k events.Kind) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.evs {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func noSettle(context.Context, string, string, float64) error { return nil }

func testOptions() Options {
	opts := DefaultOptions()
	opts.DriftEnabled = false
	return opts
}

func TestPlaceOrder_PartialFill(t *testing.T) {
	log := &eventLog{}
	e := New(testOptions(), noSettle, nil, log)

	fills, err := e.PlaceOrder(&orderbook.Order{UserToken: "seller", Symbol: "XLM/USDC", Side: orderbook.Sell, Price: 0.10, Amount: 100})
	require.NoError(t, err)
	assert.Empty(t, fills)

	buy := &orderbook.Order{UserToken: "buyer", Symbol: "XLM/USDC", Side: orderbook.Buy, Price: 0.12, Amount: 50}
	fills, err = e.PlaceOrder(buy)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, 0.10, fills[0].Price)
	assert.Equal(t, 50.0, fills[0].Amount)
	assert.NotEmpty(t, buy.ID)
	assert.Equal(t, 1, buy.Leverage, "leverage below 1 is normalised")

	bids, asks := e.BookSnapshot("XLM/USDC", 10)
	assert.Empty(t, bids)
	require.Len(t, asks, 1)
	assert.Equal(t, 50.0, asks[0].Amount)

	fillEvents := log.ofKind(events.KindFill)
	require.Len(t, fillEvents, 1)
	assert.Equal(t, "buyer", fillEvents[0].UserToken)
	assert.Equal(t, "seller", fillEvents[0].CounterToken)
	assert.Equal(t, buy.ID, fillEvents[0].OrderID)
	assert.Equal(t, asks[0].ID, fillEvents[0].CounterOrderID)
}

func TestPlaceOrder_Validation(t *testing.T) {
	valid := func() *orderbook.Order {
		return &orderbook.Order{UserToken: "u", Symbol: "XLM/USDC", Side: orderbook.Buy, Price: 0.1, Amount: 1}
	}

	tests := []struct {
		name   string
		mutate func(*orderbook.Order)
	}{
		{"zero amount", func(o *orderbook.Order) { o.Amount = 0 }},
		{"negative amount", func(o *orderbook.Order) { o.Amount = -1 }},
		{"zero price", func(o *orderbook.Order) { o.Price = 0 }},
		{"empty symbol", func(o *orderbook.Order) { o.Symbol = "" }},
		{"bad side", func(o *orderbook.Order) { o.Side = "hold" }},
		{"NaN price", func(o *orderbook.Order) { o.Price = math.NaN() }},
		{"Inf price", func(o *orderbook.Order) { o.Price = math.Inf(1) }},
		{"NaN amount", func(o *orderbook.Order) { o.Amount = math.NaN() }},
		{"Inf amount", func(o *orderbook.Order) { o.Amount = math.Inf(1) }},
		{"negative Inf amount", func(o *orderbook.Order) { o.Amount = math.Inf(-1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &eventLog{}
			e := New(testOptions(), noSettle, nil, log)

			o := valid()
			tt.mutate(o)
			fills, err := e.PlaceOrder(o)
			require.ErrorIs(t, err, ErrInvalidOrder)
			assert.Nil(t, fills)
			assert.Empty(t, o.ID)
			assert.Empty(t, e.Symbols(), "rejected order must not reach a book")

			// the next accepted order still gets the first sequence number
			ok := valid()
			_, err = e.PlaceOrder(ok)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), ok.Seq)
		})
	}

	e := New(testOptions(), noSettle, nil, nil)
	_, err := e.PlaceOrder(nil)
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestCancelOrder_NotFound(t *testing.T) {
	e := New(testOptions(), noSettle, nil, nil)

	o := &orderbook.Order{UserToken: "u", Symbol: "XLM/USDC", Side: orderbook.Buy, Price: 0.1, Amount: 1}
	_, err := e.PlaceOrder(o)
	require.NoError(t, err)

	beforeBids, beforeAsks := e.BookSnapshot("XLM/USDC", 10)
	err = e.CancelOrder("XLM/USDC", "nonexistent")
	require.ErrorIs(t, err, ErrOrderNotFound)
	afterBids, afterAsks := e.BookSnapshot("XLM/USDC", 10)
	assert.Equal(t, beforeBids, afterBids)
	assert.Equal(t, beforeAsks, afterAsks)

	assert.ErrorIs(t, e.CancelOrder("ETH/USDC", o.ID), ErrOrderNotFound)
	assert.NotContains(t, e.Symbols(), "ETH/USDC")

	require.NoError(t, e.CancelOrder("XLM/USDC", o.ID))
	bids, _ := e.BookSnapshot("XLM/USDC", 10)
	assert.Empty(t, bids)
}

func TestBookDepth(t *testing.T) {
	e := New(testOptions(), noSettle, nil, nil)
	for _, amt := range []float64{1, 2, 3} {
		_, err := e.PlaceOrder(&orderbook.Order{UserToken: "u", Symbol: "XLM/USDC", Side: orderbook.Buy, Price: 0.09, Amount: amt})
		require.NoError(t, err)
	}

	bids, asks := e.BookDepth("XLM/USDC", 10)
	require.Len(t, bids, 1)
	assert.Equal(t, orderbook.PriceLevel{Price: 0.09, Amount: 6, Orders: 3}, bids[0])
	assert.Empty(t, asks)

	bids, asks = e.BookDepth("NOPE/USDC", 10)
	assert.Empty(t, bids)
	assert.Empty(t, asks)
}

func TestMarkPrices(t *testing.T) {
	log := &eventLog{}
	e := New(testOptions(), noSettle, nil, log)

	assert.Equal(t, 0.10, e.MarkPrice("XLM/USDC"), "seeded default")
	assert.Equal(t, 0.0, e.MarkPrice("ETH/USDC"))

	require.NoError(t, e.SetMarkPrice("ETH/USDC", 3000))
	assert.Equal(t, map[string]float64{"XLM/USDC": 0.10, "ETH/USDC": 3000}, e.AllPrices())

	assert.ErrorIs(t, e.SetMarkPrice("ETH/USDC", -1), markprice.ErrInvalidPrice)
	assert.Equal(t, 3000.0, e.MarkPrice("ETH/USDC"))

	updates := log.ofKind(events.KindPriceUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "ETH/USDC", updates[0].Symbol)
}

func TestAddPosition_Validates(t *testing.T) {
	e := New(testOptions(), noSettle, nil, nil)

	err := e.AddPosition(liquidation.Position{UserToken: "u", Symbol: "XLM/USDC", Side: "sideways"})
	assert.ErrorIs(t, err, liquidation.ErrInvalidPosition)

	p := liquidation.NewPosition("u", "XLM/USDC", liquidation.Long, 0.1, 10, 100)
	require.NoError(t, e.AddPosition(p))

	got, ok := e.GetPosition("u")
	require.True(t, ok)
	assert.Equal(t, p, got)
	assert.Len(t, e.Positions(), 1)

	assert.True(t, e.RemovePosition("u"))
	assert.False(t, e.RemovePosition("u"))
}

func TestAddPosition_RejectsNonFinite(t *testing.T) {
	e := New(testOptions(), noSettle, nil, nil)

	bad := []liquidation.Position{
		liquidation.NewPosition("nan-coll", "XLM/USDC", liquidation.Long, 0.10, 10, math.NaN()),
		liquidation.NewPosition("inf-coll", "XLM/USDC", liquidation.Long, 0.10, 10, math.Inf(1)),
		liquidation.NewPosition("nan-entry", "XLM/USDC", liquidation.Short, math.NaN(), 10, 100),
		liquidation.NewPosition("inf-entry", "XLM/USDC", liquidation.Long, math.Inf(1), 10, 100),
	}
	for _, p := range bad {
		assert.ErrorIs(t, e.AddPosition(p), liquidation.ErrInvalidPosition, p.UserToken)
	}
	assert.Empty(t, e.Positions())

	require.NoError(t, e.SetMarkPrice("XLM/USDC", 0.01))
	require.NotPanics(t, func() { e.CheckLiquidations(context.Background()) })
}

func TestLiquidation_ThroughHTTPSettler(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	log := &eventLog{}
	settler := NewHTTPSettler(srv.URL, "s3cret", time.Second, nil)
	e := New(testOptions(), settler.Settle, nil, log)

	require.NoError(t, e.AddPosition(liquidation.NewPosition("alice", "XLM/USDC", liquidation.Long, 0.10, 10, 100)))
	require.NoError(t, e.SetMarkPrice("XLM/USDC", 0.09))

	assert.Equal(t, 0, e.CheckLiquidations(context.Background()))
	_, ok := e.GetPosition("alice")
	assert.True(t, ok, "position survives a 500 from the settlement endpoint")
	require.Len(t, log.ofKind(events.KindSettleFailed), 1)

	status.Store(http.StatusOK)
	assert.Equal(t, 1, e.CheckLiquidations(context.Background()))
	_, ok = e.GetPosition("alice")
	assert.False(t, ok)
	assert.Equal(t, int32(2), hits.Load())

	liq := log.ofKind(events.KindLiquidation)
	require.Len(t, liq, 1)
	assert.Equal(t, "alice", liq[0].UserToken)
	assert.Equal(t, -100.0, liq[0].PnL)
	assert.Equal(t, 0.09, liq[0].Price)
}

func TestStartAndWait(t *testing.T) {
	opts := DefaultOptions()
	opts.DriftInterval = 5 * time.Millisecond
	opts.LiquidationInterval = 5 * time.Millisecond

	log := &eventLog{}
	e := New(opts, noSettle, nil, log)
	require.NoError(t, e.AddPosition(liquidation.NewPosition("alice", "XLM/USDC", liquidation.Long, 0.10, 10, 100)))

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	require.Eventually(t, func() bool {
		return len(log.ofKind(events.KindPriceUpdate)) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.SetMarkPrice("XLM/USDC", 0.05))
	require.Eventually(t, func() bool {
		_, ok := e.GetPosition("alice")
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine loops did not stop")
	}
}
