package liquidation

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newFakePrices(kv map[string]float64) *fakePrices {
	return &fakePrices{prices: kv}
}

func (f *fakePrices) MarkPrice(symbol string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices[symbol]
}

type settleCall struct {
	token, symbol string
	pnl           float64
}

type fakeSettler struct {
	mu    sync.Mutex
	calls []settleCall
	err   error
	hook  func()
}

func (f *fakeSettler) Settle(ctx context.Context, token, symbol string, pnl float64) error {
	f.mu.Lock()
	f.calls = append(f.calls, settleCall{token, symbol, pnl})
	err, hook := f.err, f.hook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeSettler) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSettler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestCheckAll_LiquidatesBreachedLong(t *testing.T) {
	prices := newFakePrices(map[string]float64{"XLM/USDC": 0.09})
	settler := &fakeSettler{}
	m := NewMonitor(prices, settler.Settle, nil)

	m.AddPosition(NewPosition("alice", "XLM/USDC", Long, 0.10, 10, 100))

	n := m.CheckAll(context.Background())
	assert.Equal(t, 1, n)

	require.Len(t, settler.calls, 1)
	assert.Equal(t, settleCall{"alice", "XLM/USDC", -100}, settler.calls[0])

	_, ok := m.GetPosition("alice")
	assert.False(t, ok)
}

func TestCheckAll_SettleFailureRetriesNextPass(t *testing.T) {
	prices := newFakePrices(map[string]float64{"XLM/USDC": 0.09})
	settler := &fakeSettler{err: errors.New("http 500")}

	var outcomes []Outcome
	m := NewMonitor(prices, settler.Settle, nil, WithOnLiquidated(func(_ context.Context, o Outcome) {
		outcomes = append(outcomes, o)
	}))
	m.AddPosition(NewPosition("alice", "XLM/USDC", Long, 0.10, 10, 100))

	assert.Equal(t, 0, m.CheckAll(context.Background()))
	_, ok := m.GetPosition("alice")
	assert.True(t, ok, "position must survive a failed settlement")

	assert.Equal(t, 0, m.CheckAll(context.Background()))
	assert.Equal(t, 2, settler.callCount())

	settler.setErr(nil)
	assert.Equal(t, 1, m.CheckAll(context.Background()))
	_, ok = m.GetPosition("alice")
	assert.False(t, ok)

	require.Len(t, outcomes, 3)
	assert.Error(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err)
	assert.NoError(t, outcomes[2].Err)
	assert.Equal(t, -100.0, outcomes[2].PnL)
	assert.InDelta(t, 100.0, outcomes[2].Loss, 1e-9)
}

func TestCheckAll_SkipsUnknownAndHealthy(t *testing.T) {
	prices := newFakePrices(map[string]float64{"XLM/USDC": 0.0999, "ETH/USDC": 0})
	settler := &fakeSettler{}
	m := NewMonitor(prices, settler.Settle, nil)

	m.AddPosition(NewPosition("healthy", "XLM/USDC", Long, 0.10, 10, 100))
	m.AddPosition(NewPosition("unpriced", "ETH/USDC", Short, 3000, 50, 10))
	m.AddPosition(NewPosition("unlisted", "DOGE/USDC", Long, 1, 100, 10))

	assert.Equal(t, 0, m.CheckAll(context.Background()))
	assert.Equal(t, 0, settler.callCount())
	assert.Len(t, m.Positions(), 3)
}

func TestCheckAll_NonFiniteInputsDoNotPanic(t *testing.T) {
	prices := newFakePrices(map[string]float64{"XLM/USDC": 0.05, "ETH/USDC": math.NaN()})
	settler := &fakeSettler{}
	m := NewMonitor(prices, settler.Settle, nil)

	// bypasses Validate, as a direct monitor caller could
	m.AddPosition(Position{UserToken: "nan-coll", Symbol: "XLM/USDC", Side: Long, EntryPrice: 0.10, Leverage: 10, Collateral: math.NaN()})
	m.AddPosition(Position{UserToken: "inf-entry", Symbol: "XLM/USDC", Side: Short, EntryPrice: math.Inf(1), Leverage: 10, Collateral: 100})
	m.AddPosition(NewPosition("nan-mark", "ETH/USDC", Long, 3000, 10, 100))
	m.AddPosition(NewPosition("breached", "XLM/USDC", Long, 0.10, 10, 100))

	var n int
	require.NotPanics(t, func() { n = m.CheckAll(context.Background()) })
	assert.Equal(t, 1, n)
	require.Len(t, settler.calls, 1)
	assert.Equal(t, "breached", settler.calls[0].token)
	assert.Len(t, m.Positions(), 3)
}

func TestCheckAll_OneFailureDoesNotBlockOthers(t *testing.T) {
	prices := newFakePrices(map[string]float64{"XLM/USDC": 0.09})
	settle := func(_ context.Context, token, _ string, _ float64) error {
		if token == "bob" {
			return errors.New("boom")
		}
		return nil
	}
	m := NewMonitor(prices, settle, nil)
	m.AddPosition(NewPosition("alice", "XLM/USDC", Long, 0.10, 10, 100))
	m.AddPosition(NewPosition("bob", "XLM/USDC", Long, 0.10, 10, 100))
	m.AddPosition(NewPosition("carol", "XLM/USDC", Long, 0.10, 10, 100))

	assert.Equal(t, 2, m.CheckAll(context.Background()))

	left := m.Positions()
	require.Len(t, left, 1)
	assert.Equal(t, "bob", left[0].UserToken)
}

func TestCheckAll_ReopenedPositionSurvivesInFlightSettle(t *testing.T) {
	prices := newFakePrices(map[string]float64{"XLM/USDC": 0.09})
	settler := &fakeSettler{}
	m := NewMonitor(prices, settler.Settle, nil)

	m.AddPosition(NewPosition("alice", "XLM/USDC", Long, 0.10, 10, 100))

	reopened := NewPosition("alice", "XLM/USDC", Short, 0.09, 2, 30)
	settler.hook = func() { m.AddPosition(reopened) }

	assert.Equal(t, 1, m.CheckAll(context.Background()))

	got, ok := m.GetPosition("alice")
	require.True(t, ok, "re-registered position must not be removed")
	assert.Equal(t, reopened, got)
}

func TestCheckAll_ShortPosition(t *testing.T) {
	prices := newFakePrices(map[string]float64{"XLM/USDC": 0.11})
	settler := &fakeSettler{}
	m := NewMonitor(prices, settler.Settle, nil)

	m.AddPosition(NewPosition("s", "XLM/USDC", Short, 0.10, 10, 50))
	assert.Equal(t, 1, m.CheckAll(context.Background()))
	require.Len(t, settler.calls, 1)
	assert.Equal(t, -50.0, settler.calls[0].pnl)
}

func TestCheckAll_CustomThreshold(t *testing.T) {
	prices := newFakePrices(map[string]float64{"XLM/USDC": 0.095})
	settler := &fakeSettler{}

	// 5% down at 10x loses half the collateral
	strict := NewMonitor(prices, settler.Settle, nil, WithThreshold(0.5))
	strict.AddPosition(NewPosition("u", "XLM/USDC", Long, 0.10, 10, 100))
	assert.Equal(t, 1, strict.CheckAll(context.Background()))

	lax := NewMonitor(prices, settler.Settle, nil)
	lax.AddPosition(NewPosition("u", "XLM/USDC", Long, 0.10, 10, 100))
	assert.Equal(t, 0, lax.CheckAll(context.Background()))
}

func TestCheckAll_CancelledContextStops(t *testing.T) {
	prices := newFakePrices(map[string]float64{"XLM/USDC": 0.09})
	settler := &fakeSettler{}
	m := NewMonitor(prices, settler.Settle, nil)
	m.AddPosition(NewPosition("alice", "XLM/USDC", Long, 0.10, 10, 100))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, m.CheckAll(ctx))
	assert.Equal(t, 0, settler.callCount())
}

func TestPositionRegistry(t *testing.T) {
	m := NewMonitor(newFakePrices(nil), (&fakeSettler{}).Settle, nil)

	m.AddPosition(NewPosition("b", "XLM/USDC", Long, 0.1, 2, 10))
	m.AddPosition(NewPosition("a", "XLM/USDC", Long, 0.1, 2, 10))
	m.AddPosition(NewPosition("a", "XLM/USDC", Short, 0.2, 3, 20))

	ps := m.Positions()
	require.Len(t, ps, 2)
	assert.Equal(t, "a", ps[0].UserToken)
	assert.Equal(t, Short, ps[0].Side, "later registration replaces earlier")

	assert.True(t, m.RemovePosition("a"))
	assert.False(t, m.RemovePosition("a"))
	assert.False(t, m.RemovePosition("nobody"))
	_, ok := m.GetPosition("a")
	assert.False(t, ok)
}

func TestRun_LiquidatesOnTickAndStops(t *testing.T) {
	prices := newFakePrices(map[string]float64{"XLM/USDC": 0.09})
	settler := &fakeSettler{}
	m := NewMonitor(prices, settler.Settle, nil, WithInterval(5*time.Millisecond))
	m.AddPosition(NewPosition("alice", "XLM/USDC", Long, 0.10, 10, 100))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := m.GetPosition("alice")
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}
