package orderbook

import (
	"container/heap"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/uhyunpark/liquidbook/pkg/util"
)

type location struct {
	side  Side
	price float64
}

// OrderBook is a per-symbol central limit order book. Every operation runs
// under the book's own mutex; books for different symbols never contend.
type OrderBook struct {
	mu    sync.Mutex
	clock util.Clock

	// Heap-based best price tracking (O(1) peek)
	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	// Price level queues (FIFO matching at each price)
	bids map[float64][]*Order // price -> FIFO slice
	asks map[float64][]*Order

	// Order index for O(1) cancellation
	orderIndex map[string]location

	nextSeq uint64
}

// Option configures an OrderBook.
type Option func(*OrderBook)

// WithClock overrides the clock used to stamp EntryAt.
func WithClock(c util.Clock) Option {
	return func(ob *OrderBook) { ob.clock = c }
}

func NewOrderBook(opts ...Option) *OrderBook {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	ob := &OrderBook{
		clock:      util.RealClock{},
		bidHeap:    bidHeap,
		askHeap:    askHeap,
		bids:       make(map[float64][]*Order),
		asks:       make(map[float64][]*Order),
		orderIndex: make(map[string]location),
	}
	for _, opt := range opts {
		opt(ob)
	}
	return ob
}

func (ob *OrderBook) bestBid() (float64, bool) {
	if ob.bidHeap.Len() == 0 {
		return 0, false
	}
	return ob.bidHeap.Peek(), true
}

func (ob *OrderBook) bestAsk() (float64, bool) {
	if ob.askHeap.Len() == 0 {
		return 0, false
	}
	return ob.askHeap.Peek(), true
}

func (ob *OrderBook) addBid(o *Order) {
	if len(ob.bids[o.Price]) == 0 {
		heap.Push(ob.bidHeap, o.Price)
	}
	ob.bids[o.Price] = append(ob.bids[o.Price], o)
	ob.orderIndex[o.ID] = location{side: Buy, price: o.Price}
}

func (ob *OrderBook) addAsk(o *Order) {
	if len(ob.asks[o.Price]) == 0 {
		heap.Push(ob.askHeap, o.Price)
	}
	ob.asks[o.Price] = append(ob.asks[o.Price], o)
	ob.orderIndex[o.ID] = location{side: Sell, price: o.Price}
}

// AddOrder stamps o with its sequence, ID and entry time, rests it on its side
// and then matches best bid against best ask until the book is no longer
// crossed. Every fill executes at the resting ask's price, whichever side the
// incoming order is on. On return o.Amount holds the unfilled remainder.
func (ob *OrderBook) AddOrder(o *Order) []Fill {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.nextSeq++
	o.Seq = ob.nextSeq
	o.EntryAt = ob.clock.Now()
	o.ID = fmt.Sprintf("%d-%d", o.EntryAt.UnixNano(), o.Seq)

	resting := *o
	if resting.Side == Buy {
		ob.addBid(&resting)
	} else {
		ob.addAsk(&resting)
	}

	fills := ob.match()
	o.Amount = resting.Amount
	return fills
}

// match runs price-time priority matching. Must be called with ob.mu held.
func (ob *OrderBook) match() []Fill {
	var fills []Fill

	for {
		bidP, ok := ob.bestBid()
		if !ok {
			break
		}
		askP, ok := ob.bestAsk()
		if !ok || bidP < askP {
			break
		}

		bid := ob.bids[bidP][0]
		ask := ob.asks[askP][0]
		amount := math.Min(bid.Amount, ask.Amount)

		fills = append(fills, Fill{
			BuyOrder:  *bid,
			SellOrder: *ask,
			Price:     askP,
			Amount:    amount,
		})

		bid.Amount -= amount
		ask.Amount -= amount

		if bid.Amount <= 0 {
			ob.popBestBid(bidP)
		}
		if ask.Amount <= 0 {
			ob.popBestAsk(askP)
		}
	}

	return fills
}

// popBestBid drops the head order of the best bid level.
func (ob *OrderBook) popBestBid(price float64) {
	level := ob.bids[price]
	delete(ob.orderIndex, level[0].ID)
	if len(level) == 1 {
		delete(ob.bids, price)
		heap.Pop(ob.bidHeap)
		return
	}
	ob.bids[price] = level[1:]
}

// popBestAsk drops the head order of the best ask level.
func (ob *OrderBook) popBestAsk(price float64) {
	level := ob.asks[price]
	delete(ob.orderIndex, level[0].ID)
	if len(level) == 1 {
		delete(ob.asks, price)
		heap.Pop(ob.askHeap)
		return
	}
	ob.asks[price] = level[1:]
}

// CancelOrder removes a resting order by ID. Returns true if found.
func (ob *OrderBook) CancelOrder(id string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	loc, ok := ob.orderIndex[id]
	if !ok {
		return false
	}

	levels := ob.asks
	if loc.side == Buy {
		levels = ob.bids
	}

	arr := levels[loc.price]
	for i, o := range arr {
		if o.ID != id {
			continue
		}
		levels[loc.price] = append(arr[:i:i], arr[i+1:]...)
		if len(levels[loc.price]) == 0 {
			delete(levels, loc.price)
			if loc.side == Buy {
				ob.removeFromBidHeap(loc.price)
			} else {
				ob.removeFromAskHeap(loc.price)
			}
		}
		delete(ob.orderIndex, id)
		return true
	}

	return false
}

// removeFromBidHeap removes a price level from the bid heap (O(N) worst case, but rare)
func (ob *OrderBook) removeFromBidHeap(price float64) {
	for i := 0; i < ob.bidHeap.Len(); i++ {
		if (*ob.bidHeap)[i] == price {
			heap.Remove(ob.bidHeap, i)
			return
		}
	}
}

// removeFromAskHeap removes a price level from the ask heap (O(N) worst case, but rare)
func (ob *OrderBook) removeFromAskHeap(price float64) {
	for i := 0; i < ob.askHeap.Len(); i++ {
		if (*ob.askHeap)[i] == price {
			heap.Remove(ob.askHeap, i)
			return
		}
	}
}

// sortedBidPrices returns bid prices best (highest) first. Caller holds ob.mu.
func (ob *OrderBook) sortedBidPrices() []float64 {
	prices := make([]float64, len(*ob.bidHeap))
	copy(prices, *ob.bidHeap)
	sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	return prices
}

// sortedAskPrices returns ask prices best (lowest) first. Caller holds ob.mu.
func (ob *OrderBook) sortedAskPrices() []float64 {
	prices := make([]float64, len(*ob.askHeap))
	copy(prices, *ob.askHeap)
	sort.Float64s(prices)
	return prices
}

// Snapshot returns copies of up to depth best orders per side, in priority order.
func (ob *OrderBook) Snapshot(depth int) (bids, asks []Order) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	bids = collectOrders(ob.bids, ob.sortedBidPrices(), depth)
	asks = collectOrders(ob.asks, ob.sortedAskPrices(), depth)
	return bids, asks
}

func collectOrders(levels map[float64][]*Order, prices []float64, depth int) []Order {
	out := make([]Order, 0, max(depth, 0))
	for _, p := range prices {
		for _, o := range levels[p] {
			if len(out) >= depth {
				return out
			}
			out = append(out, *o)
		}
	}
	return out
}

// Levels returns up to depth aggregated price levels per side, best first.
// A depth <= 0 returns every level.
func (ob *OrderBook) Levels(depth int) (bids, asks []PriceLevel) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	bids = aggregate(ob.bids, ob.sortedBidPrices(), depth)
	asks = aggregate(ob.asks, ob.sortedAskPrices(), depth)
	return bids, asks
}

func aggregate(levels map[float64][]*Order, prices []float64, depth int) []PriceLevel {
	if depth > 0 && len(prices) > depth {
		prices = prices[:depth]
	}
	out := make([]PriceLevel, 0, len(prices))
	for _, p := range prices {
		level := PriceLevel{Price: p, Orders: len(levels[p])}
		for _, o := range levels[p] {
			level.Amount += o.Amount
		}
		out = append(out, level)
	}
	return out
}

// BestBid returns the highest resting bid price, false if there are no bids.
func (ob *OrderBook) BestBid() (float64, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.bestBid()
}

// BestAsk returns the lowest resting ask price, false if there are no asks.
func (ob *OrderBook) BestAsk() (float64, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.bestAsk()
}

// Len returns the number of resting orders on each side.
func (ob *OrderBook) Len() (bids, asks int) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for _, lv := range ob.bids {
		bids += len(lv)
	}
	for _, lv := range ob.asks {
		asks += len(lv)
	}
	return bids, asks
}
