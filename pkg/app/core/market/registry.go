package market

import (
	"sort"
	"sync"

	"github.com/uhyunpark/liquidbook/pkg/app/core/orderbook"
)

// Registry owns one order book per trading symbol.
// Books are created lazily on first use and live for the process lifetime.
type Registry struct {
	mu    sync.RWMutex
	books map[string]*orderbook.OrderBook // symbol -> book
	opts  []orderbook.Option
}

// NewRegistry creates an empty registry. opts are applied to every book it creates.
func NewRegistry(opts ...orderbook.Option) *Registry {
	return &Registry{
		books: make(map[string]*orderbook.OrderBook),
		opts:  opts,
	}
}

// Book returns the book for symbol, creating it if needed.
func (r *Registry) Book(symbol string) *orderbook.OrderBook {
	r.mu.RLock()
	ob, ok := r.books[symbol]
	r.mu.RUnlock()
	if ok {
		return ob
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// another goroutine may have won the race
	if ob, ok := r.books[symbol]; ok {
		return ob
	}
	ob = orderbook.NewOrderBook(r.opts...)
	r.books[symbol] = ob
	return ob
}

// Lookup returns the book for symbol without creating it.
func (r *Registry) Lookup(symbol string) (*orderbook.OrderBook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ob, ok := r.books[symbol]
	return ob, ok
}

// Symbols returns every symbol with a book, sorted.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	symbols := make([]string, 0, len(r.books))
	for s := range r.books {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// Count returns the number of books.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.books)
}
