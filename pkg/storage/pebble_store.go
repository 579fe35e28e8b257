package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/uhyunpark/liquidbook/pkg/events"
)

// Trade is one journaled fill.
type Trade struct {
	Symbol      string    `json:"symbol"`
	BuyerToken  string    `json:"buyerToken"`
	SellerToken string    `json:"sellerToken"`
	BuyOrderID  string    `json:"buyOrderId"`
	SellOrderID string    `json:"sellOrderId"`
	Price       float64   `json:"price"`
	Amount      float64   `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
}

// TradeStore journals fills to Pebble for operator queries.
// It is write-mostly; nothing in the engine reads it back.
type TradeStore struct {
	db     *pebble.DB
	seq    atomic.Uint64
	logger *zap.SugaredLogger
}

func NewTradeStore(path string, logger *zap.SugaredLogger) (*TradeStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open trade store: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TradeStore{db: db, logger: logger}, nil
}

func (s *TradeStore) Close() error { return s.db.Close() }

// SaveTrade persists a trade to Pebble
func (s *TradeStore) SaveTrade(t Trade) error {
	if err := validSymbolKey(t.Symbol); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}

	key := tradeKey(t.Symbol, t.Timestamp, s.seq.Add(1))
	if err := s.db.Set(key, data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// RecentTrades loads up to limit trades for symbol, newest first.
func (s *TradeStore) RecentTrades(symbol string, limit int) ([]Trade, error) {
	if limit <= 0 || validSymbolKey(symbol) != nil {
		return []Trade{}, nil
	}

	prefix := tradePrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	trades := make([]Trade, 0, limit)
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue // Skip invalid entries
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}

// Notify journals fill events and ignores every other kind.
func (s *TradeStore) Notify(_ context.Context, ev events.Event) {
	if ev.Kind != events.KindFill {
		return
	}
	t := Trade{
		Symbol:      ev.Symbol,
		BuyerToken:  ev.UserToken,
		SellerToken: ev.CounterToken,
		BuyOrderID:  ev.OrderID,
		SellOrderID: ev.CounterOrderID,
		Price:       ev.Price,
		Amount:      ev.Amount,
		Timestamp:   ev.Timestamp,
	}
	if err := s.SaveTrade(t); err != nil {
		s.logger.Warnw("trade_journal_write_failed", "symbol", ev.Symbol, "err", err)
	}
}

var _ events.Notifier = (*TradeStore)(nil)
