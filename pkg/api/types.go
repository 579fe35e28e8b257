package api

import "github.com/uhyunpark/liquidbook/pkg/events"

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// MarketInfo summarises one symbol with a live book
type MarketInfo struct {
	Symbol    string  `json:"symbol"`    // e.g., "XLM/USDC"
	MarkPrice float64 `json:"markPrice"` // 0 when unknown
}

// OrderbookSnapshot represents aggregated orderbook depth
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`      // Sorted high to low
	Asks      []PriceLevel `json:"asks"`      // Sorted low to high
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

// PriceLevel is one aggregated row of the book
type PriceLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
	Orders int     `json:"orders"`
}

// RestingOrders lists individual resting orders in priority order
type RestingOrders struct {
	Symbol string      `json:"symbol"`
	Bids   []OrderInfo `json:"bids"`
	Asks   []OrderInfo `json:"asks"`
}

// OrderInfo represents a resting order
type OrderInfo struct {
	ID        string  `json:"id"`
	Token     string  `json:"token"`
	Side      string  `json:"side"` // "buy" or "sell"
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"` // unfilled
	Leverage  int     `json:"leverage"`
	Timestamp int64   `json:"timestamp"` // Unix milliseconds
}

// TradeInfo represents a journaled fill
type TradeInfo struct {
	Symbol      string  `json:"symbol"`
	BuyerToken  string  `json:"buyerToken"`
	SellerToken string  `json:"sellerToken"`
	BuyOrderID  string  `json:"buyOrderId"`
	SellOrderID string  `json:"sellOrderId"`
	Price       float64 `json:"price"`
	Amount      float64 `json:"amount"`
	Timestamp   int64   `json:"timestamp"` // Unix milliseconds
}

// FillInfo is one execution produced by an order submission
type FillInfo struct {
	BuyToken  string  `json:"buyToken"`
	SellToken string  `json:"sellToken"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
}

// PlaceOrderResponse is the response from order submission
type PlaceOrderResponse struct {
	OrderID   string     `json:"orderId"`
	Remaining float64    `json:"remaining"` // amount left resting on the book
	Fills     int        `json:"fills"`
	Results   []FillInfo `json:"results,omitempty"`
}

// PositionInfo is a tracked position with its live risk
type PositionInfo struct {
	Token          string  `json:"token"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"` // "long" or "short"
	EntryPrice     float64 `json:"entryPrice"`
	Leverage       int     `json:"leverage"`
	Collateral     float64 `json:"collateral"`
	Debt           float64 `json:"debt"`
	MarkPrice      float64 `json:"markPrice"`
	UnrealizedLoss float64 `json:"unrealizedLoss"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string `json:"status"`
	Markets   int    `json:"markets"`
	Positions int    `json:"positions"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// PlaceOrderRequest is the payload for POST /api/v1/orders
type PlaceOrderRequest struct {
	Token    string  `json:"token"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`     // "buy" | "sell"
	Price    float64 `json:"price"`    // limit price
	Amount   float64 `json:"amount"`   // base asset amount
	Leverage int     `json:"leverage"` // 1 = spot
}

// PriceUpdateRequest is the payload for POST /api/v1/prices
type PriceUpdateRequest struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// OpenPositionRequest is the payload for POST /api/v1/positions
type OpenPositionRequest struct {
	Token      string  `json:"token"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // "long" | "short"
	EntryPrice float64 `json:"entryPrice"`
	Leverage   int     `json:"leverage"`
	Collateral float64 `json:"collateral"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage wraps every event pushed to a subscriber
type WSMessage struct {
	Channel string       `json:"channel"` // channel the client subscribed to
	Event   events.Event `json:"event"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["fills:XLM/USDC", "liquidations", "user:abc", "prices"]
}
