package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/liquidbook/pkg/app/core/liquidation"
	"github.com/uhyunpark/liquidbook/pkg/app/core/markprice"
	"github.com/uhyunpark/liquidbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/liquidbook/pkg/app/engine"
	"github.com/uhyunpark/liquidbook/pkg/storage"
)

const (
	defaultDepth      = 10
	maxDepth          = 100
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

// Engine is the slice of the matching engine the API needs.
type Engine interface {
	PlaceOrder(o *orderbook.Order) ([]orderbook.Fill, error)
	CancelOrder(symbol, orderID string) error
	BookSnapshot(symbol string, depth int) (bids, asks []orderbook.Order)
	BookDepth(symbol string, depth int) (bids, asks []orderbook.PriceLevel)
	Symbols() []string

	MarkPrice(symbol string) float64
	AllPrices() map[string]float64
	SetMarkPrice(symbol string, price float64) error

	AddPosition(p liquidation.Position) error
	RemovePosition(userToken string) bool
	GetPosition(userToken string) (liquidation.Position, bool)
	Positions() []liquidation.Position
}

// TradeSource serves recent fills. Nil disables the trades endpoint's history.
type TradeSource interface {
	RecentTrades(symbol string, limit int) ([]storage.Trade, error)
}

// Options configures the HTTP surface.
type Options struct {
	AdminSecret    string
	AllowedOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine Engine
	trades TradeSource
	hub    *Hub
	router *mux.Router
	opts   Options
	logger *zap.SugaredLogger
}

// NewServer creates a new API server. hub must be running (see Hub.Run) before
// WebSocket clients connect.
func NewServer(eng Engine, trades TradeSource, hub *Hub, opts Options, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		engine: eng,
		trades: trades,
		hub:    hub,
		router: mux.NewRouter().UseEncodedPath(),
		opts:   opts,
		logger: logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orders", s.handleGetRestingOrders).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")

	// Order submission
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")

	// Mark prices
	api.HandleFunc("/prices", s.handleGetPrices).Methods("GET")
	api.HandleFunc("/prices", s.requireAdmin(s.handleSetPrice)).Methods("POST")
	api.HandleFunc("/prices/{symbol}", s.handleGetPrice).Methods("GET")

	// Positions under liquidation watch
	api.HandleFunc("/positions", s.requireAdmin(s.handleListPositions)).Methods("GET")
	api.HandleFunc("/positions", s.requireAdmin(s.handleOpenPosition)).Methods("POST")
	api.HandleFunc("/positions/{token}", s.handleGetPosition).Methods("GET")
	api.HandleFunc("/positions/{token}", s.requireAdmin(s.handleClosePosition)).Methods("DELETE")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	symbols := s.engine.Symbols()
	response := make([]MarketInfo, len(symbols))
	for i, sym := range symbols {
		response[i] = MarketInfo{Symbol: sym, MarkPrice: s.engine.MarkPrice(sym)}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol, ok := pathVar(w, r, "symbol")
	if !ok {
		return
	}
	depth, err := intParam(r, "depth", defaultDepth, maxDepth)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid depth", err.Error())
		return
	}

	bidLevels, askLevels := s.engine.BookDepth(symbol, depth)

	response := OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      toPriceLevels(bidLevels),
		Asks:      toPriceLevels(askLevels),
		Timestamp: time.Now().UnixMilli(),
	}
	respondJSON(w, response)
}

func (s *Server) handleGetRestingOrders(w http.ResponseWriter, r *http.Request) {
	symbol, ok := pathVar(w, r, "symbol")
	if !ok {
		return
	}
	depth, err := intParam(r, "depth", defaultDepth, maxDepth)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid depth", err.Error())
		return
	}

	bids, asks := s.engine.BookSnapshot(symbol, depth)
	respondJSON(w, RestingOrders{
		Symbol: symbol,
		Bids:   toOrderInfos(bids),
		Asks:   toOrderInfos(asks),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol, ok := pathVar(w, r, "symbol")
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", defaultTradeLimit, maxTradeLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}

	response := []TradeInfo{}
	if s.trades == nil {
		respondJSON(w, response)
		return
	}

	trades, err := s.trades.RecentTrades(symbol, limit)
	if err != nil {
		s.logger.Warnw("trade_query_failed", "symbol", symbol, "err", err)
		respondError(w, http.StatusInternalServerError, "trade query failed", err.Error())
		return
	}
	for _, t := range trades {
		response = append(response, TradeInfo{
			Symbol:      t.Symbol,
			BuyerToken:  t.BuyerToken,
			SellerToken: t.SellerToken,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Price:       t.Price,
			Amount:      t.Amount,
			Timestamp:   t.Timestamp.UnixMilli(),
		})
	}
	respondJSON(w, response)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad request body", err.Error())
		return
	}
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, "invalid order", "token is required")
		return
	}

	o := &orderbook.Order{
		UserToken: req.Token,
		Symbol:    req.Symbol,
		Side:      orderbook.Side(req.Side),
		Price:     req.Price,
		Amount:    req.Amount,
		Leverage:  req.Leverage,
	}

	fills, err := s.engine.PlaceOrder(o)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrInvalidOrder) {
			status = http.StatusBadRequest
		}
		respondError(w, status, "invalid order", err.Error())
		return
	}

	response := PlaceOrderResponse{
		OrderID:   o.ID,
		Remaining: o.Amount,
		Fills:     len(fills),
	}
	for _, f := range fills {
		response.Results = append(response.Results, FillInfo{
			BuyToken:  f.BuyOrder.UserToken,
			SellToken: f.SellOrder.UserToken,
			Price:     f.Price,
			Amount:    f.Amount,
		})
	}
	respondJSON(w, response)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathVar(w, r, "id")
	if !ok {
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		respondError(w, http.StatusBadRequest, "symbol is required", "")
		return
	}

	if err := s.engine.CancelOrder(symbol, id); err != nil {
		if errors.Is(err, engine.ErrOrderNotFound) {
			respondError(w, http.StatusNotFound, "order not found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "cancel failed", err.Error())
		return
	}
	respondJSON(w, map[string]any{"ok": true, "orderId": id, "symbol": symbol})
}

func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.AllPrices())
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	symbol, ok := pathVar(w, r, "symbol")
	if !ok {
		return
	}
	price := s.engine.MarkPrice(symbol)
	if price <= 0 {
		respondError(w, http.StatusNotFound, "price unknown", symbol)
		return
	}
	respondJSON(w, PriceUpdateRequest{Symbol: symbol, Price: price})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" || !(req.Price > 0) {
		respondError(w, http.StatusBadRequest, "symbol and price are required", "")
		return
	}
	if err := s.engine.SetMarkPrice(req.Symbol, req.Price); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, markprice.ErrInvalidPrice) {
			status = http.StatusBadRequest
		}
		respondError(w, status, "invalid price", err.Error())
		return
	}
	respondJSON(w, map[string]any{"ok": true, "symbol": req.Symbol, "price": req.Price})
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad request body", err.Error())
		return
	}

	p := liquidation.NewPosition(req.Token, req.Symbol, liquidation.Side(req.Side), req.EntryPrice, req.Leverage, req.Collateral)
	if err := s.engine.AddPosition(p); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, liquidation.ErrInvalidPosition) {
			status = http.StatusBadRequest
		}
		respondError(w, status, "invalid position", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(s.positionInfo(p))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	token, ok := pathVar(w, r, "token")
	if !ok {
		return
	}
	p, found := s.engine.GetPosition(token)
	if !found {
		respondError(w, http.StatusNotFound, "position not found", "")
		return
	}
	respondJSON(w, s.positionInfo(p))
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	token, ok := pathVar(w, r, "token")
	if !ok {
		return
	}
	if !s.engine.RemovePosition(token) {
		respondError(w, http.StatusNotFound, "position not found", "")
		return
	}
	respondJSON(w, map[string]any{"ok": true, "token": token})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.engine.Positions()
	response := make([]PositionInfo, len(positions))
	for i, p := range positions {
		response[i] = s.positionInfo(p)
	}
	respondJSON(w, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status:    "ok",
		Markets:   len(s.engine.Symbols()),
		Positions: len(s.engine.Positions()),
	})
}

// ==============================
// Helper Functions
// ==============================

// requireAdmin guards h with the admin bearer token. An empty secret leaves h open.
func (s *Server) requireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminSecret != "" {
			want := []byte("Bearer " + s.opts.AdminSecret)
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(want, got) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}
		}
		h(w, r)
	}
}

func (s *Server) positionInfo(p liquidation.Position) PositionInfo {
	mark := s.engine.MarkPrice(p.Symbol)
	loss, _ := liquidation.UnrealizedLoss(p, mark).Float64()
	return PositionInfo{
		Token:          p.UserToken,
		Symbol:         p.Symbol,
		Side:           string(p.Side),
		EntryPrice:     p.EntryPrice,
		Leverage:       p.Leverage,
		Collateral:     p.Collateral,
		Debt:           p.Debt,
		MarkPrice:      mark,
		UnrealizedLoss: loss,
	}
}

func toPriceLevels(levels []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price, Amount: l.Amount, Orders: l.Orders}
	}
	return out
}

func toOrderInfos(orders []orderbook.Order) []OrderInfo {
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = OrderInfo{
			ID:        o.ID,
			Token:     o.UserToken,
			Side:      string(o.Side),
			Price:     o.Price,
			Amount:    o.Amount,
			Leverage:  o.Leverage,
			Timestamp: o.EntryAt.UnixMilli(),
		}
	}
	return out
}

// pathVar returns the decoded mux variable. Symbols like "XLM/USDC" arrive as
// "XLM%2FUSDC" because the router matches on the encoded path.
func pathVar(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v, err := url.PathUnescape(mux.Vars(r)[name])
	if err != nil || v == "" {
		respondError(w, http.StatusBadRequest, "invalid "+name, "")
		return "", false
	}
	return v, true
}

// intParam parses a positive query parameter, clamped to upper.
func intParam(r *http.Request, name string, def, upper int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	if n > upper {
		n = upper
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
