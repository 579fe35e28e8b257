package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/liquidbook/pkg/events"
)

const (
	ChannelLiquidations = "liquidations"
	ChannelPrices       = "prices"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256

	// subscribe requests are tiny; anything larger is dropped with the connection
	maxMessageSize = 4 << 10
)

func FillsChannel(symbol string) string { return "fills:" + symbol }
func UserChannel(token string) string   { return "user:" + token }

// Hub fans engine events out to WebSocket subscribers. It implements
// events.Notifier, so it can sit directly in the engine's notifier chain.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns

	logger *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run owns client registration until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Infow("ws_client_connected", "client", c.id, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.dropLocked(c)
				h.logger.Infow("ws_client_disconnected", "client", c.id, "total", len(h.clients))
			}
			h.mu.Unlock()
		}
	}
}

// dropLocked forgets c and closes its outbox, which makes writePump hang up.
func (h *Hub) dropLocked(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

// Notify routes ev to the channels it belongs to.
func (h *Hub) Notify(_ context.Context, ev events.Event) {
	for _, ch := range channelsFor(ev) {
		h.BroadcastToChannel(ch, WSMessage{Channel: ch, Event: ev})
	}
}

func channelsFor(ev events.Event) []string {
	switch ev.Kind {
	case events.KindFill:
		chs := []string{FillsChannel(ev.Symbol), UserChannel(ev.UserToken)}
		if ev.CounterToken != ev.UserToken {
			chs = append(chs, UserChannel(ev.CounterToken))
		}
		return chs
	case events.KindLiquidation, events.KindSettleFailed:
		return []string{ChannelLiquidations, UserChannel(ev.UserToken)}
	case events.KindPriceUpdate:
		return []string{ChannelPrices}
	}
	return nil
}

// BroadcastToChannel encodes data once and queues it for every subscriber of
// channel. Slow clients whose outbox is full miss the message.
func (h *Hub) BroadcastToChannel(channel string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Warnw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.IsSubscribed(channel) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.logger.Debugw("ws_client_lagging", "client", c.id, "channel", channel)
		}
	}
}

// Subscribers returns how many clients are subscribed to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.IsSubscribed(channel) {
			n++
		}
	}
	return n
}

var _ events.Notifier = (*Hub)(nil)

// Client is one WebSocket peer and the channels it listens on.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu sync.RWMutex
	subs   map[string]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   id,
		subs: make(map[string]struct{}),
	}
}

func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subs[channel]
	return ok
}

func (c *Client) Subscribe(channel string) {
	c.subsMu.Lock()
	c.subs[channel] = struct{}{}
	c.subsMu.Unlock()
	c.hub.logger.Debugw("ws_subscribed", "client", c.id, "channel", channel)
}

func (c *Client) Unsubscribe(channel string) {
	c.subsMu.Lock()
	delete(c.subs, channel)
	c.subsMu.Unlock()
	c.hub.logger.Debugw("ws_unsubscribed", "client", c.id, "channel", channel)
}

// handleRequest applies one subscription request from the client.
func (c *Client) handleRequest(req WSSubscribeRequest) {
	var apply func(string)
	switch req.Op {
	case "subscribe":
		apply = c.Subscribe
	case "unsubscribe":
		apply = c.Unsubscribe
	default:
		c.hub.logger.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
		return
	}
	for _, ch := range req.Channels {
		apply(ch)
	}
}

// readPump consumes subscription requests until the peer goes away.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugw("ws_read_error", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.hub.logger.Debugw("ws_invalid_message", "client", c.id, "err", err)
			continue
		}
		c.handleRequest(req)
	}
}

// writePump drains the outbox onto the socket, one event per frame, and
// keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub dropped us
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// checkOrigin accepts non-browser clients (no Origin header) and browsers
// whose origin is in the CORS allow list. An empty list or "*" allows all.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, "*") || slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	client := newClient(s.hub, conn, conn.RemoteAddr().String())
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
