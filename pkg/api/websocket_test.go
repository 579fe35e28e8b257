package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/liquidbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/liquidbook/pkg/app/engine"
	"github.com/uhyunpark/liquidbook/pkg/events"
)

func TestChannelsFor(t *testing.T) {
	tests := []struct {
		name string
		ev   events.Event
		want []string
	}{
		{"fill", events.Event{Kind: events.KindFill, Symbol: "XLM/USDC", UserToken: "b", CounterToken: "s"},
			[]string{"fills:XLM/USDC", "user:b", "user:s"}},
		{"self fill", events.Event{Kind: events.KindFill, Symbol: "XLM/USDC", UserToken: "x", CounterToken: "x"},
			[]string{"fills:XLM/USDC", "user:x"}},
		{"liquidation", events.Event{Kind: events.KindLiquidation, UserToken: "alice"},
			[]string{"liquidations", "user:alice"}},
		{"settle failed", events.Event{Kind: events.KindSettleFailed, UserToken: "alice"},
			[]string{"liquidations", "user:alice"}},
		{"price", events.Event{Kind: events.KindPriceUpdate, Symbol: "XLM/USDC"},
			[]string{"prices"}},
		{"unknown", events.Event{Kind: "other"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, channelsFor(tt.ev))
		})
	}
}

func TestHub_NotifyRoutesToSubscribers(t *testing.T) {
	hub := NewHub(nil)

	alice := newClient(hub, nil, "alice")
	alice.Subscribe(UserChannel("alice"))
	watcher := newClient(hub, nil, "watcher")
	watcher.Subscribe(ChannelLiquidations)
	idle := newClient(hub, nil, "idle")

	hub.clients[alice] = struct{}{}
	hub.clients[watcher] = struct{}{}
	hub.clients[idle] = struct{}{}

	ev := events.Event{Kind: events.KindLiquidation, Symbol: "XLM/USDC", UserToken: "alice", PnL: -100}
	hub.Notify(context.Background(), ev)

	require.Len(t, alice.send, 1)
	var msg WSMessage
	require.NoError(t, json.Unmarshal(<-alice.send, &msg))
	assert.Equal(t, "user:alice", msg.Channel)
	assert.Equal(t, -100.0, msg.Event.PnL)

	require.Len(t, watcher.send, 1)
	require.NoError(t, json.Unmarshal(<-watcher.send, &msg))
	assert.Equal(t, ChannelLiquidations, msg.Channel)

	assert.Empty(t, idle.send)
	assert.Equal(t, 1, hub.Subscribers(ChannelLiquidations))

	watcher.handleRequest(WSSubscribeRequest{Op: "unsubscribe", Channels: []string{ChannelLiquidations}})
	assert.Equal(t, 0, hub.Subscribers(ChannelLiquidations))
}

func TestWebSocket_FillStream(t *testing.T) {
	hub := NewHub(nil)
	opts := engine.DefaultOptions()
	opts.DriftEnabled = false
	eng := engine.New(opts, nil, nil, hub)
	s := NewServer(eng, nil, hub, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{FillsChannel("XLM/USDC")}}))
	require.Eventually(t, func() bool {
		return hub.Subscribers(FillsChannel("XLM/USDC")) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = eng.PlaceOrder(&orderbook.Order{UserToken: "seller", Symbol: "XLM/USDC", Side: orderbook.Sell, Price: 0.10, Amount: 100})
	require.NoError(t, err)
	_, err = eng.PlaceOrder(&orderbook.Order{UserToken: "buyer", Symbol: "XLM/USDC", Side: orderbook.Buy, Price: 0.12, Amount: 50})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "fills:XLM/USDC", msg.Channel)
	assert.Equal(t, events.KindFill, msg.Event.Kind)
	assert.Equal(t, "buyer", msg.Event.UserToken)
	assert.Equal(t, "seller", msg.Event.CounterToken)
	assert.Equal(t, 0.10, msg.Event.Price)
	assert.Equal(t, 50.0, msg.Event.Amount)
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(nil, nil, NewHub(nil), Options{AllowedOrigins: []string{"https://app.example"}}, nil)

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, s.checkOrigin(req), "no Origin header")

	req.Header.Set("Origin", "https://app.example")
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, s.checkOrigin(req))

	open := NewServer(nil, nil, NewHub(nil), Options{}, nil)
	assert.True(t, open.checkOrigin(req))
}

func TestWebSocket_OversizedFrameClosesConnection(t *testing.T) {
	hub := NewHub(nil)
	s := NewServer(nil, nil, hub, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	big := WSSubscribeRequest{Op: "subscribe", Channels: []string{strings.Repeat("x", 2*maxMessageSize)}}
	require.NoError(t, conn.WriteJSON(big))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "server should hang up, not leave the socket idle")
	}
	assert.Equal(t, 0, hub.Subscribers(big.Channels[0]))
}
