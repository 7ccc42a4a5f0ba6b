package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientSendsPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pings := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if string(data) == "ping" {
				_ = conn.Write(ctx, websocket.MessageText, []byte("pong"))
				select {
				case pings <- string(data):
				default:
				}
			}
		}
	}))
	defer server.Close()

	client := New(wsURL(server), 20*time.Millisecond, zap.NewNop())
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	frames := make(chan json.RawMessage, 4)
	go func() {
		_ = client.Run(runCtx, func(raw json.RawMessage) { frames <- raw })
	}()

	select {
	case <-pings:
	case <-ctx.Done():
		t.Fatalf("timed out waiting for ping")
	}
	select {
	case raw := <-frames:
		t.Fatalf("expected pong to be dropped, got %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionsReplayedOnReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var conns atomic.Int32
	subs := make(chan request, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		n := conns.Add(1)
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err == nil {
			subs <- req
		}
		if n == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		<-ctx.Done()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer server.Close()

	client := New(wsURL(server), 0, zap.NewNop())
	if err := client.Subscribe(ctx, CandleChannel("5m"), "BTC-USDT-SWAP"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = client.Subscribe(ctx, CandleChannel("5m"), "BTC-USDT-SWAP")

	if err := client.Run(ctx, nil); err == nil {
		t.Fatalf("expected first session to end with an error")
	}
	go func() { _ = client.Run(ctx, nil) }()

	for i := 0; i < 2; i++ {
		select {
		case req := <-subs:
			if req.Op != "subscribe" || len(req.Args) != 1 || req.Args[0].InstID != "BTC-USDT-SWAP" || req.Args[0].Channel != "candle5m" {
				t.Fatalf("unexpected subscribe %+v", req)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for subscription %d", i+1)
		}
	}
}

func TestParseCandlePush(t *testing.T) {
	raw := []byte(`{"arg":{"channel":"candle5m","instId":"ETH-USDT-SWAP"},"data":[["1700000000000","2000","2010","1990","2005","12","1","1","0"]]}`)
	channel, instID, candles, err := ParseCandlePush(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if channel != "candle5m" || instID != "ETH-USDT-SWAP" {
		t.Fatalf("unexpected arg %s %s", channel, instID)
	}
	if len(candles) != 1 || candles[0].Close != 2005 || candles[0].Interval != "5m" || candles[0].Confirmed {
		t.Fatalf("unexpected candles %+v", candles)
	}

	_, _, _, err = ParseCandlePush([]byte(`{"event":"subscribe","arg":{"channel":"candle5m","instId":"ETH-USDT-SWAP"}}`))
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected no data for ack, got %v", err)
	}
	_, _, _, err = ParseCandlePush([]byte(`{"event":"error","code":"60012","msg":"bad request"}`))
	if err == nil || errors.Is(err, ErrNoData) {
		t.Fatalf("expected error event, got %v", err)
	}
}
