package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"okx-grid-hedge/internal/config"
	"okx-grid-hedge/internal/market"
	"okx-grid-hedge/internal/metrics"
	"okx-grid-hedge/internal/okx/rest"

	"go.uber.org/zap"
)

const feedAsset = "ETH-USDT-SWAP"

type fakeHistory struct {
	mu       sync.Mutex
	requests []rest.HistoryRequest
	fail     bool
}

func (f *fakeHistory) FetchHistory(ctx context.Context, req rest.HistoryRequest) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.fail {
		return nil, errors.New("history unavailable")
	}
	start := time.UnixMilli(1700000000000)
	out := make([]market.Candle, 3)
	for i := range out {
		out[i] = market.Candle{
			Asset:     req.InstID,
			Interval:  req.Bar,
			Start:     start.Add(time.Duration(i-2) * time.Minute),
			Open:      100,
			High:      100,
			Low:       100,
			Close:     99 + float64(i),
			Confirmed: true,
		}
	}
	return out, nil
}

func (f *fakeHistory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// fakeStream plays one scripted session per Run call, then blocks until the
// context ends.
type fakeStream struct {
	mu       sync.Mutex
	subs     []string
	sessions []func(handler func(json.RawMessage)) error
	runs     int
}

func (f *fakeStream) Subscribe(ctx context.Context, channel, instID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, channel+":"+instID)
	return nil
}

func (f *fakeStream) Run(ctx context.Context, handler func(json.RawMessage)) error {
	f.mu.Lock()
	idx := f.runs
	f.runs++
	var session func(handler func(json.RawMessage)) error
	if idx < len(f.sessions) {
		session = f.sessions[idx]
	}
	f.mu.Unlock()
	if session != nil {
		return session(handler)
	}
	<-ctx.Done()
	return ctx.Err()
}

type feedCounter struct{ n atomic.Int64 }

func (c *feedCounter) Inc() { c.n.Add(1) }

func candlePush(ts int64, closePx float64) json.RawMessage {
	px := fmt.Sprintf("%g", closePx)
	return json.RawMessage(fmt.Sprintf(
		`{"arg":{"channel":"candle1m","instId":%q},"data":[["%d","%s","%s","%s","%s","10","0","0","0"]]}`,
		feedAsset, ts, px, px, px, px))
}

func newTestFeed(history *fakeHistory, stream *fakeStream, maxReconnects int) (*Feed, *market.Store, *feedCounter) {
	store := market.NewStore(feedAsset, 100, zap.NewNop())
	reconnects := &feedCounter{}
	m := metrics.NewNoop()
	m.FeedReconnects = reconnects
	feed := NewFeed(
		config.MarketConfig{Assets: []string{feedAsset}, Bar: "1m", HistoryDays: 5, ResyncDays: 1, PageLimit: 100, CandleLimit: 100, FetchRetries: 1},
		config.WSConfig{ReconnectDelay: time.Millisecond, MaxReconnects: maxReconnects},
		history, stream, store, m, zap.NewNop(),
	)
	return feed, store, reconnects
}

func TestFeedSyncLoadsHistory(t *testing.T) {
	history := &fakeHistory{}
	feed, store, _ := newTestFeed(history, &fakeStream{}, 0)
	if err := feed.Sync(context.Background(), 5); err != nil {
		t.Fatalf("sync: %v", err)
	}
	price, ok := store.RealtimePrice(feedAsset)
	if !ok || price != 101 {
		t.Fatalf("expected latest close 101, got %v ok=%v", price, ok)
	}
	if got := len(store.Candles(feedAsset)); got != 3 {
		t.Fatalf("expected 3 cached candles, got %d", got)
	}
	req := history.requests[0]
	if req.Bar != "1m" || req.To.Sub(req.From) != 5*24*time.Hour {
		t.Fatalf("unexpected history request %+v", req)
	}
}

func TestFeedSyncFailure(t *testing.T) {
	feed, _, _ := newTestFeed(&fakeHistory{fail: true}, &fakeStream{}, 0)
	if err := feed.Sync(context.Background(), 5); err == nil {
		t.Fatalf("expected sync error")
	}
}

func TestFeedReconnectResyncs(t *testing.T) {
	history := &fakeHistory{}
	var candles []market.Candle
	stream := &fakeStream{sessions: []func(handler func(json.RawMessage)) error{
		func(handler func(json.RawMessage)) error {
			handler(candlePush(1700000060000, 102.5))
			return errors.New("connection reset")
		},
	}}
	feed, store, reconnects := newTestFeed(history, stream, 3)

	var disconnects, reconnected atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed.hooks = feedHooks{
		onDisconnect: func() { disconnects.Add(1) },
		onReconnect: func(context.Context) {
			reconnected.Add(1)
			cancel()
		},
		onCandle: func(c market.Candle) { candles = append(candles, c) },
	}
	err := feed.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if len(stream.subs) != 1 || stream.subs[0] != "candle1m:"+feedAsset {
		t.Fatalf("unexpected subscriptions %v", stream.subs)
	}
	if disconnects.Load() != 1 || reconnected.Load() != 1 {
		t.Fatalf("expected one disconnect and one reconnect, got %d/%d", disconnects.Load(), reconnected.Load())
	}
	if reconnects.n.Load() != 1 {
		t.Fatalf("expected reconnect counter 1, got %d", reconnects.n.Load())
	}
	if history.calls() != 1 {
		t.Fatalf("expected one resync request, got %d", history.calls())
	}
	if req := history.requests[0]; req.To.Sub(req.From) != 24*time.Hour {
		t.Fatalf("expected resync window of one day, got %s", req.To.Sub(req.From))
	}
	if len(candles) != 1 || candles[0].Close != 102.5 {
		t.Fatalf("expected pushed candle mirrored, got %+v", candles)
	}
	price, ok := store.RealtimePrice(feedAsset)
	if !ok || price != 102.5 {
		t.Fatalf("expected streamed price to survive resync, got %v", price)
	}
}

func TestFeedGivesUpAfterMaxReconnects(t *testing.T) {
	fail := func(handler func(json.RawMessage)) error { return errors.New("refused") }
	stream := &fakeStream{sessions: []func(handler func(json.RawMessage)) error{fail, fail, fail, fail}}
	feed, _, _ := newTestFeed(&fakeHistory{}, stream, 2)
	err := feed.Run(context.Background())
	if !errors.Is(err, ErrTooManyReconnects) {
		t.Fatalf("expected reconnect limit error, got %v", err)
	}
	if stream.runs != 3 {
		t.Fatalf("expected 3 stream attempts, got %d", stream.runs)
	}
}

func TestFeedDataResetsFailureBudget(t *testing.T) {
	withData := func(handler func(json.RawMessage)) error {
		handler(candlePush(1700000060000, 101))
		return errors.New("dropped")
	}
	stream := &fakeStream{sessions: []func(handler func(json.RawMessage)) error{withData, withData, withData}}
	feed, _, _ := newTestFeed(&fakeHistory{}, stream, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reconnects := 0
	feed.hooks.onReconnect = func(context.Context) {
		reconnects++
		if reconnects == 3 {
			cancel()
		}
	}
	if err := feed.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected sessions with data to keep reconnecting, got %v", err)
	}
}
