package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"okx-grid-hedge/internal/config"
	"okx-grid-hedge/internal/market"
	"okx-grid-hedge/internal/metrics"
	"okx-grid-hedge/internal/okx/rest"
	"okx-grid-hedge/internal/okx/ws"

	"go.uber.org/zap"
)

type FeedState string

const (
	FeedIdle      FeedState = "idle"
	FeedSyncing   FeedState = "syncing"
	FeedStreaming FeedState = "streaming"
	FeedBackoff   FeedState = "backoff"
)

var ErrTooManyReconnects = errors.New("feed reconnect limit reached")

type historySource interface {
	FetchHistory(ctx context.Context, req rest.HistoryRequest) ([]market.Candle, error)
}

type candleStream interface {
	Subscribe(ctx context.Context, channel, instID string) error
	Run(ctx context.Context, handler func(json.RawMessage)) error
}

// feedHooks let the app pause processors around a resync and mirror
// candles elsewhere.
type feedHooks struct {
	onDisconnect func()
	onReconnect  func(ctx context.Context)
	onCandle     func(market.Candle)
}

// Feed keeps the market store current: a history sync, then the candle
// stream, and on every stream failure a shorter resync before
// reconnecting.
type Feed struct {
	market   config.MarketConfig
	ws       config.WSConfig
	history  historySource
	stream   candleStream
	store    *market.Store
	metrics  *metrics.Metrics
	log      *zap.Logger
	hooks    feedHooks
	now      func() time.Time
	received atomic.Bool

	mu    sync.Mutex
	state FeedState
}

func NewFeed(marketCfg config.MarketConfig, wsCfg config.WSConfig, history historySource, stream candleStream, store *market.Store, m *metrics.Metrics, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		market:  marketCfg,
		ws:      wsCfg,
		history: history,
		stream:  stream,
		store:   store,
		metrics: metrics.OrNoop(m),
		log:     log.With(zap.String("component", "feed")),
		now:     time.Now,
		state:   FeedIdle,
	}
}

func (f *Feed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Feed) setState(s FeedState) {
	f.mu.Lock()
	prev := f.state
	f.state = s
	f.mu.Unlock()
	if prev != s {
		f.log.Info("feed state", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// Sync loads the last days of candles for every asset into the store.
func (f *Feed) Sync(ctx context.Context, days int) error {
	f.setState(FeedSyncing)
	to := f.now()
	from := to.Add(-time.Duration(days) * 24 * time.Hour)
	for _, asset := range f.market.Assets {
		candles, err := f.history.FetchHistory(ctx, rest.HistoryRequest{
			InstID:     asset,
			Bar:        f.market.Bar,
			From:       from,
			To:         to,
			PageLimit:  f.market.PageLimit,
			MaxCandles: f.market.CandleLimit,
			Retries:    f.market.FetchRetries,
		})
		if err != nil {
			return fmt.Errorf("sync %s: %w", asset, err)
		}
		if len(candles) == 0 {
			f.log.Warn("no history returned", zap.String("inst_id", asset))
			continue
		}
		f.store.UpdateCandles(asset, candles)
		prices := market.Closes(candles)
		timestamps := make([]int64, len(candles))
		for i, c := range candles {
			timestamps[i] = c.TS()
		}
		if err := f.store.UpdateSeries(asset, prices, timestamps, f.market.Bar); err != nil {
			return fmt.Errorf("sync %s: %w", asset, err)
		}
		f.log.Info("history synced", zap.String("inst_id", asset), zap.Int("candles", len(candles)))
	}
	return nil
}

// Run subscribes every asset and streams until ctx ends or the reconnect
// limit is exhausted.
func (f *Feed) Run(ctx context.Context) error {
	channel := ws.CandleChannel(f.market.Bar)
	for _, asset := range f.market.Assets {
		if err := f.stream.Subscribe(ctx, channel, asset); err != nil {
			return fmt.Errorf("subscribe %s: %w", asset, err)
		}
	}
	failures := 0
	for {
		f.setState(FeedStreaming)
		f.received.Store(false)
		err := f.stream.Run(ctx, f.handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.metrics.FeedReconnects.Inc()
		if f.received.Load() {
			failures = 0
		}
		failures++
		f.log.Warn("candle stream ended", zap.Int("consecutive_failures", failures), zap.Error(err))
		if f.hooks.onDisconnect != nil {
			f.hooks.onDisconnect()
		}
		failures, err = f.recover(ctx, failures)
		if err != nil {
			return err
		}
		if f.hooks.onReconnect != nil {
			f.hooks.onReconnect(ctx)
		}
	}
}

// recover waits out the reconnect delay and resyncs history, retrying until
// a resync succeeds or the failure budget is spent.
func (f *Feed) recover(ctx context.Context, failures int) (int, error) {
	for {
		if limit := f.ws.MaxReconnects; limit > 0 && failures > limit {
			return failures, fmt.Errorf("%w after %d attempts", ErrTooManyReconnects, failures-1)
		}
		f.setState(FeedBackoff)
		select {
		case <-ctx.Done():
			return failures, ctx.Err()
		case <-time.After(f.ws.ReconnectDelay):
		}
		err := f.Sync(ctx, f.market.ResyncDays)
		if err == nil {
			return failures, nil
		}
		if ctx.Err() != nil {
			return failures, ctx.Err()
		}
		failures++
		f.log.Warn("resync failed", zap.Int("consecutive_failures", failures), zap.Error(err))
	}
}

func (f *Feed) handle(raw json.RawMessage) {
	_, instID, candles, err := ws.ParseCandlePush(raw)
	if err != nil {
		if !errors.Is(err, ws.ErrNoData) {
			f.log.Warn("candle push rejected", zap.Error(err))
		}
		return
	}
	f.received.Store(true)
	for _, candle := range candles {
		f.store.UpdateCandle(instID, candle)
		if err := f.store.UpdateTick(instID, candle.Close, candle.TS(), f.market.Bar); err != nil {
			f.log.Warn("tick rejected", zap.String("inst_id", instID), zap.Error(err))
			continue
		}
		if f.hooks.onCandle != nil {
			f.hooks.onCandle(candle)
		}
	}
}
