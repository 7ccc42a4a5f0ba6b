package timescale

import (
	"context"
	"testing"
	"time"

	"okx-grid-hedge/internal/config"
	"okx-grid-hedge/internal/market"

	"go.uber.org/zap"
)

func TestDisabledWriterIsNil(t *testing.T) {
	w, err := New(config.TimescaleConfig{Enabled: false}, zap.NewNop())
	if err != nil || w != nil {
		t.Fatalf("expected nil writer when disabled, got %v %v", w, err)
	}
	// A nil writer accepts every call.
	w.Start(context.Background())
	w.EnqueueCandle(market.Candle{Asset: "ETH-USDT-SWAP"})
	w.EnqueueDecision(DecisionRow{Kind: "grid"})
	w.EnqueuePosition(PositionRow{InstID: "ETH-USDT-SWAP"})
	if err := w.Close(); err != nil {
		t.Fatalf("close nil writer: %v", err)
	}
}

func TestEnabledWriterRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("expected dsn error")
	}
}

func TestFullQueueDropsRows(t *testing.T) {
	w := newWriter(nil, config.TimescaleConfig{QueueSize: 1}, zap.NewNop())
	now := time.Now()
	w.EnqueueDecision(DecisionRow{Time: now, Kind: "grid"})
	w.EnqueueDecision(DecisionRow{Time: now, Kind: "grid"})
	w.EnqueueDecision(DecisionRow{Time: now, Kind: "hedge"})
	w.EnqueueCandle(market.Candle{Start: now})
	_, decisions, positions := w.Dropped()
	if decisions != 2 || positions != 0 {
		t.Fatalf("expected two dropped decisions, got %d/%d", decisions, positions)
	}
	if w.table("market_ohlc") != "public.market_ohlc" {
		t.Fatalf("unexpected default schema table %q", w.table("market_ohlc"))
	}
}
