package market

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestUpdateTickOverwritesSameTimestamp(t *testing.T) {
	store := NewStore("BTC-USDT-SWAP", 0, zap.NewNop())
	if err := store.UpdateSeries("ETH-USDT-SWAP", []float64{10, 11, 12}, []int64{1000, 2000, 3000}, "5m"); err != nil {
		t.Fatalf("update series: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := store.UpdateTick("ETH-USDT-SWAP", 13, 2000, "5m"); err != nil {
			t.Fatalf("update tick: %v", err)
		}
	}
	series, ok := store.Series("ETH-USDT-SWAP")
	if !ok {
		t.Fatalf("expected series")
	}
	if series.Len() != 3 {
		t.Fatalf("expected length 3, got %d", series.Len())
	}
	if series.Prices[1] != 13 {
		t.Fatalf("expected overwrite at ts 2000, got %v", series.Prices[1])
	}
}

func TestUpdateTickInsertsInOrder(t *testing.T) {
	store := NewStore("BTC-USDT-SWAP", 0, zap.NewNop())
	_ = store.UpdateSeries("ETH-USDT-SWAP", []float64{10, 12}, []int64{1000, 3000}, "5m")
	if err := store.UpdateTick("ETH-USDT-SWAP", 11, 2000, "5m"); err != nil {
		t.Fatalf("update tick: %v", err)
	}
	if err := store.UpdateTick("ETH-USDT-SWAP", 14, 4000, "5m"); err != nil {
		t.Fatalf("update tick: %v", err)
	}
	series, _ := store.Series("ETH-USDT-SWAP")
	want := []int64{1000, 2000, 3000, 4000}
	for i, ts := range want {
		if series.Timestamps[i] != ts {
			t.Fatalf("timestamps out of order: %v", series.Timestamps)
		}
	}
	price, ok := store.RealtimePrice("ETH-USDT-SWAP")
	if !ok || price != 14 {
		t.Fatalf("expected realtime 14, got %v ok=%v", price, ok)
	}
}

func TestUpdateSeriesNewPointsWin(t *testing.T) {
	store := NewStore("BTC-USDT-SWAP", 0, zap.NewNop())
	_ = store.UpdateSeries("XRP-USDT-SWAP", []float64{1, 2}, []int64{2000, 1000}, "5m")
	_ = store.UpdateSeries("XRP-USDT-SWAP", []float64{5, 3}, []int64{2000, 3000}, "5m")
	series, _ := store.Series("XRP-USDT-SWAP")
	if series.Len() != 3 {
		t.Fatalf("expected 3 points, got %d", series.Len())
	}
	if series.Timestamps[0] != 1000 || series.Prices[1] != 5 || series.Prices[2] != 3 {
		t.Fatalf("unexpected merge result %+v", series)
	}
}

func TestUpdateValidation(t *testing.T) {
	store := NewStore("BTC-USDT-SWAP", 0, zap.NewNop())
	err := store.UpdateSeries("ETH-USDT-SWAP", []float64{1, 2}, []int64{1000}, "5m")
	if !errors.Is(err, ErrLengthMismatch) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected length mismatch, got %v", err)
	}
	if err := store.UpdateTick("ETH-USDT-SWAP", math.NaN(), 1000, "5m"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for NaN, got %v", err)
	}
	if err := store.UpdateTick("ETH-USDT-SWAP", math.Inf(1), 1000, "5m"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for Inf, got %v", err)
	}
	if err := store.UpdateTick("ETH-USDT-SWAP", 10, 0, "5m"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for ts<=0, got %v", err)
	}
	if _, ok := store.Series("ETH-USDT-SWAP"); ok {
		t.Fatalf("expected rejected updates to leave no series")
	}
}

func TestSeriesReturnsCopy(t *testing.T) {
	store := NewStore("BTC-USDT-SWAP", 0, zap.NewNop())
	_ = store.UpdateSeries("ETH-USDT-SWAP", []float64{10}, []int64{1000}, "5m")
	series, _ := store.Series("ETH-USDT-SWAP")
	series.Prices[0] = 99
	again, _ := store.Series("ETH-USDT-SWAP")
	if again.Prices[0] != 10 {
		t.Fatalf("expected store to be unaffected by caller mutation")
	}
}

func TestRefreshBetaReferenceIsIdentity(t *testing.T) {
	store := NewStore("BTC-USDT-SWAP", 0, zap.NewNop())
	n := 40
	ts := make([]int64, n)
	btc := make([]float64, n)
	eth := make([]float64, n)
	for i := 0; i < n; i++ {
		ts[i] = int64(i+1) * 300000
		eth[i] = 2000 + float64(i)
		btc[i] = eth[i] * 20
	}
	_ = store.UpdateSeries("BTC-USDT-SWAP", btc, ts, "5m")
	_ = store.UpdateSeries("ETH-USDT-SWAP", eth, ts, "5m")
	_ = store.UpdateSeries("SOL-USDT-SWAP", []float64{100}, []int64{ts[0]}, "5m")

	var observed BetaMap
	store.OnBeta(func(m BetaMap) { observed = m })
	beta := store.RefreshBeta()

	if beta["BTC-USDT-SWAP"] != IdentityBeta {
		t.Fatalf("expected reference identity, got %+v", beta["BTC-USDT-SWAP"])
	}
	if math.Abs(beta["ETH-USDT-SWAP"].A-20) > 1e-9 || beta["ETH-USDT-SWAP"].B != 0 {
		t.Fatalf("expected eth beta 20, got %+v", beta["ETH-USDT-SWAP"])
	}
	if beta["SOL-USDT-SWAP"] != IdentityBeta {
		t.Fatalf("expected identity for single aligned point, got %+v", beta["SOL-USDT-SWAP"])
	}
	if observed["ETH-USDT-SWAP"] != beta["ETH-USDT-SWAP"] {
		t.Fatalf("expected observer to receive published map")
	}
	norm, ok := store.NormalizedPrice("ETH-USDT-SWAP")
	if !ok || math.Abs(norm-btc[n-1]) > 1e-6 {
		t.Fatalf("expected normalized price %v, got %v", btc[n-1], norm)
	}
}

func TestRunRecomputesOnUpdate(t *testing.T) {
	store := NewStore("BTC-USDT-SWAP", 0, zap.NewNop())
	done := make(chan BetaMap, 4)
	store.OnBeta(func(m BetaMap) { done <- m })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx)

	_ = store.UpdateSeries("BTC-USDT-SWAP", []float64{100, 200}, []int64{1, 2}, "5m")
	_ = store.UpdateSeries("ETH-USDT-SWAP", []float64{10, 20}, []int64{1, 2}, "5m")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-done:
			if beta, ok := m["ETH-USDT-SWAP"]; ok && math.Abs(beta.A-10) < 1e-9 {
				return
			}
		case <-deadline:
			t.Fatalf("beta worker did not publish eth fit")
		}
	}
}

func TestUpdateCandleOverwritesAndCaps(t *testing.T) {
	store := NewStore("BTC-USDT-SWAP", 3, zap.NewNop())
	base := time.UnixMilli(1700000000000).UTC()
	for i := 0; i < 4; i++ {
		store.UpdateCandle("ETH-USDT-SWAP", Candle{Start: base.Add(time.Duration(i) * 5 * time.Minute), Close: float64(i)})
	}
	store.UpdateCandle("ETH-USDT-SWAP", Candle{Start: base.Add(15 * time.Minute), Close: 42})
	candles := store.Candles("ETH-USDT-SWAP")
	if len(candles) != 3 {
		t.Fatalf("expected cap of 3, got %d", len(candles))
	}
	if candles[2].Close != 42 {
		t.Fatalf("expected overwrite of last candle, got %v", candles[2].Close)
	}
	if candles[0].Close != 1 {
		t.Fatalf("expected oldest candle dropped, got %v", candles[0].Close)
	}
}

func TestRealtimeProfitsPairs(t *testing.T) {
	store := NewStore("BTC-USDT-SWAP", 0, zap.NewNop())
	_ = store.UpdateTick("BTC-USDT-SWAP", 100, 1, "5m")
	_ = store.UpdateTick("ETH-USDT-SWAP", 100, 1, "5m")
	profits := store.RealtimeProfits()
	if got, ok := profits["BTC-USDT-SWAP:ETH-USDT-SWAP"]; !ok || got != 0 {
		t.Fatalf("expected zero gap for equal prices, got %v ok=%v", got, ok)
	}
}
