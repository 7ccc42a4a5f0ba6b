package indicators

import (
	"math"
	"testing"
	"time"

	"okx-grid-hedge/internal/market"
)

func flatCandles(n int, price, spread float64) []market.Candle {
	out := make([]market.Candle, n)
	start := time.UnixMilli(1700000000000)
	for i := range out {
		out[i] = market.Candle{
			Start: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:  price,
			High:  price + spread,
			Low:   price - spread,
			Close: price,
		}
	}
	return out
}

func TestATRConstantRange(t *testing.T) {
	atr, ok := ATR(flatCandles(130, 100, 1), 120)
	if !ok {
		t.Fatalf("expected atr")
	}
	if math.Abs(atr-0.02) > 1e-12 {
		t.Fatalf("expected 0.02, got %v", atr)
	}
	if _, ok := ATR(flatCandles(120, 100, 1), 120); ok {
		t.Fatalf("expected atr to need period+1 candles")
	}
}

func TestBollingerLastFlatSeries(t *testing.T) {
	bands, ok := BollingerLast(flatCandles(25, 50, 1), 20, 2)
	if !ok {
		t.Fatalf("expected bands")
	}
	if bands.Middle != 50 || bands.Upper != 50 || bands.Lower != 50 || bands.Bandwidth != 0 {
		t.Fatalf("unexpected bands %+v", bands)
	}
	if _, ok := BollingerLast(flatCandles(10, 50, 1), 20, 2); ok {
		t.Fatalf("expected too few candles to fail")
	}
}

func TestRSI(t *testing.T) {
	rising := make([]float64, 20)
	for i := range rising {
		rising[i] = float64(i)
	}
	if v, ok := RSI(rising, 14); !ok || v != 100 {
		t.Fatalf("expected 100 for rising series, got %v ok=%v", v, ok)
	}
	alternating := []float64{10, 11, 10, 11, 10, 11, 10, 11, 10, 11, 10}
	v, ok := RSI(alternating, 6)
	if !ok || math.Abs(v-50) > 1e-9 {
		t.Fatalf("expected 50 for balanced moves, got %v", v)
	}
	if _, ok := RSI([]float64{1, 2, 3}, 6); ok {
		t.Fatalf("expected short input to be unavailable")
	}
}

func TestMA(t *testing.T) {
	got := MA([]float64{1, 2, 3, 4, 5}, 2)
	want := []float64{1.5, 2.5, 3.5, 4.5}
	if len(got) != len(want) {
		t.Fatalf("unexpected length %d", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ma[%d]=%v want %v", i, got[i], want[i])
		}
	}
	if MA([]float64{1}, 2) != nil {
		t.Fatalf("expected nil for short input")
	}
}

func TestIV(t *testing.T) {
	if IV([]float64{100, 100, 100, 100}) != 0 {
		t.Fatalf("expected zero volatility for flat prices")
	}
	if IV([]float64{100, 101, 99, 102}) <= 0 {
		t.Fatalf("expected positive volatility")
	}
}
