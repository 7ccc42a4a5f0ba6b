package strategy

import (
	"math"

	"okx-grid-hedge/internal/indicators"
	"okx-grid-hedge/internal/market"
)

const (
	MinThreshold = 0.001
	MaxThreshold = 0.012

	atrPeriod       = 120
	bollingerWindow = 20
	bollingerWidth  = 2
	fastRSIPeriod   = 6
	slowRSIPeriod   = 14
	justCrossedCell = 0.2
)

type ThresholdInput struct {
	Candles       []market.Candle
	RecentPrices  []float64
	Price         float64
	BaseThreshold float64
	// GridSpan is the fractional distance from the reference price in grid
	// widths; GridCount the whole lines crossed.
	GridSpan       float64
	GridCount      int
	SinceLastTrade float64
	Retracement    float64
	Tendency       int
	CellLower      float64
	CellUpper      float64
}

type ThresholdResult struct {
	Initial        float64
	TimeFactor     float64
	BandFactor     float64
	GridFactor     float64
	MomentumFactor float64
	Threshold      float64
}

// ComputeThreshold derives the drawdown tolerance for a grid pullback. The
// result is always finite and within [MinThreshold, MaxThreshold].
func ComputeThreshold(in ThresholdInput) ThresholdResult {
	base := clampThreshold(in.BaseThreshold)
	initial := base
	if atr, ok := indicators.ATR(in.Candles, atrPeriod); ok && atr > 0 && isFinite(atr) {
		initial = math.Min(atr*math.Sqrt(5), in.BaseThreshold)
	}
	initial = clampThreshold(initial)

	res := ThresholdResult{
		Initial:        initial,
		TimeFactor:     timeFactor(in.SinceLastTrade),
		BandFactor:     bandFactor(in),
		GridFactor:     gridFactor(in),
		MomentumFactor: momentumFactor(in),
	}
	value := res.Initial * res.TimeFactor * (res.BandFactor + res.MomentumFactor) / 2 * res.GridFactor
	if !isFinite(value) {
		value = initial
	}
	res.Threshold = clampThreshold(value)
	return res
}

func timeFactor(seconds float64) float64 {
	if seconds < 0 || !isFinite(seconds) {
		seconds = 0
	}
	return 1 - math.Min(math.Log1p(seconds/86400), 0.5)
}

// bandFactor maps the price's offset from the Bollinger midline onto
// [-50, 50], where ±50 is a band edge.
func bandFactor(in ThresholdInput) float64 {
	bands, ok := indicators.BollingerLast(in.Candles, bollingerWindow, bollingerWidth)
	if !ok || bands.Upper == bands.Middle {
		return 1
	}
	dev := (in.Price - bands.Middle) / (bands.Upper - bands.Middle) * 50
	if !isFinite(dev) {
		return 1
	}
	abs := math.Abs(dev)
	var factor float64
	switch {
	case abs >= 50:
		factor = 0.1
	case abs < 10:
		factor = 0.3
	case Sign(dev) == in.Tendency:
		factor = 0.3 + 0.7*(abs-10)/40
	default:
		factor = 1
	}
	return clamp(factor, 0.1, 1)
}

func gridFactor(in ThresholdInput) float64 {
	width := in.CellUpper - in.CellLower
	var depth float64
	if width > 0 {
		switch {
		case in.Tendency > 0:
			depth = (in.Price - in.CellLower) / width
		case in.Tendency < 0:
			depth = (in.CellUpper - in.Price) / width
		}
	}
	depth = clamp(depth, 0, 1)
	count := abs(in.GridCount)
	if count >= 1 && depth < justCrossedCell {
		return 0.2
	}
	return clamp(math.Min(1.5, 0.5+0.25*float64(count)+0.5*depth), 0.2, 1.5)
}

func momentumFactor(in ThresholdInput) float64 {
	fast, okFast := indicators.RSI(in.RecentPrices, fastRSIPeriod)
	slow, okSlow := indicators.RSI(in.RecentPrices, slowRSIPeriod)
	if !okFast || !okSlow {
		return 1
	}
	var factor float64
	switch {
	case in.Tendency > 0 && fast > 70:
		factor = math.Max(0.2, 1-(fast-70)/30*0.8)
	case in.Tendency < 0 && fast < 30:
		factor = math.Max(0.2, 1-(30-fast)/30*0.8)
	case in.Tendency > 0 && fast < 30:
		factor = 1
		if fast < slow {
			factor = 0.4
		}
	case in.Tendency < 0 && fast > 70:
		factor = 1
		if fast > slow {
			factor = 0.4
		}
	default:
		factor = 0.8
	}
	return clamp(factor, 0.2, 1)
}

func clampThreshold(v float64) float64 {
	if !isFinite(v) {
		return MinThreshold
	}
	return clamp(v, MinThreshold, MaxThreshold)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
