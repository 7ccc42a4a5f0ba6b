// Package indicators holds the technical indicators behind the grid
// threshold engine. Each returns ok=false when the input is too short.
package indicators

import (
	"math"

	"okx-grid-hedge/internal/market"
)

// ATR is the average true range as a fraction of the previous close, seeded
// with a simple mean over the first period and smoothed Wilder-style after.
func ATR(candles []market.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		if prevClose == 0 {
			return 0, false
		}
		high := candles[i].High
		low := candles[i].Low
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trs = append(trs, tr/prevClose)
	}
	var atr float64
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

type Bands struct {
	Middle    float64
	Upper     float64
	Lower     float64
	Bandwidth float64
}

// BollingerLast computes the bands over the newest window candles.
func BollingerLast(candles []market.Candle, window int, multiplier float64) (Bands, bool) {
	if window <= 0 || len(candles) < window {
		return Bands{}, false
	}
	closes := market.Closes(candles[len(candles)-window:])
	var sum float64
	for _, c := range closes {
		sum += c
	}
	mid := sum / float64(window)
	var variance float64
	for _, c := range closes {
		variance += (c - mid) * (c - mid)
	}
	std := math.Sqrt(variance / float64(window))
	bands := Bands{
		Middle: mid,
		Upper:  mid + multiplier*std,
		Lower:  mid - multiplier*std,
	}
	if mid != 0 {
		bands.Bandwidth = (bands.Upper - bands.Lower) / mid
	}
	return bands, true
}

const minRSIPoints = 10

// RSI over the newest min(period, len-1) changes using simple averages.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < minRSIPoints {
		return 0, false
	}
	n := period
	if len(closes)-1 < n {
		n = len(closes) - 1
	}
	recent := closes[len(closes)-n-1:]
	var gains, losses float64
	for i := 1; i <= n; i++ {
		diff := recent[i] - recent[i-1]
		if diff > 0 {
			gains += diff
		} else {
			losses -= diff
		}
	}
	avgGain := gains / float64(n)
	avgLoss := losses / float64(n)
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// MA is the rolling mean of values; the result has len(values)-window+1
// entries.
func MA(values []float64, window int) []float64 {
	if window <= 0 || window > len(values) {
		return nil
	}
	out := make([]float64, 0, len(values)-window+1)
	var sum float64
	for i := 0; i < window; i++ {
		sum += values[i]
	}
	out = append(out, sum/float64(window))
	for i := window; i < len(values); i++ {
		sum += values[i] - values[i-window]
		out = append(out, sum/float64(window))
	}
	return out
}

// IV is the sample standard deviation of log returns, scaled by sqrt(60).
func IV(prices []float64) float64 {
	if len(prices) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance) * math.Sqrt(60)
}
