package market

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrLengthMismatch = fmt.Errorf("%w: length mismatch", ErrValidation)
)

// Series is an ascending, de-duplicated time/price series for one asset.
type Series struct {
	Asset      string
	Timestamps []int64
	Prices     []float64
}

func (s Series) Len() int {
	return len(s.Timestamps)
}

func (s Series) Last() (int64, float64, bool) {
	n := len(s.Timestamps)
	if n == 0 {
		return 0, 0, false
	}
	return s.Timestamps[n-1], s.Prices[n-1], true
}

func (s Series) clone() Series {
	return Series{
		Asset:      s.Asset,
		Timestamps: append([]int64(nil), s.Timestamps...),
		Prices:     append([]float64(nil), s.Prices...),
	}
}

// Tail returns at most n of the most recent prices.
func (s Series) Tail(n int) []float64 {
	if n <= 0 || n >= len(s.Prices) {
		return append([]float64(nil), s.Prices...)
	}
	return append([]float64(nil), s.Prices[len(s.Prices)-n:]...)
}

func validatePoint(price float64, ts int64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: non-finite price %v", ErrValidation, price)
	}
	if ts <= 0 {
		return fmt.Errorf("%w: timestamp %d", ErrValidation, ts)
	}
	return nil
}

// merge folds prices into s. Incoming points win on equal timestamps.
func (s *Series) merge(prices []float64, timestamps []int64) {
	points := make(map[int64]float64, len(s.Timestamps)+len(timestamps))
	for i, ts := range s.Timestamps {
		points[ts] = s.Prices[i]
	}
	for i, ts := range timestamps {
		points[ts] = prices[i]
	}
	keys := make([]int64, 0, len(points))
	for ts := range points {
		keys = append(keys, ts)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	s.Timestamps = keys
	s.Prices = make([]float64, len(keys))
	for i, ts := range keys {
		s.Prices[i] = points[ts]
	}
}

// upsert overwrites the price at ts or inserts it in order.
func (s *Series) upsert(price float64, ts int64) {
	idx := sort.Search(len(s.Timestamps), func(i int) bool { return s.Timestamps[i] >= ts })
	if idx < len(s.Timestamps) && s.Timestamps[idx] == ts {
		s.Prices[idx] = price
		return
	}
	s.Timestamps = append(s.Timestamps, 0)
	s.Prices = append(s.Prices, 0)
	copy(s.Timestamps[idx+1:], s.Timestamps[idx:])
	copy(s.Prices[idx+1:], s.Prices[idx:])
	s.Timestamps[idx] = ts
	s.Prices[idx] = price
}

// trim keeps the newest limit points.
func (s *Series) trim(limit int) {
	if limit <= 0 || len(s.Timestamps) <= limit {
		return
	}
	drop := len(s.Timestamps) - limit
	s.Timestamps = append([]int64(nil), s.Timestamps[drop:]...)
	s.Prices = append([]float64(nil), s.Prices[drop:]...)
}

func sortCandles(candles []Candle) {
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Start.Before(candles[j].Start) })
}

// Align returns the prices of a and b at timestamps present in both.
func Align(a, b Series) ([]float64, []float64) {
	var xs, ys []float64
	i, j := 0, 0
	for i < len(a.Timestamps) && j < len(b.Timestamps) {
		switch {
		case a.Timestamps[i] == b.Timestamps[j]:
			xs = append(xs, a.Prices[i])
			ys = append(ys, b.Prices[j])
			i++
			j++
		case a.Timestamps[i] < b.Timestamps[j]:
			i++
		default:
			j++
		}
	}
	return xs, ys
}
