package market

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Candle struct {
	Asset     string
	Interval  string
	Start     time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Confirmed bool
}

func (c Candle) TS() int64 {
	return c.Start.UnixMilli()
}

// ParseCandleRow decodes one exchange candle row:
// [ts, open, high, low, close, vol, volCcy, volCcyQuote, confirm].
func ParseCandleRow(asset, interval string, row []string) (Candle, error) {
	if len(row) < 5 {
		return Candle{}, fmt.Errorf("%w: candle row has %d fields", ErrValidation, len(row))
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
	if err != nil || ts <= 0 {
		return Candle{}, fmt.Errorf("%w: candle ts %q", ErrValidation, row[0])
	}
	var values [4]float64
	for i := range values {
		v, err := parseFloatField(row[i+1])
		if err != nil {
			return Candle{}, err
		}
		values[i] = v
	}
	candle := Candle{
		Asset:    asset,
		Interval: interval,
		Start:    time.UnixMilli(ts).UTC(),
		Open:     values[0],
		High:     values[1],
		Low:      values[2],
		Close:    values[3],
	}
	if len(row) > 5 {
		if vol, err := parseFloatField(row[5]); err == nil {
			candle.Volume = vol
		}
	}
	if len(row) > 8 {
		candle.Confirmed = strings.TrimSpace(row[8]) == "1"
	}
	return candle, nil
}

// ParseCandleRows decodes rows and returns them oldest first. The exchange
// returns newest first.
func ParseCandleRows(asset, interval string, rows [][]string) ([]Candle, error) {
	out := make([]Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := ParseCandleRow(asset, interval, row)
		if err != nil {
			return nil, err
		}
		out = append(out, candle)
	}
	sortCandles(out)
	return out, nil
}

func parseFloatField(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: number %q", ErrValidation, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: non-finite number %q", ErrValidation, raw)
	}
	return v, nil
}

// Closes extracts close prices in candle order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
