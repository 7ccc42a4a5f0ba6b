package rest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"okx-grid-hedge/internal/market"

	"go.uber.org/zap"
)

const maxFetchRetries = 5

type CandleQuery struct {
	InstID string
	Bar    string
	// After returns candles older than this ts (ms); Before returns newer.
	After  int64
	Before int64
	Limit  int
}

func (q CandleQuery) values() url.Values {
	v := url.Values{}
	v.Set("instId", q.InstID)
	if q.Bar != "" {
		v.Set("bar", q.Bar)
	}
	if q.After > 0 {
		v.Set("after", strconv.FormatInt(q.After, 10))
	}
	if q.Before > 0 {
		v.Set("before", strconv.FormatInt(q.Before, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func (c *Client) Candles(ctx context.Context, q CandleQuery) ([]market.Candle, error) {
	return c.candles(ctx, "/api/v5/market/candles", q)
}

func (c *Client) HistoryCandles(ctx context.Context, q CandleQuery) ([]market.Candle, error) {
	return c.candles(ctx, "/api/v5/market/history-candles", q)
}

func (c *Client) candles(ctx context.Context, path string, q CandleQuery) ([]market.Candle, error) {
	var rows [][]string
	if err := c.get(ctx, path, q.values(), false, &rows); err != nil {
		return nil, err
	}
	return market.ParseCandleRows(q.InstID, q.Bar, rows)
}

type HistoryRequest struct {
	InstID     string
	Bar        string
	From       time.Time
	To         time.Time
	PageLimit  int
	MaxCandles int
	Retries    int
}

// FetchHistory pages backwards from To until From is covered, returning the
// candles in [From, To] oldest first.
func (c *Client) FetchHistory(ctx context.Context, req HistoryRequest) ([]market.Candle, error) {
	if req.PageLimit <= 0 || req.PageLimit > 100 {
		req.PageLimit = 100
	}
	if req.Retries <= 0 || req.Retries > maxFetchRetries {
		req.Retries = maxFetchRetries
	}
	if req.To.IsZero() {
		req.To = c.now()
	}
	fromMS := req.From.UnixMilli()
	cursor := req.To.UnixMilli()
	seen := make(map[int64]struct{})
	var out []market.Candle
	for {
		page, err := c.historyPage(ctx, CandleQuery{InstID: req.InstID, Bar: req.Bar, After: cursor, Limit: req.PageLimit}, req.Retries)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		oldest := cursor
		for _, candle := range page {
			ts := candle.TS()
			if ts < oldest {
				oldest = ts
			}
			if ts < fromMS {
				continue
			}
			if _, dup := seen[ts]; dup {
				continue
			}
			seen[ts] = struct{}{}
			out = append(out, candle)
		}
		if oldest >= cursor || oldest <= fromMS {
			break
		}
		if req.MaxCandles > 0 && len(out) >= req.MaxCandles {
			break
		}
		cursor = oldest
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if req.MaxCandles > 0 && len(out) > req.MaxCandles {
		out = out[len(out)-req.MaxCandles:]
	}
	return out, nil
}

func (c *Client) historyPage(ctx context.Context, q CandleQuery, retries int) ([]market.Candle, error) {
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			if backoff > time.Second {
				backoff = time.Second
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		page, err := c.HistoryCandles(ctx, q)
		if err == nil {
			return page, nil
		}
		if errors.Is(err, market.ErrValidation) {
			return nil, err
		}
		lastErr = err
		c.log.Warn("history page failed", zap.String("inst_id", q.InstID), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("history %s after %d attempts: %w", q.InstID, retries, lastErr)
}

type Instrument struct {
	InstID   string `json:"instId"`
	InstType string `json:"instType"`
	RawCtVal string `json:"ctVal"`
	RawLotSz string `json:"lotSz"`
	RawMinSz string `json:"minSz"`
	TickSz   string `json:"tickSz"`
	State    string `json:"state"`
}

// CtVal is the contract value; spot instruments report none and count as 1.
func (i Instrument) CtVal() float64 {
	if v := parseNum(i.RawCtVal); v > 0 {
		return v
	}
	return 1
}

func (i Instrument) LotSz() float64 { return parseNum(i.RawLotSz) }
func (i Instrument) MinSz() float64 { return parseNum(i.RawMinSz) }

func (c *Client) Instruments(ctx context.Context, instType, instID string) ([]Instrument, error) {
	v := url.Values{}
	v.Set("instType", instType)
	if instID != "" {
		v.Set("instId", instID)
	}
	var out []Instrument
	if err := c.get(ctx, "/api/v5/public/instruments", v, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type OpenInterest struct {
	TS    int64
	OI    float64
	OIUsd float64
}

// OpenInterestHistory returns contract open interest, oldest first. Rows
// are [ts, oi, oiCcy, oiUsd].
func (c *Client) OpenInterestHistory(ctx context.Context, instID, period string) ([]OpenInterest, error) {
	v := url.Values{}
	v.Set("instId", instID)
	if period != "" {
		v.Set("period", period)
	}
	var rows [][]string
	if err := c.get(ctx, "/api/v5/rubik/stat/contracts/open-interest-history", v, false, &rows); err != nil {
		return nil, err
	}
	out := make([]OpenInterest, 0, len(rows))
	for _, row := range rows {
		if len(row) < 4 {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		oi, _ := strconv.ParseFloat(row[1], 64)
		usd, _ := strconv.ParseFloat(row[3], 64)
		out = append(out, OpenInterest{TS: ts, OI: oi, OIUsd: usd})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out, nil
}
