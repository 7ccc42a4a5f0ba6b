package rest

import (
	"context"
	"net/url"
	"strconv"
)

type Position struct {
	InstID      string `json:"instId"`
	InstType    string `json:"instType"`
	PosSide     string `json:"posSide"`
	Pos         string `json:"pos"`
	AvgPx       string `json:"avgPx"`
	MarkPx      string `json:"markPx"`
	MgnRatio    string `json:"mgnRatio"`
	NotionalUsd string `json:"notionalUsd"`
	Upl         string `json:"upl"`
}

func parseNum(raw string) float64 {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

// Size is signed: short positions in net mode are negative.
func (p Position) Size() float64 {
	size := parseNum(p.Pos)
	if p.PosSide == "short" && size > 0 {
		return -size
	}
	return size
}

func (p Position) MarginRatio() float64 { return parseNum(p.MgnRatio) }
func (p Position) Notional() float64    { return parseNum(p.NotionalUsd) }
func (p Position) AvgPrice() float64    { return parseNum(p.AvgPx) }

func (c *Client) Positions(ctx context.Context, instType string) ([]Position, error) {
	v := url.Values{}
	if instType != "" {
		v.Set("instType", instType)
	}
	var out []Position
	if err := c.get(ctx, "/api/v5/account/positions", v, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}
