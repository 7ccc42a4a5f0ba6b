package rest

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"
)

type OrderRequest struct {
	InstID     string `json:"instId"`
	TdMode     string `json:"tdMode"`
	ClOrdID    string `json:"clOrdId,omitempty"`
	Side       string `json:"side"`
	PosSide    string `json:"posSide,omitempty"`
	OrdType    string `json:"ordType"`
	Sz         string `json:"sz"`
	Px         string `json:"px,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
}

// FormatNumber renders a size or price without float noise.
func FormatNumber(v float64) string {
	return decimal.NewFromFloat(v).String()
}

type OrderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// PlaceBatch submits up to 20 orders. A partially rejected batch comes back
// with a non-zero envelope code but per-leg acks, so acks are returned
// alongside the API error when present.
func (c *Client) PlaceBatch(ctx context.Context, orders []OrderRequest) ([]OrderAck, error) {
	return c.batch(ctx, "/api/v5/trade/batch-orders", orders)
}

type CancelRequest struct {
	InstID  string `json:"instId"`
	OrdID   string `json:"ordId,omitempty"`
	ClOrdID string `json:"clOrdId,omitempty"`
}

func (c *Client) CancelBatch(ctx context.Context, orders []CancelRequest) ([]OrderAck, error) {
	return c.batch(ctx, "/api/v5/trade/cancel-batch-orders", orders)
}

func (c *Client) batch(ctx context.Context, path string, req any) ([]OrderAck, error) {
	var acks []OrderAck
	err := c.post(ctx, path, req, &acks)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Code == "1" || apiErr.Code == "2") && len(acks) > 0 {
		return acks, nil
	}
	if err != nil {
		return nil, err
	}
	return acks, nil
}

type OrderInfo struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	State     string `json:"state"`
	Side      string `json:"side"`
	AvgPx     string `json:"avgPx"`
	AccFillSz string `json:"accFillSz"`
	Sz        string `json:"sz"`
}

func (o OrderInfo) AvgPrice() float64 {
	v, _ := strconv.ParseFloat(o.AvgPx, 64)
	return v
}

func (o OrderInfo) FilledSize() float64 {
	v, _ := strconv.ParseFloat(o.AccFillSz, 64)
	return v
}

func (c *Client) Order(ctx context.Context, instID, ordID string) (OrderInfo, error) {
	v := url.Values{}
	v.Set("instId", instID)
	v.Set("ordId", ordID)
	var out []OrderInfo
	if err := c.get(ctx, "/api/v5/trade/order", v, true, &out); err != nil {
		return OrderInfo{}, err
	}
	if len(out) == 0 {
		return OrderInfo{}, &APIError{Code: "51603", Msg: "order does not exist"}
	}
	return out[0], nil
}
