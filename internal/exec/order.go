package exec

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"okx-grid-hedge/internal/market"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

type OrderStatus string

const (
	StatusPending       OrderStatus = "pending"
	StatusPlaced        OrderStatus = "placed"
	StatusConfirmed     OrderStatus = "confirmed"
	StatusUnsuccess     OrderStatus = "unsuccess"
	StatusFailed        OrderStatus = "failed"
	StatusConfirmFailed OrderStatus = "confirm_failed"
	StatusConfirmError  OrderStatus = "confirm_error"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPlaced, StatusConfirmed, StatusUnsuccess, StatusFailed, StatusConfirmFailed, StatusConfirmError:
		return true
	}
	return false
}

const (
	OrdTypeMarket = "market"
	OrdTypeLimit  = "limit"
	TdModeCross   = "cross"
)

type Order struct {
	ClientOrderID   string      `json:"cl_ord_id"`
	ExchangeOrderID string      `json:"ord_id,omitempty"`
	InstID          string      `json:"inst_id"`
	Side            Side        `json:"side"`
	PosSide         string      `json:"pos_side,omitempty"`
	OrdType         string      `json:"ord_type"`
	TdMode          string      `json:"td_mode"`
	Size            float64     `json:"sz"`
	Price           float64     `json:"px,omitempty"`
	AvgPrice        float64     `json:"avg_px,omitempty"`
	FilledSize      float64     `json:"acc_fill_sz,omitempty"`
	ReduceOnly      bool        `json:"reduce_only,omitempty"`
	Status          OrderStatus `json:"status"`
	Beta            market.Beta `json:"beta"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	ErrorMsg        string      `json:"error_msg,omitempty"`
}

// MarketOrder builds an unsubmitted cross-margin market order.
func MarketOrder(instID string, side Side, size float64) Order {
	return Order{
		InstID:  instID,
		Side:    side,
		OrdType: OrdTypeMarket,
		TdMode:  TdModeCross,
		Size:    size,
		Beta:    market.IdentityBeta,
	}
}

// FillPrice is the average fill price, falling back to the order price.
func (o Order) FillPrice() float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	return o.Price
}

// FillSize is the filled size, falling back to the requested size.
func (o Order) FillSize() float64 {
	if o.FilledSize > 0 {
		return o.FilledSize
	}
	return o.Size
}

// NewClientOrderID returns a 32 character alphanumeric idempotency key.
func NewClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

type PlaceResult struct {
	ClientOrderID string
	OrderID       string
	Code          string
	Msg           string
}

type CancelResult struct {
	ClientOrderID string
	OrderID       string
	Code          string
	Msg           string
}

// Exchange order states.
const (
	StateLive            = "live"
	StatePartiallyFilled = "partially_filled"
	StateFilled          = "filled"
	StateCanceled        = "canceled"
)

type OrderDetail struct {
	OrderID       string
	ClientOrderID string
	State         string
	AvgPrice      float64
	FilledSize    float64
}
