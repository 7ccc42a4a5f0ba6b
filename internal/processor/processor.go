package processor

import (
	"context"
	"math"
	"time"

	"okx-grid-hedge/internal/account"
	"okx-grid-hedge/internal/exec"
	"okx-grid-hedge/internal/ledger"
	"okx-grid-hedge/internal/market"
	"okx-grid-hedge/internal/metrics"
	"okx-grid-hedge/internal/state"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Kind string

const (
	KindGrid  Kind = "grid"
	KindHedge Kind = "hedge"
)

// Processor is one strategy instance driven by the scheduler. Tick never
// runs concurrently with itself.
type Processor interface {
	Kind() Kind
	Key() string
	Tick(ctx context.Context) error
	Display() Status
}

type Status struct {
	Kind    Kind
	Key     string
	Enabled bool
	Summary string
}

type MarketView interface {
	RealtimePrice(asset string) (float64, bool)
	Series(asset string) (market.Series, bool)
	Candles(asset string) []market.Candle
	Beta() market.BetaMap
}

type Gateway interface {
	ExecuteOrders(ctx context.Context, orders []exec.Order) exec.Result
}

type PositionView interface {
	Position(instID string) (account.Position, bool)
}

type Ledger interface {
	AppendGridOrder(asset string, record ledger.GridOrderRecord) error
	RecordOpening(tx ledger.Transaction) error
	RecordClosing(tx ledger.Transaction) error
	UnclosedOpenings(pairKey string) []ledger.Transaction
	CloseOpening(tradeID string, profit float64) error
}

// Decision is one evaluated tick, traded or not.
type Decision struct {
	TS         time.Time
	Kind       Kind
	Key        string
	Price      float64
	Direction  int
	Tendency   int
	GridCount  int
	TradeCount int
	Correction float64
	Threshold  float64
	Tier       string
	Action     string
	Outcome    string
}

type DecisionSink interface {
	RecordDecision(d Decision)
}

// InstrumentSpec is the sizing metadata of one contract.
type InstrumentSpec struct {
	CtVal float64
	LotSz float64
	MinSz float64
}

// Deps is the engine context handed to every processor.
type Deps struct {
	Market       MarketView
	Gateway      Gateway
	Positions    PositionView
	Ledger       Ledger
	KV           *state.KV
	Decisions    DecisionSink
	Metrics      *metrics.Metrics
	Log          *zap.Logger
	TradeEnabled func() bool
	Now          func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	d.Metrics = metrics.OrNoop(d.Metrics)
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.TradeEnabled == nil {
		d.TradeEnabled = func() bool { return true }
	}
	return d
}

func (d Deps) record(dec Decision) {
	if d.Decisions != nil {
		d.Decisions.RecordDecision(dec)
	}
}

// RoundSize floors size to the lot step and drops it below the minimum.
func (s InstrumentSpec) RoundSize(size float64) float64 {
	if size <= 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		return 0
	}
	d := decimal.NewFromFloat(size)
	if s.LotSz > 0 {
		lot := decimal.NewFromFloat(s.LotSz)
		d = d.Div(lot).Floor().Mul(lot)
	}
	out, _ := d.Float64()
	if s.MinSz > 0 && out < s.MinSz {
		return 0
	}
	return out
}

func (s InstrumentSpec) ctVal() float64 {
	if s.CtVal > 0 {
		return s.CtVal
	}
	return 1
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
