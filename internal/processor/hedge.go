package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"okx-grid-hedge/internal/config"
	"okx-grid-hedge/internal/exec"
	"okx-grid-hedge/internal/ledger"
	"okx-grid-hedge/internal/market"
	"okx-grid-hedge/internal/state"
	"okx-grid-hedge/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const hedgeStatePrefix = "HedgeProcessor/"

// HedgeState is persisted under HedgeProcessor/<pair key>.
type HedgeState struct {
	strategy.HedgeMemory
	Enabled bool `json:"enabled"`
	Locked  bool `json:"locked"`
}

type HedgeStatus struct {
	PairKey    string
	DiffRate   float64
	PrevDiff   float64
	MaxDiff    float64
	Open       int
	Unrealized float64
	Enabled    bool
}

// PairKey is the sorted instrument ids joined by ':'.
func PairKey(assets []string) string {
	sorted := append([]string(nil), assets...)
	sort.Strings(sorted)
	return strings.Join(sorted, ":")
}

type Hedge struct {
	cfg     config.HedgeConfig
	assets  [2]string
	pairKey string
	gate    strategy.HedgeGate
	specs   map[string]InstrumentSpec
	deps    Deps
	scope   *state.Scope
	log     *zap.Logger

	mu         sync.Mutex
	state      HedgeState
	lastDiff   float64
	openCount  int
	unrealized float64
}

func NewHedge(cfg config.HedgeConfig, specs map[string]InstrumentSpec, deps Deps) (*Hedge, error) {
	if len(cfg.Assets) != 2 || cfg.Assets[0] == cfg.Assets[1] {
		return nil, fmt.Errorf("hedge needs two distinct assets: %w", strategy.ErrValidation)
	}
	deps = deps.withDefaults()
	key := PairKey(cfg.Assets)
	h := &Hedge{
		cfg:     cfg,
		assets:  [2]string{cfg.Assets[0], cfg.Assets[1]},
		pairKey: key,
		gate:    strategy.HedgeGate{Open: cfg.OpenGate, Close: cfg.CloseGate, ReturnRate: cfg.ReturnRate},
		specs:   specs,
		deps:    deps,
		log:     deps.Log.With(zap.String("processor", "hedge"), zap.String("pair", key)),
	}
	h.state = HedgeState{Enabled: !cfg.Disabled}
	if deps.KV != nil {
		h.scope = deps.KV.Scope(hedgeStatePrefix + key)
		ok, err := h.scope.Load(&h.state)
		if err != nil {
			h.log.Warn("hedge state unreadable, starting fresh", zap.Error(err))
			h.state = HedgeState{Enabled: !cfg.Disabled}
		} else if ok && cfg.Disabled {
			h.state.Enabled = false
		}
	}
	if h.state.Locked {
		h.log.Warn("hedge was mid-evaluation at last shutdown, check exchange positions against the ledger")
		h.state.Locked = false
	}
	return h, nil
}

func (h *Hedge) Kind() Kind  { return KindHedge }
func (h *Hedge) Key() string { return h.pairKey }

func (h *Hedge) spec(asset string) InstrumentSpec {
	if s, ok := h.specs[asset]; ok {
		return s
	}
	return InstrumentSpec{CtVal: 1}
}

func (h *Hedge) save() {
	if h.scope == nil {
		return
	}
	if err := h.scope.Save(h.state); err != nil {
		h.log.Warn("hedge state save failed", zap.Error(err))
	}
}

func (h *Hedge) Tick(ctx context.Context) error {
	if !h.mu.TryLock() {
		h.log.Debug("hedge busy, tick skipped")
		return nil
	}
	defer h.mu.Unlock()
	h.state.Locked = true
	h.save()
	defer func() {
		h.state.Locked = false
		h.save()
	}()
	if !h.state.Enabled {
		return nil
	}
	prices := make(map[string]float64, 2)
	for _, asset := range h.assets {
		px, ok := h.deps.Market.RealtimePrice(asset)
		if !ok || px <= 0 {
			return nil
		}
		prices[asset] = px
	}
	betas := h.deps.Market.Beta()
	n0 := betas.Get(h.assets[0]).Normalize(prices[h.assets[0]])
	n1 := betas.Get(h.assets[1]).Normalize(prices[h.assets[1]])
	diff := market.DiffRate(n0, n1)
	h.lastDiff = diff

	openings := h.closePass(ctx, prices, diff)

	short, long := h.assets[0], h.assets[1]
	if n1 > n0 {
		short, long = h.assets[1], h.assets[0]
	}
	bestOpen := 0.0
	for _, tx := range openings {
		if shortLeg(tx) == short {
			bestOpen = math.Max(bestOpen, openingDiff(tx))
		}
	}
	decision := strategy.HedgeOpenDecision(diff, bestOpen, h.gate, h.state.HedgeMemory)
	h.state.HedgeMemory = decision.Memory
	dec := Decision{Price: diff, Correction: diff, Threshold: h.gate.Open, Outcome: decision.Reason}
	if !decision.Open {
		h.decide(dec)
		return nil
	}
	if !h.deps.TradeEnabled() {
		dec.Outcome = "paused"
		h.decide(dec)
		return nil
	}
	orders, err := h.openOrders(short, long, prices, betas)
	if err != nil {
		dec.Outcome = "size_below_lot"
		h.decide(dec)
		return nil
	}
	res := h.deps.Gateway.ExecuteOrders(ctx, orders)
	if !res.Success {
		dec.Outcome = "open_failed"
		h.decide(dec)
		h.log.Warn("hedge open failed", zap.String("msg", res.Msg), zap.Float64("loss", res.Loss))
		return nil
	}
	h.state.HedgeMemory = h.state.HedgeMemory.Opened(diff)
	h.deps.Metrics.HedgeOpens.Inc()
	dec.Outcome = "opened"
	dec.Action = string(strategy.ActionOpen)
	h.decide(dec)
	if h.deps.Ledger != nil {
		tx := ledger.Transaction{
			TradeID: uuid.NewString(),
			PairKey: h.pairKey,
			Orders:  res.Orders,
			TS:      h.deps.Now().UnixMilli(),
		}
		if err := h.deps.Ledger.RecordOpening(tx); err != nil {
			h.log.Error("record hedge opening failed", zap.Error(err))
		}
	}
	return nil
}

var errSizeBelowLot = errors.New("order size below lot")

func (h *Hedge) openOrders(short, long string, prices map[string]float64, betas market.BetaMap) ([]exec.Order, error) {
	orders := make([]exec.Order, 0, 2)
	for _, leg := range []struct {
		asset string
		side  exec.Side
	}{{short, exec.SideSell}, {long, exec.SideBuy}} {
		spec := h.spec(leg.asset)
		size := spec.RoundSize(h.cfg.Amount / prices[leg.asset] / spec.ctVal())
		if size == 0 {
			return nil, errSizeBelowLot
		}
		order := exec.MarketOrder(leg.asset, leg.side, size)
		order.Price = prices[leg.asset]
		order.Beta = betas.Get(leg.asset)
		orders = append(orders, order)
	}
	return orders, nil
}

// closePass evaluates every unclosed opening and returns the ones still
// open afterwards.
func (h *Hedge) closePass(ctx context.Context, prices map[string]float64, liveDiff float64) []ledger.Transaction {
	if h.deps.Ledger == nil {
		return nil
	}
	openings := h.deps.Ledger.UnclosedOpenings(h.pairKey)
	remaining := make([]ledger.Transaction, 0, len(openings))
	var unrealized float64
	for _, tx := range openings {
		fixedDiff, ok := fixedBetaDiff(tx, prices)
		if !ok {
			remaining = append(remaining, tx)
			continue
		}
		profit := h.profit(tx, prices)
		if !strategy.HedgeShouldClose(fixedDiff, liveDiff, h.gate.Close) {
			unrealized += profit
			remaining = append(remaining, tx)
			continue
		}
		if profit < 0 {
			h.log.Info("hedge close gate reached with negative profit, waiting",
				zap.String("trade_id", tx.TradeID), zap.Float64("profit", profit),
				zap.Float64("fixed_diff", fixedDiff), zap.Float64("live_diff", liveDiff))
			unrealized += profit
			remaining = append(remaining, tx)
			continue
		}
		if !h.deps.TradeEnabled() || !h.closeTx(ctx, tx, profit) {
			unrealized += profit
			remaining = append(remaining, tx)
		}
	}
	h.openCount = len(remaining)
	h.unrealized = unrealized
	return remaining
}

func (h *Hedge) closeTx(ctx context.Context, tx ledger.Transaction, profit float64) bool {
	orders := make([]exec.Order, 0, len(tx.Orders))
	for _, leg := range tx.Orders {
		order := exec.MarketOrder(leg.InstID, leg.Side.Opposite(), leg.FillSize())
		order.PosSide = leg.PosSide
		order.Beta = leg.Beta
		order.ReduceOnly = true
		orders = append(orders, order)
	}
	res := h.deps.Gateway.ExecuteOrders(ctx, orders)
	if !res.Success {
		h.log.Warn("hedge close failed", zap.String("trade_id", tx.TradeID), zap.String("msg", res.Msg))
		return false
	}
	h.deps.Metrics.HedgeCloses.Inc()
	h.log.Info("hedge closed", zap.String("trade_id", tx.TradeID), zap.Float64("profit", profit))
	closing := ledger.Transaction{
		TradeID:    uuid.NewString(),
		PairKey:    h.pairKey,
		Orders:     res.Orders,
		Profit:     profit,
		TS:         h.deps.Now().UnixMilli(),
		OpeningRef: tx.TradeID,
	}
	if err := h.deps.Ledger.RecordClosing(closing); err != nil {
		h.log.Error("record hedge closing failed", zap.Error(err))
	}
	if err := h.deps.Ledger.CloseOpening(tx.TradeID, profit); err != nil {
		h.log.Error("close opening failed", zap.String("trade_id", tx.TradeID), zap.Error(err))
	}
	h.decide(Decision{Price: profit, Outcome: "closed", Action: string(strategy.ActionClose)})
	return true
}

// profit is the mark-to-market of the opening's legs at prices.
func (h *Hedge) profit(tx ledger.Transaction, prices map[string]float64) float64 {
	var total float64
	for _, leg := range tx.Orders {
		px, ok := prices[leg.InstID]
		if !ok {
			continue
		}
		total += (px - leg.FillPrice()) * leg.FillSize() * h.spec(leg.InstID).ctVal() * leg.Side.Sign()
	}
	return total
}

// fixedBetaDiff recomputes the spread at current prices with the betas
// stored on the opening's orders.
func fixedBetaDiff(tx ledger.Transaction, prices map[string]float64) (float64, bool) {
	if len(tx.Orders) != 2 {
		return 0, false
	}
	a, b := tx.Orders[0], tx.Orders[1]
	pa, okA := prices[a.InstID]
	pb, okB := prices[b.InstID]
	if !okA || !okB {
		return 0, false
	}
	return market.DiffRate(a.Beta.Normalize(pa), b.Beta.Normalize(pb)), true
}

// openingDiff is the spread an opening was entered at.
func openingDiff(tx ledger.Transaction) float64 {
	if len(tx.Orders) != 2 {
		return 0
	}
	a, b := tx.Orders[0], tx.Orders[1]
	return market.DiffRate(a.Beta.Normalize(a.FillPrice()), b.Beta.Normalize(b.FillPrice()))
}

func shortLeg(tx ledger.Transaction) string {
	for _, o := range tx.Orders {
		if o.Side == exec.SideSell {
			return o.InstID
		}
	}
	return ""
}

func (h *Hedge) decide(dec Decision) {
	dec.TS = h.deps.Now()
	dec.Kind = KindHedge
	dec.Key = h.pairKey
	h.log.Debug("hedge decision",
		zap.String("outcome", dec.Outcome),
		zap.Float64("diff_rate", dec.Correction),
		zap.Float64("prev_diff_rate", h.state.PrevDiffRate),
		zap.Float64("max_diff_rate", h.state.MaxDiffRate))
	h.deps.record(dec)
}

func (h *Hedge) Status() HedgeStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HedgeStatus{
		PairKey:    h.pairKey,
		DiffRate:   h.lastDiff,
		PrevDiff:   h.state.PrevDiffRate,
		MaxDiff:    h.state.MaxDiffRate,
		Open:       h.openCount,
		Unrealized: h.unrealized,
		Enabled:    h.state.Enabled,
	}
}

func (h *Hedge) State() HedgeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Hedge) Display() Status {
	s := h.Status()
	return Status{
		Kind:    KindHedge,
		Key:     s.PairKey,
		Enabled: s.Enabled,
		Summary: fmt.Sprintf("diff=%.4f%% prev=%.4f%% max=%.4f%% open=%d upnl=%.2f",
			s.DiffRate*100, s.PrevDiff*100, s.MaxDiff*100, s.Open, s.Unrealized),
	}
}
