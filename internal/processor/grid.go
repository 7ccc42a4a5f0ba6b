package processor

import (
	"context"
	"fmt"
	"math"
	"sync"

	"okx-grid-hedge/internal/config"
	"okx-grid-hedge/internal/exec"
	"okx-grid-hedge/internal/ledger"
	"okx-grid-hedge/internal/state"
	"okx-grid-hedge/internal/strategy"

	"go.uber.org/zap"
)

const (
	gridStatePrefix = "GridTradingProcessor/"
	// singleUnitSpan is the raw distance in grid widths that allows a
	// single-unit trade when no whole line survives risk adjustment.
	singleUnitSpan = 1.5
	recentPrices   = 120
	serialOpenMax  = 3
)

// GridState is persisted under GridTradingProcessor/<asset>.
type GridState struct {
	LastTradePrice     float64            `json:"last_trade_price"`
	LastTradeTime      int64              `json:"last_trade_time"`
	LastUpperTurning   float64            `json:"last_upper_turning"`
	LastLowerTurning   float64            `json:"last_lower_turning"`
	PrevPrice          float64            `json:"prev_price"`
	GridBasePrice      float64            `json:"grid_base_price"`
	LastResetGridCount int                `json:"last_reset_grid_count"`
	LastOpenSpan       float64            `json:"last_open_span"`
	Threshold          float64            `json:"threshold"`
	Lifecycle          strategy.Lifecycle `json:"lifecycle"`
	Enabled            bool               `json:"enabled"`
	Locked             bool               `json:"locked"`
}

type GridStatus struct {
	Asset     string
	Price     float64
	CellLower float64
	CellUpper float64
	Upper     float64
	Lower     float64
	Threshold float64
	Tier      strategy.StopLossLevel
	Lifecycle strategy.Lifecycle
	PosRisk   strategy.PositionRiskLevel
	LastTrade float64
	GridCount int
	Enabled   bool
}

type Grid struct {
	cfg       config.GridConfig
	risk      config.RiskConfig
	limits    strategy.Limits
	spec      InstrumentSpec
	deps      Deps
	scope     *state.Scope
	log       *zap.Logger
	settle    strategy.SettlementType
	lifecycle *strategy.StateMachine

	mu        sync.Mutex
	state     GridState
	ladder    strategy.Ladder
	lastPrice float64
	lastTier  strategy.StopLossLevel
	lastCount int
	posRisk   strategy.PositionRiskLevel
}

func NewGrid(cfg config.GridConfig, risk config.RiskConfig, spec InstrumentSpec, deps Deps) (*Grid, error) {
	deps = deps.withDefaults()
	settle := strategy.SettlementType(cfg.SettlementType)
	if !settle.Valid() {
		return nil, fmt.Errorf("grid %s settlement %q: %w", cfg.Asset, cfg.SettlementType, strategy.ErrValidation)
	}
	g := &Grid{
		cfg:       cfg,
		risk:      risk,
		limits:    strategy.LimitsFor(risk, cfg),
		spec:      spec,
		deps:      deps,
		log:       deps.Log.With(zap.String("processor", "grid"), zap.String("asset", cfg.Asset)),
		settle:    settle,
		lifecycle: strategy.NewStateMachine(),
		lastTier:  strategy.LevelNormal,
		posRisk:   strategy.RiskNormal,
	}
	g.state = GridState{Enabled: !cfg.Disabled, Lifecycle: strategy.LifecycleUninitialized}
	if deps.KV != nil {
		g.scope = deps.KV.Scope(gridStatePrefix + cfg.Asset)
		ok, err := g.scope.Load(&g.state)
		if err != nil {
			g.log.Warn("grid state unreadable, starting fresh", zap.Error(err))
			g.state = GridState{Enabled: !cfg.Disabled}
		} else if ok && cfg.Disabled {
			g.state.Enabled = false
		}
	}
	if g.state.Locked {
		g.log.Warn("grid was mid-evaluation at last shutdown, check exchange position against state",
			zap.Float64("last_trade_price", g.state.LastTradePrice))
		g.state.Locked = false
	}
	g.lifecycle.SetState(g.state.Lifecycle)
	if g.lifecycle.Current() != strategy.LifecycleUninitialized {
		if err := g.buildLadder(g.state.GridBasePrice); err != nil {
			g.log.Warn("persisted ladder invalid, rebuilding on next tick", zap.Error(err))
			g.lifecycle.Apply(strategy.EventLadderReset)
		}
	}
	g.state.Lifecycle = g.lifecycle.Current()
	return g, nil
}

func (g *Grid) Kind() Kind  { return KindGrid }
func (g *Grid) Key() string { return g.cfg.Asset }

func (g *Grid) buildLadder(base float64) error {
	ladder, err := strategy.BuildLadder(base, g.cfg.MinPrice, g.cfg.MaxPrice, g.cfg.GridWidth)
	if err != nil {
		return err
	}
	g.ladder = ladder
	g.state.GridBasePrice = base
	return nil
}

func (g *Grid) save() {
	g.state.Lifecycle = g.lifecycle.Current()
	if g.scope == nil {
		return
	}
	if err := g.scope.Save(g.state); err != nil {
		g.log.Warn("grid state save failed", zap.Error(err))
	}
}

// Tick evaluates one price observation. A tick that finds the previous one
// still running returns immediately.
func (g *Grid) Tick(ctx context.Context) error {
	if !g.mu.TryLock() {
		g.log.Debug("grid busy, tick skipped")
		return nil
	}
	defer g.mu.Unlock()
	// locked is saved before any order goes out so a crash mid-order
	// leaves a trace in the persisted state.
	g.state.Locked = true
	g.save()
	defer func() {
		g.state.Locked = false
		g.save()
	}()
	if !g.state.Enabled {
		return nil
	}
	price, ok := g.deps.Market.RealtimePrice(g.cfg.Asset)
	if !ok || price <= 0 {
		return nil
	}
	g.lastPrice = price

	if g.ladder == nil {
		base := g.cfg.GridBasePrice
		if base == 0 {
			// The first in-range price becomes the base.
			if price < g.cfg.MinPrice || price > g.cfg.MaxPrice {
				g.state.PrevPrice = price
				g.decide(Decision{Price: price, Outcome: "out_of_range"})
				return nil
			}
			base = price
		}
		if err := g.buildLadder(base); err != nil {
			g.log.Error("grid ladder build failed", zap.Error(err))
			return err
		}
		g.lifecycle.Apply(strategy.EventLadderBuilt)
		g.log.Info("grid ladder built", zap.Float64("base", base), zap.Int("levels", len(g.ladder)))
	}
	prev := g.state.PrevPrice
	g.state.PrevPrice = price
	if price < g.cfg.MinPrice || price > g.cfg.MaxPrice {
		g.decide(Decision{Price: price, Outcome: "out_of_range"})
		return nil
	}

	ref := g.state.LastTradePrice
	if ref == 0 {
		ref = g.state.GridBasePrice
	}
	direction := 0
	if prev > 0 {
		direction = strategy.Sign(price - prev)
	}
	tendency := strategy.Sign(price - ref)
	g.updateTurningPoints(direction, tendency, prev)

	gridCount := strategy.CapCount(g.ladder.Count(price, ref), g.cfg.MaxGridCount)
	span := strategy.GridSpan(price, ref, g.cfg.GridWidth)
	g.lastCount = gridCount
	dec := Decision{Price: price, Direction: direction, Tendency: tendency, GridCount: gridCount}

	if tendency == 0 || direction != -tendency {
		dec.Outcome = "no_reversal"
		g.decide(dec)
		return nil
	}

	correction := g.correction(price, tendency)
	dec.Correction = correction
	base := g.cfg.LowerDrawdown
	if tendency > 0 {
		base = g.cfg.UpperDrawdown
	}
	lo, hi, _ := g.ladder.Cell(price)
	var sinceLast float64
	if g.state.LastTradeTime > 0 {
		sinceLast = g.deps.Now().Sub(msTime(g.state.LastTradeTime)).Seconds()
	}
	thr := strategy.ComputeThreshold(strategy.ThresholdInput{
		Candles:        g.deps.Market.Candles(g.cfg.Asset),
		RecentPrices:   g.recentPrices(),
		Price:          price,
		BaseThreshold:  base,
		GridSpan:       span,
		GridCount:      gridCount,
		SinceLastTrade: sinceLast,
		Retracement:    correction,
		Tendency:       tendency,
		CellLower:      lo,
		CellUpper:      hi,
	})

	positionSize, lots, marginPct := g.exposure(price)
	tier := strategy.ClassifyTier(lots, marginPct, g.limits)
	action := strategy.ActionFor(positionSize, tendency)
	policy := strategy.Policy(action, tier, gridCount, thr.Threshold, g.risk.SuppressMultiple)
	if action == strategy.ActionOpen {
		policy.TradeCount = strategy.CapCount(policy.TradeCount, g.risk.MaxOpenGridCount)
	}
	g.lastTier = tier
	g.state.Threshold = policy.Threshold
	dec.Threshold = policy.Threshold
	dec.Tier = string(tier)
	dec.Action = string(action)
	dec.TradeCount = policy.TradeCount

	if math.Abs(correction) <= policy.Threshold {
		dec.Outcome = "within_threshold"
		g.decide(dec)
		return nil
	}
	units := 0
	switch {
	case absInt(policy.GridCount) >= 1:
		units = absInt(policy.TradeCount)
	case math.Abs(span) > singleUnitSpan:
		units = 1
	}
	if units == 0 {
		dec.Outcome = "no_grid"
		if policy.ShouldSuppress {
			dec.Outcome = "suppressed"
		}
		g.decide(dec)
		return nil
	}
	if action == strategy.ActionOpen && g.serialOpenBlocked(math.Abs(span)) {
		dec.Outcome = "serial_open_guard"
		g.decide(dec)
		return nil
	}
	side := exec.SideBuy
	if tendency > 0 {
		side = exec.SideSell
	}
	size := g.orderSize(units, price)
	if size == 0 {
		dec.Outcome = "size_below_lot"
		g.decide(dec)
		return nil
	}
	dec.TradeCount = units
	if !g.deps.TradeEnabled() {
		dec.Outcome = "paused"
		g.decide(dec)
		return nil
	}

	order := exec.MarketOrder(g.cfg.Asset, side, size)
	order.Price = price
	res := g.deps.Gateway.ExecuteOrders(ctx, []exec.Order{order})
	if !res.Success {
		dec.Outcome = "order_failed"
		g.decide(dec)
		g.log.Warn("grid order failed", zap.String("msg", res.Msg), zap.Float64("loss", res.Loss))
		return nil
	}
	filled := res.Orders[0]
	fill := filled.FillPrice()
	if fill <= 0 {
		fill = price
	}
	g.state.LastTradePrice = fill
	g.state.LastTradeTime = g.deps.Now().UnixMilli()
	g.state.LastUpperTurning = price
	g.state.LastLowerTurning = price
	g.state.LastResetGridCount = gridCount
	if action == strategy.ActionOpen {
		g.state.LastOpenSpan = math.Abs(span)
	} else {
		g.state.LastOpenSpan = 0
	}
	g.lifecycle.Apply(strategy.EventTradeFilled)
	g.deps.Metrics.GridTrades.Inc()
	dec.Outcome = "traded"
	g.decide(dec)

	if g.deps.Ledger != nil {
		err := g.deps.Ledger.AppendGridOrder(g.cfg.Asset, ledger.GridOrderRecord{
			TS:            g.deps.Now().UnixMilli(),
			Side:          string(side),
			Units:         units,
			Size:          filled.FillSize(),
			Price:         price,
			AvgPrice:      fill,
			Threshold:     policy.Threshold,
			Correction:    correction,
			GridCount:     gridCount,
			Tier:          string(tier),
			Action:        string(action),
			ClientOrderID: filled.ClientOrderID,
		})
		if err != nil {
			g.log.Warn("grid order log failed", zap.Error(err))
		}
	}
	return nil
}

// updateTurningPoints records the previous price as a local extreme when
// the short-term direction turns against the tendency.
func (g *Grid) updateTurningPoints(direction, tendency int, prev float64) {
	if prev <= 0 {
		return
	}
	switch {
	case direction > 0 && tendency < 0:
		if g.state.LastLowerTurning == 0 || prev < g.state.LastLowerTurning {
			g.state.LastLowerTurning = prev
		}
	case direction < 0 && tendency > 0:
		if g.state.LastUpperTurning == 0 || prev > g.state.LastUpperTurning {
			g.state.LastUpperTurning = prev
		}
	}
}

func (g *Grid) correction(price float64, tendency int) float64 {
	turning := g.state.LastLowerTurning
	if tendency > 0 {
		turning = g.state.LastUpperTurning
	}
	if turning <= 0 {
		return 0
	}
	return (price - turning) / turning
}

// serialOpenBlocked skips an opening that is barely further out than the
// previous one.
func (g *Grid) serialOpenBlocked(span float64) bool {
	last := g.state.LastOpenSpan
	return last > 0 && span < 1+0.5*last && span <= serialOpenMax
}

// exposure returns the signed position in contracts, its size in grid
// units and the margin ratio in percent. Unknown positions are flat.
func (g *Grid) exposure(price float64) (float64, float64, float64) {
	if g.deps.Positions == nil {
		return 0, 0, 0
	}
	pos, ok := g.deps.Positions.Position(g.cfg.Asset)
	if !ok {
		return 0, 0, 0
	}
	contracts := pos.Size * g.spec.ctVal()
	var lots float64
	switch g.settle {
	case strategy.SettlementAmount:
		if g.cfg.BaseAmount > 0 {
			lots = math.Abs(contracts*price) / g.cfg.BaseAmount
		}
		if limit := g.risk.MaxOpenGridCount; limit > 0 && g.cfg.BaseAmount > 0 {
			g.posRisk = strategy.PositionRisk(math.Abs(contracts*price) / (float64(limit) * g.cfg.BaseAmount))
		}
	case strategy.SettlementLots:
		if g.cfg.BaseQuantity > 0 {
			lots = math.Abs(contracts) / g.cfg.BaseQuantity
		}
		if limit := g.risk.MaxOpenGridCount; limit > 0 {
			g.posRisk = strategy.PositionRisk(lots / float64(limit))
		}
	}
	return pos.Size, lots, pos.MarginRatio * 100
}

func (g *Grid) orderSize(units int, price float64) float64 {
	var raw float64
	switch g.settle {
	case strategy.SettlementAmount:
		raw = float64(units) * g.cfg.BaseAmount / price / g.spec.ctVal()
	case strategy.SettlementLots:
		raw = float64(units) * g.cfg.BaseQuantity / g.spec.ctVal()
	}
	return g.spec.RoundSize(raw)
}

func (g *Grid) recentPrices() []float64 {
	series, ok := g.deps.Market.Series(g.cfg.Asset)
	if !ok {
		return nil
	}
	return series.Tail(recentPrices)
}

func (g *Grid) decide(dec Decision) {
	dec.TS = g.deps.Now()
	dec.Kind = KindGrid
	dec.Key = g.cfg.Asset
	fields := []zap.Field{
		zap.String("outcome", dec.Outcome),
		zap.Float64("price", dec.Price),
		zap.Int("direction", dec.Direction),
		zap.Int("tendency", dec.Tendency),
		zap.Int("grid_count", dec.GridCount),
		zap.Float64("correction", dec.Correction),
		zap.Float64("threshold", dec.Threshold),
		zap.String("tier", dec.Tier),
	}
	if dec.Outcome == "traded" {
		g.log.Info("grid decision", append(fields, zap.Int("units", dec.TradeCount), zap.String("action", dec.Action))...)
	} else {
		g.log.Debug("grid decision", fields...)
	}
	g.deps.record(dec)
}

func (g *Grid) Status() GridStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	lo, hi, _ := g.ladder.Cell(g.lastPrice)
	return GridStatus{
		Asset:     g.cfg.Asset,
		Price:     g.lastPrice,
		CellLower: lo,
		CellUpper: hi,
		Upper:     g.state.LastUpperTurning,
		Lower:     g.state.LastLowerTurning,
		Threshold: g.state.Threshold,
		Tier:      g.lastTier,
		Lifecycle: g.lifecycle.Current(),
		PosRisk:   g.posRisk,
		LastTrade: g.state.LastTradePrice,
		GridCount: g.lastCount,
		Enabled:   g.state.Enabled,
	}
}

func (g *Grid) State() GridState {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state
	s.Lifecycle = g.lifecycle.Current()
	return s
}

func (g *Grid) Display() Status {
	s := g.Status()
	return Status{
		Kind:    KindGrid,
		Key:     s.Asset,
		Enabled: s.Enabled,
		Summary: fmt.Sprintf("%s px=%.6g cell=[%.6g,%.6g] turn=[%.6g,%.6g] thr=%.4f%% grids=%d tier=%s risk=%s",
			s.Lifecycle, s.Price, s.CellLower, s.CellUpper, s.Lower, s.Upper, s.Threshold*100, s.GridCount, s.Tier, s.PosRisk),
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
