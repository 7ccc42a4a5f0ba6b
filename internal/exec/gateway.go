package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"okx-grid-hedge/internal/config"
	"okx-grid-hedge/internal/metrics"

	"go.uber.org/zap"
)

var (
	ErrPartialExecution = errors.New("partial execution")
	ErrConfirmation     = errors.New("confirmation error")
)

type Exchange interface {
	PlaceBatch(ctx context.Context, orders []Order) ([]PlaceResult, error)
	CancelBatch(ctx context.Context, orders []Order) ([]CancelResult, error)
	OrderDetail(ctx context.Context, instID, orderID string) (OrderDetail, error)
}

// Recorder persists order snapshots; it is called before submission and
// again with final states.
type Recorder interface {
	RecordOrders(ctx context.Context, orders []Order) error
}

type Config struct {
	PlaceRetries   int
	PlaceBackoff   time.Duration
	ConfirmRetries int
	ConfirmDelay   time.Duration
	CancelTimeout  time.Duration
}

func ConfigFrom(cfg config.GatewayConfig) Config {
	return Config{
		PlaceRetries:   cfg.PlaceRetries,
		PlaceBackoff:   200 * time.Millisecond,
		ConfirmRetries: cfg.ConfirmRetries,
		ConfirmDelay:   cfg.ConfirmDelay,
		CancelTimeout:  cfg.CancelTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.PlaceRetries <= 0 {
		c.PlaceRetries = 3
	}
	if c.PlaceBackoff <= 0 {
		c.PlaceBackoff = 200 * time.Millisecond
	}
	if c.ConfirmRetries <= 0 {
		c.ConfirmRetries = 3
	}
	if c.ConfirmDelay <= 0 {
		c.ConfirmDelay = 500 * time.Millisecond
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 5 * time.Second
	}
	return c
}

// Result is the outcome of one batch. Network and partial failures are
// reported here rather than returned as errors.
type Result struct {
	Success   bool
	Orders    []Order
	Reversals []Order
	Msg       string
	// Loss is the realized cost of reversal round trips; positive is a loss.
	Loss float64
	Err  error
}

type Gateway struct {
	exchange Exchange
	recorder Recorder
	metrics  *metrics.Metrics
	log      *zap.Logger
	cfg      Config
	now      func() time.Time
}

func NewGateway(exchange Exchange, recorder Recorder, cfg Config, m *metrics.Metrics, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		exchange: exchange,
		recorder: recorder,
		metrics:  metrics.OrNoop(m),
		log:      log,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

// ExecuteOrders submits orders as one atomic group. On return either every
// leg is confirmed filled, or every placed leg has been cancelled or offset
// by a reversal order.
func (g *Gateway) ExecuteOrders(ctx context.Context, orders []Order) Result {
	if len(orders) == 0 {
		return Result{Msg: "no orders"}
	}
	batch := make([]Order, len(orders))
	now := g.now()
	for i, order := range orders {
		if order.ClientOrderID == "" {
			order.ClientOrderID = NewClientOrderID()
		}
		if order.OrdType == "" {
			order.OrdType = OrdTypeMarket
		}
		if order.TdMode == "" {
			order.TdMode = TdModeCross
		}
		order.Status = StatusPending
		order.CreatedAt = now
		order.UpdatedAt = now
		batch[i] = order
	}
	if err := g.record(ctx, batch); err != nil {
		return Result{Orders: batch, Msg: err.Error(), Err: err}
	}

	results, err := g.placeWithRetry(ctx, batch)
	if err != nil {
		for i := range batch {
			g.setStatus(&batch[i], StatusFailed, err.Error())
			g.metrics.OrdersFailed.Inc()
		}
		g.recordFinal(ctx, batch)
		return Result{Orders: batch, Msg: fmt.Sprintf("place batch: %v", err), Err: err}
	}
	g.applyPlaceResults(batch, results)

	var placed []int
	allPlaced := true
	for i := range batch {
		if batch[i].Status == StatusPlaced {
			placed = append(placed, i)
			g.metrics.OrdersPlaced.Inc()
			continue
		}
		allPlaced = false
		g.metrics.OrdersFailed.Inc()
	}
	if !allPlaced {
		res := g.rollback(ctx, batch, placed, "sibling leg rejected")
		g.recordFinal(ctx, append(append([]Order(nil), batch...), res.Reversals...))
		return res
	}

	var unfilled, unconfirmed int
	for i := range batch {
		switch g.confirm(ctx, &batch[i]) {
		case confirmFilled:
		case confirmNotFilled:
			unfilled++
		default:
			unconfirmed++
		}
	}
	if unfilled > 0 {
		res := g.rollback(ctx, batch, placed, "leg not filled")
		g.recordFinal(ctx, append(append([]Order(nil), batch...), res.Reversals...))
		return res
	}
	g.recordFinal(ctx, batch)
	if unconfirmed > 0 {
		err := fmt.Errorf("%d of %d legs unconfirmed: %w", unconfirmed, len(batch), ErrConfirmation)
		g.log.Error("order confirmation failed, reconcile manually", zap.Error(err), zap.Strings("cl_ord_ids", clientIDs(batch)))
		return Result{Orders: batch, Msg: err.Error(), Err: err}
	}
	return Result{Success: true, Orders: batch}
}

func (g *Gateway) placeWithRetry(ctx context.Context, orders []Order) ([]PlaceResult, error) {
	var lastErr error
	for attempt := 0; attempt < g.cfg.PlaceRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*g.cfg.PlaceBackoff); err != nil {
				return nil, err
			}
		}
		results, err := g.exchange.PlaceBatch(ctx, orders)
		if err == nil {
			return results, nil
		}
		lastErr = err
		g.log.Warn("place batch failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("after %d attempts: %w", g.cfg.PlaceRetries, lastErr)
}

func (g *Gateway) applyPlaceResults(batch []Order, results []PlaceResult) {
	byID := make(map[string]PlaceResult, len(results))
	for _, res := range results {
		if res.ClientOrderID != "" {
			byID[res.ClientOrderID] = res
		}
	}
	for i := range batch {
		res, ok := byID[batch[i].ClientOrderID]
		if !ok && i < len(results) && results[i].ClientOrderID == "" {
			res, ok = results[i], true
		}
		switch {
		case !ok:
			g.setStatus(&batch[i], StatusUnsuccess, "no result for leg")
		case res.Code == "0" && res.OrderID != "":
			batch[i].ExchangeOrderID = res.OrderID
			g.setStatus(&batch[i], StatusPlaced, "")
		default:
			g.setStatus(&batch[i], StatusUnsuccess, fmt.Sprintf("sCode=%s: %s", res.Code, res.Msg))
		}
	}
}

type confirmOutcome int

const (
	confirmFilled confirmOutcome = iota
	confirmNotFilled
	confirmLookupError
	confirmMalformed
)

// confirm polls the order detail with 1.5x growing delays until it is
// filled, cancelled, or retries run out.
func (g *Gateway) confirm(ctx context.Context, order *Order) confirmOutcome {
	delay := g.cfg.ConfirmDelay
	var lastErr error
	var lastState string
	for attempt := 0; attempt < g.cfg.ConfirmRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				lastErr = err
				break
			}
			delay = delay * 3 / 2
		}
		detail, err := g.exchange.OrderDetail(ctx, order.InstID, order.ExchangeOrderID)
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		lastState = detail.State
		switch detail.State {
		case StateFilled:
			if detail.AvgPrice <= 0 || detail.FilledSize <= 0 {
				g.setStatus(order, StatusConfirmFailed, "filled without price or size")
				return confirmMalformed
			}
			order.AvgPrice = detail.AvgPrice
			order.FilledSize = detail.FilledSize
			g.setStatus(order, StatusConfirmed, "")
			return confirmFilled
		case StateCanceled:
			order.FilledSize = detail.FilledSize
			order.AvgPrice = detail.AvgPrice
			g.setStatus(order, StatusFailed, "canceled by exchange")
			return confirmNotFilled
		case StateLive, StatePartiallyFilled:
			order.FilledSize = detail.FilledSize
			order.AvgPrice = detail.AvgPrice
		default:
			g.setStatus(order, StatusConfirmFailed, "unknown state "+detail.State)
			return confirmMalformed
		}
	}
	if lastErr != nil && lastState == "" {
		g.setStatus(order, StatusConfirmError, lastErr.Error())
		return confirmLookupError
	}
	g.setStatus(order, StatusFailed, "not filled after confirmation retries: "+lastState)
	return confirmNotFilled
}

// rollback cancels every leg in idx and offsets whatever filled, either
// before the cancel or on legs that could not be cancelled, with a single
// opposite market order each.
func (g *Gateway) rollback(ctx context.Context, batch []Order, idx []int, reason string) Result {
	g.metrics.Rollbacks.Inc()
	err := fmt.Errorf("%s: %w", reason, ErrPartialExecution)
	res := Result{Orders: batch, Msg: err.Error(), Err: err}
	if len(idx) == 0 {
		return res
	}
	legs := make([]Order, len(idx))
	for i, j := range idx {
		legs[i] = batch[j]
	}
	cancelCtx, cancel := context.WithTimeout(ctx, g.cfg.CancelTimeout)
	results, cancelErr := g.exchange.CancelBatch(cancelCtx, legs)
	cancel()
	cancelled := make(map[string]bool, len(results))
	if cancelErr != nil {
		g.log.Warn("cancel batch failed", zap.Error(cancelErr))
	} else {
		for _, r := range results {
			if r.Code == "0" {
				cancelled[r.ClientOrderID] = true
				cancelled[r.OrderID] = true
			}
		}
	}

	for _, j := range idx {
		leg := &batch[j]
		wasCancelled := cancelled[leg.ClientOrderID] || (leg.ExchangeOrderID != "" && cancelled[leg.ExchangeOrderID])
		// A cancel only removes the unfilled remainder; whatever filled
		// before it still needs offsetting.
		filled, entry := leg.Size, leg.FillPrice()
		if wasCancelled {
			filled = leg.FilledSize
		}
		if detail, err := g.exchange.OrderDetail(ctx, leg.InstID, leg.ExchangeOrderID); err == nil {
			filled = detail.FilledSize
			if detail.AvgPrice > 0 {
				entry = detail.AvgPrice
			}
		} else if wasCancelled {
			g.log.Warn("detail lookup after cancel, using last confirmed fill",
				zap.String("cl_ord_id", leg.ClientOrderID), zap.Float64("filled", filled), zap.Error(err))
		} else {
			g.log.Warn("detail lookup after failed cancel, reversing full size",
				zap.String("cl_ord_id", leg.ClientOrderID), zap.Error(err))
		}
		if filled <= 0 {
			if wasCancelled {
				g.setStatus(leg, StatusFailed, "cancelled in rollback")
			} else {
				g.setStatus(leg, StatusFailed, "cancel failed, nothing filled")
			}
			continue
		}
		leg.FilledSize = filled
		leg.AvgPrice = entry
		reversal, exit := g.reverse(ctx, *leg, filled)
		res.Reversals = append(res.Reversals, reversal)
		if exit > 0 && entry > 0 {
			res.Loss += (entry - exit) * filled * leg.Side.Sign()
		}
		if wasCancelled {
			g.setStatus(leg, StatusFailed, "partial fill reversed after cancel")
		} else {
			g.setStatus(leg, StatusFailed, "reversed after failed cancel")
		}
	}
	return res
}

func (g *Gateway) reverse(ctx context.Context, leg Order, size float64) (Order, float64) {
	reversal := MarketOrder(leg.InstID, leg.Side.Opposite(), size)
	reversal.PosSide = leg.PosSide
	reversal.TdMode = leg.TdMode
	reversal.Beta = leg.Beta
	reversal.ClientOrderID = NewClientOrderID()
	reversal.CreatedAt = g.now()
	g.metrics.Reversals.Inc()

	results, err := g.placeWithRetry(ctx, []Order{reversal})
	if err != nil || len(results) == 0 || results[0].Code != "0" {
		msg := "no result"
		if err != nil {
			msg = err.Error()
		} else if len(results) > 0 {
			msg = results[0].Msg
		}
		g.setStatus(&reversal, StatusFailed, msg)
		g.log.Error("reversal order failed, exposure remains",
			zap.String("inst_id", leg.InstID), zap.Float64("size", size), zap.String("error", msg))
		return reversal, 0
	}
	reversal.ExchangeOrderID = results[0].OrderID
	g.setStatus(&reversal, StatusPlaced, "")
	if g.confirm(ctx, &reversal) != confirmFilled {
		return reversal, 0
	}
	return reversal, reversal.AvgPrice
}

func (g *Gateway) record(ctx context.Context, orders []Order) error {
	if g.recorder == nil {
		return nil
	}
	if err := g.recorder.RecordOrders(ctx, orders); err != nil {
		g.metrics.PersistenceErrors.Inc()
		return fmt.Errorf("record orders before submit: %w", err)
	}
	return nil
}

func (g *Gateway) recordFinal(ctx context.Context, orders []Order) {
	if g.recorder == nil {
		return
	}
	if err := g.recorder.RecordOrders(ctx, orders); err != nil {
		g.metrics.PersistenceErrors.Inc()
		g.log.Warn("record final order states failed", zap.Error(err))
	}
}

func (g *Gateway) setStatus(order *Order, status OrderStatus, msg string) {
	order.Status = status
	order.ErrorMsg = msg
	order.UpdatedAt = g.now()
}

func clientIDs(orders []Order) []string {
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ClientOrderID
	}
	return ids
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
