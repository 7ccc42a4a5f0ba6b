package exec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeExchange struct {
	mu sync.Mutex

	placeErrs []error
	// keyed by inst id
	reject     map[string]bool
	states     map[string]string
	cancelFail map[string]bool
	fillPrice  map[string]float64
	// filled size reported before any cancel, keyed by inst id
	partial    map[string]float64
	detailErr  error

	cancelledOrders map[string]bool
	cancelledInst   map[string]bool

	placeCalls  int
	cancelCalls int
	placed      []Order
	seenIDs     [][]string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		reject:     make(map[string]bool),
		states:     make(map[string]string),
		cancelFail: make(map[string]bool),
		fillPrice:  make(map[string]float64),
		partial:    make(map[string]float64),

		cancelledOrders: make(map[string]bool),
		cancelledInst:   make(map[string]bool),
	}
}

func (f *fakeExchange) PlaceBatch(ctx context.Context, orders []Order) ([]PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeCalls++
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ClientOrderID
	}
	f.seenIDs = append(f.seenIDs, ids)
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([]PlaceResult, len(orders))
	for i, o := range orders {
		if f.reject[o.InstID] {
			out[i] = PlaceResult{ClientOrderID: o.ClientOrderID, Code: "51008", Msg: "insufficient margin"}
			continue
		}
		f.placed = append(f.placed, o)
		out[i] = PlaceResult{ClientOrderID: o.ClientOrderID, OrderID: "ord-" + o.ClientOrderID, Code: "0"}
	}
	return out, nil
}

func (f *fakeExchange) CancelBatch(ctx context.Context, orders []Order) ([]CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	out := make([]CancelResult, len(orders))
	for i, o := range orders {
		if f.cancelFail[o.InstID] {
			out[i] = CancelResult{ClientOrderID: o.ClientOrderID, OrderID: o.ExchangeOrderID, Code: "51400", Msg: "order already filled"}
			continue
		}
		f.cancelledOrders[o.ExchangeOrderID] = true
		f.cancelledInst[o.InstID] = true
		out[i] = CancelResult{ClientOrderID: o.ClientOrderID, OrderID: o.ExchangeOrderID, Code: "0"}
	}
	return out, nil
}

func (f *fakeExchange) OrderDetail(ctx context.Context, instID, orderID string) (OrderDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detailErr != nil {
		return OrderDetail{}, f.detailErr
	}
	state, ok := f.states[instID]
	if !ok {
		state = StateFilled
	}
	partial, hasPartial := f.partial[instID]
	switch {
	case f.cancelledOrders[orderID]:
		// Only the unfilled remainder goes away on cancel.
		state = StateCanceled
		if !hasPartial {
			partial, hasPartial = 0, true
		}
	case f.cancelledInst[instID]:
		// Orders placed after a cancel on the same instrument are reversals.
		state, hasPartial = StateFilled, false
	}
	price := f.fillPrice[instID]
	if price == 0 {
		price = 100
	}
	var size float64
	for _, o := range f.placed {
		if "ord-"+o.ClientOrderID == orderID {
			size = o.Size
		}
	}
	if state == StateLive {
		return OrderDetail{OrderID: orderID, State: state}, nil
	}
	if hasPartial {
		size = partial
	}
	return OrderDetail{OrderID: orderID, State: state, AvgPrice: price, FilledSize: size}, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	batches [][]Order
	err     error
}

func (r *fakeRecorder) RecordOrders(ctx context.Context, orders []Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, append([]Order(nil), orders...))
	return nil
}

func testConfig() Config {
	return Config{
		PlaceRetries:   3,
		PlaceBackoff:   time.Millisecond,
		ConfirmRetries: 3,
		ConfirmDelay:   time.Millisecond,
		CancelTimeout:  time.Second,
	}
}

func pair() []Order {
	return []Order{
		MarketOrder("BTC-USDT-SWAP", SideBuy, 1),
		MarketOrder("ETH-USDT-SWAP", SideSell, 2),
	}
}

func TestExecuteOrdersSuccess(t *testing.T) {
	ex := newFakeExchange()
	rec := &fakeRecorder{}
	gw := NewGateway(ex, rec, testConfig(), nil, zap.NewNop())

	res := gw.ExecuteOrders(context.Background(), pair())
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	for _, o := range res.Orders {
		if o.Status != StatusConfirmed {
			t.Fatalf("expected confirmed leg, got %s", o.Status)
		}
		if o.AvgPrice != 100 {
			t.Fatalf("expected avg price 100, got %v", o.AvgPrice)
		}
		if len(o.ClientOrderID) != 32 {
			t.Fatalf("expected 32 char client id, got %q", o.ClientOrderID)
		}
	}
	if len(rec.batches) != 2 {
		t.Fatalf("expected record before submit and after, got %d", len(rec.batches))
	}
	if rec.batches[0][0].Status != StatusPending {
		t.Fatalf("expected pending record before submit, got %s", rec.batches[0][0].Status)
	}
}

func TestExecuteOrdersRetriesWithSameClientIDs(t *testing.T) {
	ex := newFakeExchange()
	ex.placeErrs = []error{errors.New("timeout"), nil}
	gw := NewGateway(ex, nil, testConfig(), nil, zap.NewNop())

	res := gw.ExecuteOrders(context.Background(), pair())
	if !res.Success {
		t.Fatalf("expected success after retry, got %+v", res)
	}
	if ex.placeCalls != 2 {
		t.Fatalf("expected 2 place calls, got %d", ex.placeCalls)
	}
	for i := range ex.seenIDs[0] {
		if ex.seenIDs[0][i] != ex.seenIDs[1][i] {
			t.Fatalf("expected retry to reuse client ids")
		}
	}
}

func TestExecuteOrdersPlacementExhausted(t *testing.T) {
	ex := newFakeExchange()
	ex.placeErrs = []error{errors.New("a"), errors.New("b"), errors.New("c")}
	gw := NewGateway(ex, nil, testConfig(), nil, zap.NewNop())

	res := gw.ExecuteOrders(context.Background(), pair())
	if res.Success {
		t.Fatalf("expected failure")
	}
	for _, o := range res.Orders {
		if o.Status != StatusFailed {
			t.Fatalf("expected failed leg, got %s", o.Status)
		}
	}
	if ex.cancelCalls != 0 {
		t.Fatalf("expected no cancel when nothing was placed")
	}
}

func TestExecuteOrdersPartialRejectCancelsPlacedLeg(t *testing.T) {
	ex := newFakeExchange()
	ex.reject["ETH-USDT-SWAP"] = true
	gw := NewGateway(ex, nil, testConfig(), nil, zap.NewNop())

	res := gw.ExecuteOrders(context.Background(), pair())
	if res.Success {
		t.Fatalf("expected failure on partial placement")
	}
	if !errors.Is(res.Err, ErrPartialExecution) {
		t.Fatalf("expected partial execution error, got %v", res.Err)
	}
	if ex.cancelCalls != 1 {
		t.Fatalf("expected one cancel batch, got %d", ex.cancelCalls)
	}
	if len(res.Reversals) != 0 {
		t.Fatalf("expected no reversal when cancel succeeds, got %d", len(res.Reversals))
	}
	if res.Orders[1].Status != StatusUnsuccess {
		t.Fatalf("expected rejected leg unsuccess, got %s", res.Orders[1].Status)
	}
	if res.Orders[0].Status != StatusFailed {
		t.Fatalf("expected cancelled leg failed, got %s", res.Orders[0].Status)
	}
}

func TestExecuteOrdersCancelFailureReversesOnce(t *testing.T) {
	ex := newFakeExchange()
	ex.reject["ETH-USDT-SWAP"] = true
	ex.cancelFail["BTC-USDT-SWAP"] = true
	ex.fillPrice["BTC-USDT-SWAP"] = 100
	gw := NewGateway(ex, nil, testConfig(), nil, zap.NewNop())

	res := gw.ExecuteOrders(context.Background(), pair())
	if res.Success {
		t.Fatalf("expected failure")
	}
	if len(res.Reversals) != 1 {
		t.Fatalf("expected exactly one reversal, got %d", len(res.Reversals))
	}
	rev := res.Reversals[0]
	if rev.Side != SideSell || rev.InstID != "BTC-USDT-SWAP" || rev.Size != 1 {
		t.Fatalf("unexpected reversal %+v", rev)
	}
	if rev.OrdType != OrdTypeMarket {
		t.Fatalf("expected market reversal, got %s", rev.OrdType)
	}
	if rev.ClientOrderID == res.Orders[0].ClientOrderID {
		t.Fatalf("expected reversal to carry a fresh client id")
	}
	if res.Loss != 0 {
		t.Fatalf("expected flat round trip at equal prices, got %v", res.Loss)
	}
}

func TestExecuteOrdersUnfilledLegRollsBack(t *testing.T) {
	ex := newFakeExchange()
	ex.states["ETH-USDT-SWAP"] = StateLive
	ex.cancelFail["BTC-USDT-SWAP"] = true
	gw := NewGateway(ex, nil, testConfig(), nil, zap.NewNop())

	res := gw.ExecuteOrders(context.Background(), pair())
	if res.Success {
		t.Fatalf("expected failure with a live leg")
	}
	if ex.cancelCalls != 1 {
		t.Fatalf("expected rollback cancel, got %d", ex.cancelCalls)
	}
	if len(res.Reversals) != 1 || res.Reversals[0].InstID != "BTC-USDT-SWAP" {
		t.Fatalf("expected filled leg reversed, got %+v", res.Reversals)
	}
	for _, o := range res.Orders {
		if o.Status == StatusConfirmed {
			t.Fatalf("expected no leg left confirmed after rollback")
		}
	}
}

func TestExecuteOrdersPartialFillReversedAfterCancel(t *testing.T) {
	ex := newFakeExchange()
	ex.states["BTC-USDT-SWAP"] = StatePartiallyFilled
	ex.partial["BTC-USDT-SWAP"] = 0.5
	ex.cancelFail["ETH-USDT-SWAP"] = true
	gw := NewGateway(ex, nil, testConfig(), nil, zap.NewNop())

	res := gw.ExecuteOrders(context.Background(), pair())
	if res.Success {
		t.Fatalf("expected failure with a partially filled leg")
	}
	if !errors.Is(res.Err, ErrPartialExecution) {
		t.Fatalf("expected partial execution error, got %v", res.Err)
	}
	if len(res.Reversals) != 2 {
		t.Fatalf("expected both filled amounts reversed, got %+v", res.Reversals)
	}
	var btc, eth *Order
	for i := range res.Reversals {
		switch res.Reversals[i].InstID {
		case "BTC-USDT-SWAP":
			btc = &res.Reversals[i]
		case "ETH-USDT-SWAP":
			eth = &res.Reversals[i]
		}
	}
	if btc == nil || btc.Side != SideSell || btc.Size != 0.5 {
		t.Fatalf("expected 0.5 sell reversing the partial fill, got %+v", btc)
	}
	if eth == nil || eth.Side != SideBuy || eth.Size != 2 {
		t.Fatalf("expected full buy reversing the filled leg, got %+v", eth)
	}
	if res.Orders[0].FilledSize != 0.5 || res.Orders[0].Status != StatusFailed {
		t.Fatalf("unexpected partially filled leg %+v", res.Orders[0])
	}
}

func TestExecuteOrdersCancelledUnfilledLegNotReversed(t *testing.T) {
	ex := newFakeExchange()
	ex.states["BTC-USDT-SWAP"] = StateLive
	ex.states["ETH-USDT-SWAP"] = StateLive
	gw := NewGateway(ex, nil, testConfig(), nil, zap.NewNop())

	res := gw.ExecuteOrders(context.Background(), pair())
	if res.Success {
		t.Fatalf("expected failure with live legs")
	}
	if len(res.Reversals) != 0 {
		t.Fatalf("expected no reversal for legs cancelled before any fill, got %+v", res.Reversals)
	}
	for _, o := range res.Orders {
		if o.ErrorMsg != "cancelled in rollback" {
			t.Fatalf("expected cancelled leg, got %+v", o)
		}
	}
}

func TestExecuteOrdersConfirmLookupError(t *testing.T) {
	ex := newFakeExchange()
	ex.detailErr = errors.New("gateway timeout")
	gw := NewGateway(ex, nil, testConfig(), nil, zap.NewNop())

	res := gw.ExecuteOrders(context.Background(), pair())
	if res.Success {
		t.Fatalf("expected failure when confirmation is impossible")
	}
	if !errors.Is(res.Err, ErrConfirmation) {
		t.Fatalf("expected confirmation error, got %v", res.Err)
	}
	for _, o := range res.Orders {
		if o.Status != StatusConfirmError {
			t.Fatalf("expected confirm_error, got %s", o.Status)
		}
	}
	if ex.cancelCalls != 0 {
		t.Fatalf("expected no rollback on confirmation error")
	}
}

func TestExecuteOrdersRecordFailureAborts(t *testing.T) {
	ex := newFakeExchange()
	rec := &fakeRecorder{err: errors.New("disk full")}
	gw := NewGateway(ex, rec, testConfig(), nil, zap.NewNop())

	res := gw.ExecuteOrders(context.Background(), pair())
	if res.Success || ex.placeCalls != 0 {
		t.Fatalf("expected abort before submit, success=%v calls=%d", res.Success, ex.placeCalls)
	}
}

func TestLossSign(t *testing.T) {
	ex := newFakeExchange()
	ex.reject["ETH-USDT-SWAP"] = true
	ex.cancelFail["BTC-USDT-SWAP"] = true
	gw := NewGateway(ex, nil, testConfig(), nil, zap.NewNop())

	batch := pair()
	batch[0].Price = 100
	res := gw.ExecuteOrders(context.Background(), batch)
	// Buy filled at 100 and reversed at 100 by the fake.
	if res.Loss != 0 {
		t.Fatalf("expected zero loss, got %v", res.Loss)
	}
	if len(res.Reversals) != 1 || res.Reversals[0].Status != StatusConfirmed {
		t.Fatalf("expected confirmed reversal, got %+v", res.Reversals)
	}
}
