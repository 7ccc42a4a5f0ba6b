package app

import (
	"context"
	"fmt"

	"okx-grid-hedge/internal/account"
	"okx-grid-hedge/internal/exec"
	"okx-grid-hedge/internal/okx/rest"
	"okx-grid-hedge/internal/processor"

	"go.uber.org/zap"
)

// ExchangeAdapter maps the gateway's and the position book's views of the
// exchange onto the OKX REST client.
type ExchangeAdapter struct {
	client   *rest.Client
	instType string
}

func NewExchangeAdapter(client *rest.Client, instType string) *ExchangeAdapter {
	return &ExchangeAdapter{client: client, instType: instType}
}

func (e *ExchangeAdapter) PlaceBatch(ctx context.Context, orders []exec.Order) ([]exec.PlaceResult, error) {
	reqs := make([]rest.OrderRequest, 0, len(orders))
	for _, o := range orders {
		req := rest.OrderRequest{
			InstID:     o.InstID,
			TdMode:     o.TdMode,
			ClOrdID:    o.ClientOrderID,
			Side:       string(o.Side),
			PosSide:    o.PosSide,
			OrdType:    o.OrdType,
			Sz:         rest.FormatNumber(o.Size),
			ReduceOnly: o.ReduceOnly,
		}
		if o.OrdType == exec.OrdTypeLimit && o.Price > 0 {
			req.Px = rest.FormatNumber(o.Price)
		}
		reqs = append(reqs, req)
	}
	acks, err := e.client.PlaceBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}
	out := make([]exec.PlaceResult, 0, len(acks))
	for _, ack := range acks {
		out = append(out, exec.PlaceResult{ClientOrderID: ack.ClOrdID, OrderID: ack.OrdID, Code: ack.SCode, Msg: ack.SMsg})
	}
	return out, nil
}

func (e *ExchangeAdapter) CancelBatch(ctx context.Context, orders []exec.Order) ([]exec.CancelResult, error) {
	reqs := make([]rest.CancelRequest, 0, len(orders))
	for _, o := range orders {
		reqs = append(reqs, rest.CancelRequest{InstID: o.InstID, OrdID: o.ExchangeOrderID, ClOrdID: o.ClientOrderID})
	}
	acks, err := e.client.CancelBatch(ctx, reqs)
	if err != nil {
		return nil, err
	}
	out := make([]exec.CancelResult, 0, len(acks))
	for _, ack := range acks {
		out = append(out, exec.CancelResult{ClientOrderID: ack.ClOrdID, OrderID: ack.OrdID, Code: ack.SCode, Msg: ack.SMsg})
	}
	return out, nil
}

func (e *ExchangeAdapter) OrderDetail(ctx context.Context, instID, orderID string) (exec.OrderDetail, error) {
	info, err := e.client.Order(ctx, instID, orderID)
	if err != nil {
		return exec.OrderDetail{}, err
	}
	return exec.OrderDetail{
		OrderID:       info.OrdID,
		ClientOrderID: info.ClOrdID,
		State:         info.State,
		AvgPrice:      info.AvgPrice(),
		FilledSize:    info.FilledSize(),
	}, nil
}

func (e *ExchangeAdapter) Positions(ctx context.Context) ([]account.Position, error) {
	positions, err := e.client.Positions(ctx, e.instType)
	if err != nil {
		return nil, err
	}
	out := make([]account.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, account.Position{
			InstID:      p.InstID,
			Size:        p.Size(),
			AvgPrice:    p.AvgPrice(),
			MarginRatio: p.MarginRatio(),
			Notional:    p.Notional(),
		})
	}
	return out, nil
}

// LoadInstrumentSpecs fetches contract sizing for every asset. An asset the
// exchange does not list is an error; trading it would size orders wrong.
func LoadInstrumentSpecs(ctx context.Context, client *rest.Client, instType string, assets []string, log *zap.Logger) (map[string]processor.InstrumentSpec, error) {
	instruments, err := client.Instruments(ctx, instType, "")
	if err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}
	byID := make(map[string]rest.Instrument, len(instruments))
	for _, inst := range instruments {
		byID[inst.InstID] = inst
	}
	specs := make(map[string]processor.InstrumentSpec, len(assets))
	for _, asset := range assets {
		inst, ok := byID[asset]
		if !ok {
			return nil, fmt.Errorf("instrument %s not listed for %s", asset, instType)
		}
		specs[asset] = processor.InstrumentSpec{CtVal: inst.CtVal(), LotSz: inst.LotSz(), MinSz: inst.MinSz()}
		log.Info("instrument loaded",
			zap.String("inst_id", asset),
			zap.Float64("ct_val", inst.CtVal()),
			zap.Float64("lot_sz", inst.LotSz()),
			zap.Float64("min_sz", inst.MinSz()))
	}
	return specs, nil
}
