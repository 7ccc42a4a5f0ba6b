package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"okx-grid-hedge/internal/app"
	"okx-grid-hedge/internal/config"
	"okx-grid-hedge/internal/exec"
	"okx-grid-hedge/internal/ledger"
	"okx-grid-hedge/internal/logging"
	"okx-grid-hedge/internal/market"
	"okx-grid-hedge/internal/metrics"
	"okx-grid-hedge/internal/okx/rest"

	"go.uber.org/zap"
)

const defaultVerifyEnvFile = ".env"

// verify checks credentials and order plumbing against the configured OKX
// endpoint: instrument metadata, a signed positions call and, unless
// -dry-run is set, a minimum-size market order that the gateway immediately
// reverses.
func main() {
	configPath := flag.String("config", "config.example.yaml", "config path for REST settings")
	asset := flag.String("asset", "", "instrument to verify (defaults to market.reference_asset)")
	dryRun := flag.Bool("dry-run", true, "print the derived order and exit without trading")
	timeout := flag.Duration("timeout", time.Minute, "overall deadline")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	instID := strings.TrimSpace(*asset)
	if instID == "" {
		instID = cfg.Market.ReferenceAsset
	}
	if instID == "" {
		fatal(errors.New("no instrument to verify"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := rest.New(cfg.REST, log)
	specs, err := app.LoadInstrumentSpecs(ctx, client, cfg.Market.InstType, []string{instID}, log)
	if err != nil {
		fatal(err)
	}
	spec := specs[instID]

	candles, err := client.Candles(ctx, rest.CandleQuery{InstID: instID, Bar: "1m", Limit: 1})
	if err != nil {
		fatal(fmt.Errorf("candles: %w", err))
	}
	last, ok := latest(candles)
	if !ok {
		fatal(fmt.Errorf("no candles returned for %s", instID))
	}

	// Open interest is informational; the statistics endpoint does not
	// cover every instrument.
	if oi, err := client.OpenInterestHistory(ctx, instID, "1H"); err != nil {
		log.Warn("open interest unavailable", zap.String("inst_id", instID), zap.Error(err))
	} else if n := len(oi); n > 0 {
		fmt.Printf("open interest: %g contracts (%.0f usd)\n", oi[n-1].OI, oi[n-1].OIUsd)
	}

	adapter := app.NewExchangeAdapter(client, cfg.Market.InstType)
	positions, err := adapter.Positions(ctx)
	if err != nil {
		fatal(fmt.Errorf("signed positions call failed: %w", err))
	}
	fmt.Printf("instrument %s ct_val=%g lot_sz=%g min_sz=%g last=%g\n", instID, spec.CtVal, spec.LotSz, spec.MinSz, last.Close)
	fmt.Printf("positions: %d open\n", len(positions))
	for _, p := range positions {
		fmt.Printf("  %s size=%g avg=%g margin_ratio=%g\n", p.InstID, p.Size, p.AvgPrice, p.MarginRatio)
	}

	size := spec.MinSz
	if size <= 0 {
		size = spec.LotSz
	}
	order := exec.MarketOrder(instID, exec.SideBuy, size)
	order.Price = last.Close
	fmt.Printf("verify order: buy %g contracts of %s (~%.4f quote)\n", size, instID, size*spec.CtVal*last.Close)
	if *dryRun {
		fmt.Println("dry run: no order submitted")
		return
	}
	if size <= 0 {
		fatal(errors.New("instrument reports no minimum size"))
	}

	led, err := ledger.New(cfg.Ledger.Dir, log)
	if err != nil {
		fatal(err)
	}
	gateway := exec.NewGateway(adapter, led, exec.ConfigFrom(cfg.Gateway), metrics.NewNoop(), log)
	res := gateway.ExecuteOrders(ctx, []exec.Order{order})
	if !res.Success {
		fatal(fmt.Errorf("verify order failed: %s: %v", res.Msg, res.Err))
	}
	filled := res.Orders[0]
	log.Info("verify order filled", zap.String("cl_ord_id", filled.ClientOrderID), zap.Float64("avg_px", filled.FillPrice()))

	back := exec.MarketOrder(instID, exec.SideSell, filled.FillSize())
	back.ReduceOnly = true
	back.Price = filled.FillPrice()
	res = gateway.ExecuteOrders(ctx, []exec.Order{back})
	if !res.Success {
		fatal(fmt.Errorf("unwind failed, close %s manually: %s: %v", instID, res.Msg, res.Err))
	}
	fmt.Printf("round trip ok: bought at %g, sold at %g\n", filled.FillPrice(), res.Orders[0].FillPrice())
}

func latest(candles []market.Candle) (market.Candle, bool) {
	var out market.Candle
	for _, c := range candles {
		if c.TS() > out.TS() {
			out = c
		}
	}
	return out, len(candles) > 0
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "verify: %v\n", err)
	os.Exit(1)
}
