package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"okx-grid-hedge/internal/config"
	"okx-grid-hedge/internal/processor"
	"okx-grid-hedge/internal/state"

	"go.uber.org/zap"
)

func registryConfig() *config.Config {
	return &config.Config{
		Grid: []config.GridConfig{{
			Asset:          "ETH-USDT-SWAP",
			GridBasePrice:  2000,
			GridWidth:      0.01,
			MinPrice:       1000,
			MaxPrice:       4000,
			UpperDrawdown:  0.002,
			LowerDrawdown:  0.002,
			BaseAmount:     100,
			SettlementType: "amount",
		}},
		Hedge: []config.HedgeConfig{{
			Assets:    []string{"ETH-USDT-SWAP", "BTC-USDT-SWAP"},
			Amount:    1000,
			OpenGate:  0.02,
			CloseGate: 0.005,
		}},
	}
}

func TestBuildRegistry(t *testing.T) {
	deps := processor.Deps{KV: state.NewKV(nil, time.Second, zap.NewNop()), Log: zap.NewNop()}
	specs := map[string]processor.InstrumentSpec{"ETH-USDT-SWAP": {CtVal: 0.1, LotSz: 0.01, MinSz: 0.01}}
	entries, err := buildRegistry(registryConfig(), specs, deps)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if got := entries[0].TaskName(); got != "grid:ETH-USDT-SWAP" {
		t.Fatalf("unexpected grid task name %q", got)
	}
	if got := entries[1].TaskName(); got != "hedge:BTC-USDT-SWAP:ETH-USDT-SWAP" {
		t.Fatalf("unexpected hedge task name %q", got)
	}
	if entries[1].Assets[0] != "BTC-USDT-SWAP" {
		t.Fatalf("expected sorted hedge assets, got %v", entries[1].Assets)
	}
}

func TestBuildRegistryRejectsBadSection(t *testing.T) {
	cfg := registryConfig()
	cfg.Grid[0].SettlementType = "notional"
	deps := processor.Deps{KV: state.NewKV(nil, time.Second, zap.NewNop())}
	if _, err := buildRegistry(cfg, nil, deps); err == nil {
		t.Fatalf("expected invalid settlement to fail")
	}
}

func TestSpecForDefaultsToUnitContract(t *testing.T) {
	got := specFor(nil, "XRP-USDT-SWAP")
	if got.CtVal != 1 || got.LotSz != 0 {
		t.Fatalf("unexpected default spec %+v", got)
	}
}

func TestStatusTrackerPersists(t *testing.T) {
	kv := state.NewKV(nil, time.Second, zap.NewNop())
	tracker := newStatusTracker(kv, zap.NewNop())
	now := time.UnixMilli(1700000000000)
	tracker.now = func() time.Time { return now }

	tracker.Set(StatusInit, nil)
	tracker.SetTrading(true, 2)
	tracker.Set(StatusError, errors.New("feed reconnect limit reached"))

	if tracker.Current() != StatusError {
		t.Fatalf("expected error status, got %s", tracker.Current())
	}
	snap, ok, err := state.LoadEngineSnapshot(kv)
	if err != nil || !ok {
		t.Fatalf("load snapshot: ok=%v err=%v", ok, err)
	}
	if snap.Status != -1 || snap.StatusText != "error" || snap.LastError == "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !snap.TradeEnabled || snap.Processors != 2 || snap.UpdatedAtMS != now.UnixMilli() {
		t.Fatalf("expected trading fields kept, got %+v", snap)
	}

	tracker.Set(StatusRunning, nil)
	if snap := tracker.Snapshot(); snap.LastError != "" || snap.Status != 2 {
		t.Fatalf("expected error cleared on recovery, got %+v", snap)
	}
}

func TestEngineStatusString(t *testing.T) {
	cases := map[EngineStatus]string{
		StatusStarting:  "starting",
		StatusInit:      "init",
		StatusRunning:   "running",
		StatusError:     "error",
		EngineStatus(9): "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Fatalf("status %d: got %q want %q", int(status), got, want)
		}
	}
}

func TestStartStopProcessors(t *testing.T) {
	grid := &stubProcessor{kind: processor.KindGrid, key: "ETH-USDT-SWAP"}
	a := &App{
		cfg:       &config.Config{Engine: config.EngineConfig{TickInterval: time.Millisecond}},
		log:       zap.NewNop(),
		scheduler: NewScheduler(zap.NewNop()),
		registry:  []Entry{{Kind: processor.KindGrid, Impl: grid}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.startProcessors(ctx)
	a.scheduler.Start(ctx)
	if names := a.scheduler.Names(); len(names) != 1 || names[0] != "grid:ETH-USDT-SWAP" {
		t.Fatalf("unexpected tasks %v", names)
	}
	a.stopProcessors()
	if names := a.scheduler.Names(); len(names) != 0 {
		t.Fatalf("expected tasks removed, got %v", names)
	}
	a.startProcessors(ctx)
	if names := a.scheduler.Names(); len(names) != 1 {
		t.Fatalf("expected processors rescheduled, got %v", names)
	}
	cancel()
	a.scheduler.StopAll()
	a.scheduler.Wait()
}
