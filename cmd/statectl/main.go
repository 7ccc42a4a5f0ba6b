package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"okx-grid-hedge/internal/app"
	"okx-grid-hedge/internal/config"
	"okx-grid-hedge/internal/ledger"
	"okx-grid-hedge/internal/state"

	"go.uber.org/zap"
)

// statectl inspects and resets persisted engine state while the bot is
// stopped.
func main() {
	configPath := flag.String("config", "config.example.yaml", "path to config file")
	show := flag.String("show", "", "only print this state path")
	reset := flag.String("reset", "", "delete this state path")
	showLedger := flag.Bool("ledger", false, "print the hedge ledger summary")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	store, err := app.OpenStore(cfg.State, zap.NewNop())
	if err != nil {
		fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	kv := state.NewKV(store, cfg.State.FlushInterval, zap.NewNop())
	if err := kv.Load(ctx); err != nil {
		fatal(err)
	}

	if *reset != "" {
		if err := kv.Reset(ctx, *reset); err != nil {
			fatal(err)
		}
		fmt.Printf("reset %s\n", *reset)
		return
	}

	if snap, ok, err := state.LoadEngineSnapshot(kv); err == nil && ok {
		fmt.Printf("engine: %s (processors %d, trading %t, updated %s)\n",
			snap.StatusText, snap.Processors, snap.TradeEnabled, time.UnixMilli(snap.UpdatedAtMS).UTC().Format(time.RFC3339))
		if snap.LastError != "" {
			fmt.Printf("last error: %s\n", snap.LastError)
		}
	}

	paths := kv.Paths()
	if *show != "" {
		paths = []string{*show}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, p := range paths {
		fmt.Printf("== %s\n", p)
		if err := enc.Encode(kv.Dump(p)); err != nil {
			fatal(err)
		}
	}

	if *showLedger {
		led, err := ledger.New(cfg.Ledger.Dir, zap.NewNop())
		if err != nil {
			fatal(err)
		}
		sum := led.Summary()
		fmt.Printf("ledger: openings=%d closings=%d unclosed=%d realized=%.4f\n",
			sum.Openings, sum.Closings, sum.Unclosed, sum.RealizedProfit)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "statectl: %v\n", err)
	os.Exit(1)
}
