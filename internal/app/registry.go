package app

import (
	"fmt"
	"sort"

	"okx-grid-hedge/internal/config"
	"okx-grid-hedge/internal/processor"
)

// Entry is one registered processor instance.
type Entry struct {
	Kind   processor.Kind
	Assets []string
	Impl   processor.Processor
}

func (e Entry) TaskName() string {
	return fmt.Sprintf("%s:%s", e.Kind, e.Impl.Key())
}

// buildRegistry creates one processor per grid and hedge section. Grid
// sections marked disabled are still registered so /status shows them.
func buildRegistry(cfg *config.Config, specs map[string]processor.InstrumentSpec, deps processor.Deps) ([]Entry, error) {
	entries := make([]Entry, 0, len(cfg.Grid)+len(cfg.Hedge))
	for _, gridCfg := range cfg.Grid {
		grid, err := processor.NewGrid(gridCfg, cfg.Risk, specFor(specs, gridCfg.Asset), deps)
		if err != nil {
			return nil, fmt.Errorf("grid %s: %w", gridCfg.Asset, err)
		}
		entries = append(entries, Entry{Kind: processor.KindGrid, Assets: []string{gridCfg.Asset}, Impl: grid})
	}
	for _, hedgeCfg := range cfg.Hedge {
		hedge, err := processor.NewHedge(hedgeCfg, specs, deps)
		if err != nil {
			return nil, fmt.Errorf("hedge %v: %w", hedgeCfg.Assets, err)
		}
		assets := append([]string(nil), hedgeCfg.Assets...)
		sort.Strings(assets)
		entries = append(entries, Entry{Kind: processor.KindHedge, Assets: assets, Impl: hedge})
	}
	return entries, nil
}

func specFor(specs map[string]processor.InstrumentSpec, asset string) processor.InstrumentSpec {
	if spec, ok := specs[asset]; ok {
		return spec
	}
	return processor.InstrumentSpec{CtVal: 1}
}
