package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"okx-grid-hedge/internal/account"
	"okx-grid-hedge/internal/alerts"
	"okx-grid-hedge/internal/config"
	"okx-grid-hedge/internal/exec"
	"okx-grid-hedge/internal/ledger"
	"okx-grid-hedge/internal/market"
	"okx-grid-hedge/internal/metrics"
	"okx-grid-hedge/internal/okx/rest"
	"okx-grid-hedge/internal/okx/ws"
	"okx-grid-hedge/internal/processor"
	"okx-grid-hedge/internal/state"
	"okx-grid-hedge/internal/state/badger"
	"okx-grid-hedge/internal/state/jsonfile"
	"okx-grid-hedge/internal/state/sqlite"
	"okx-grid-hedge/internal/timescale"

	"go.uber.org/zap"
)

const notifyQueueSize = 64

// App is the engine context: every long-lived component, wired explicitly.
type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	kv        *state.KV
	market    *market.Store
	ledger    *ledger.Ledger
	gateway   *exec.Gateway
	rest      *rest.Client
	ws        *ws.Client
	positions *account.Account
	feed      *Feed
	scheduler *Scheduler
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	timescale *timescale.Writer
	alerts    *alerts.Telegram
	status    *statusTracker

	registry      []Entry
	tradeEnabled  atomic.Bool
	notifications chan string

	opsMu          sync.Mutex
	operatorWarned bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	store, err := OpenStore(cfg.State, log)
	if err != nil {
		return nil, fmt.Errorf("state backend %s: %w", cfg.State.Backend, err)
	}
	led, err := ledger.New(cfg.Ledger.Dir, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var prom *metrics.Prometheus
	m := metrics.NewNoop()
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	ts, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
		ts = nil
	}

	restClient := rest.New(cfg.REST, log)
	wsClient := ws.New(cfg.WS.URL, cfg.WS.PingInterval, log)
	marketStore := market.NewStore(cfg.Market.ReferenceAsset, cfg.Market.CandleLimit, log)
	adapter := NewExchangeAdapter(restClient, cfg.Market.InstType)

	a := &App{
		cfg:           cfg,
		log:           log,
		store:         store,
		kv:            state.NewKV(store, cfg.State.FlushInterval, log),
		market:        marketStore,
		ledger:        led,
		gateway:       exec.NewGateway(adapter, led, exec.ConfigFrom(cfg.Gateway), m, log),
		rest:          restClient,
		ws:            wsClient,
		positions:     account.New(adapter, log),
		scheduler:     NewScheduler(log),
		metrics:       m,
		prom:          prom,
		timescale:     ts,
		alerts:        alerts.NewTelegram(cfg.Telegram, log),
		notifications: make(chan string, notifyQueueSize),
	}
	a.status = newStatusTracker(a.kv, log)
	a.tradeEnabled.Store(cfg.Engine.TradeEnabled)
	a.feed = NewFeed(cfg.Market, cfg.WS, restClient, wsClient, marketStore, m, log)
	a.feed.hooks = feedHooks{
		onDisconnect: a.stopProcessors,
		onReconnect:  a.startProcessors,
		onCandle:     ts.EnqueueCandle,
	}
	marketStore.OnBeta(func(betas market.BetaMap) {
		if err := led.SaveBeta(betas); err != nil {
			log.Warn("beta snapshot save failed", zap.Error(err))
		}
	})
	a.positions.OnRefresh(a.recordPositions)
	return a, nil
}

// OpenStore opens the configured state backend, creating its directory.
func OpenStore(cfg config.StateConfig, log *zap.Logger) (state.Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	switch cfg.Backend {
	case "sqlite":
		return sqlite.New(cfg.Path)
	case "badger":
		return badger.New(cfg.Path)
	case "json":
		return jsonfile.New(cfg.Path, log)
	}
	return nil, fmt.Errorf("unsupported state backend %q", cfg.Backend)
}

// Run drives the engine until ctx ends or the feed gives up.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if err := a.kv.Load(ctx); err != nil {
		a.log.Warn("state load failed, continuing with empty state", zap.Error(err))
	}
	kvCtx, stopKV := context.WithCancel(context.Background())
	kvDone := make(chan struct{})
	go func() {
		defer close(kvDone)
		a.kv.Run(kvCtx)
	}()
	defer func() {
		stopKV()
		<-kvDone
	}()
	a.status.Set(StatusStarting, nil)

	specs, err := LoadInstrumentSpecs(ctx, a.rest, a.cfg.Market.InstType, a.cfg.Market.Assets, a.log)
	if err != nil {
		return a.fail(err)
	}
	registry, err := buildRegistry(a.cfg, specs, a.processorDeps())
	if err != nil {
		return a.fail(err)
	}
	a.registry = registry

	if err := a.feed.Sync(ctx, a.cfg.Market.HistoryDays); err != nil {
		return a.fail(fmt.Errorf("initial sync: %w", err))
	}
	a.market.RefreshBeta()
	a.status.Set(StatusInit, nil)

	go a.market.Run(ctx)
	go a.positions.Run(ctx, a.cfg.Account.RefreshInterval)
	if _, err := a.positions.Reconcile(ctx); err != nil {
		a.log.Warn("initial position refresh failed", zap.Error(err))
	}
	go a.runNotifier(ctx)
	a.timescale.Start(ctx)
	a.startMetricsServer(ctx)
	a.startOperator(ctx)

	a.startProcessors(ctx)
	a.scheduler.Start(ctx)
	a.status.Set(StatusRunning, nil)
	a.status.SetTrading(a.tradeEnabled.Load(), len(a.registry))
	a.notify(fmt.Sprintf("engine running: %d processors, trading %s", len(a.registry), onOff(a.tradeEnabled.Load())))

	err = a.feed.Run(ctx)
	a.scheduler.StopAll()
	a.scheduler.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.alerts.Notify(sendCtx, fmt.Sprintf("engine stopped: %v", err))
	cancel()
	return a.fail(err)
}

func (a *App) fail(err error) error {
	a.status.Set(StatusError, err)
	a.log.Error("engine failed", zap.Error(err))
	return err
}

func (a *App) close() {
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	a.ws.Close()
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.kv.Flush(flushCtx); err != nil {
		a.log.Warn("final state flush failed", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("state close failed", zap.Error(err))
	}
}

func (a *App) processorDeps() processor.Deps {
	return processor.Deps{
		Market:       a.market,
		Gateway:      a.gateway,
		Positions:    a.positions,
		Ledger:       a.ledger,
		KV:           a.kv,
		Decisions:    a,
		Metrics:      a.metrics,
		Log:          a.log,
		TradeEnabled: a.tradeEnabled.Load,
	}
}

// startProcessors schedules every registered processor as its own task.
func (a *App) startProcessors(ctx context.Context) {
	for _, entry := range a.registry {
		impl := entry.Impl
		if err := a.scheduler.Add(entry.TaskName(), a.cfg.Engine.TickInterval, impl.Tick); err != nil {
			a.log.Warn("processor not scheduled", zap.String("task", entry.TaskName()), zap.Error(err))
		}
	}
	a.log.Info("processors scheduled", zap.Strings("tasks", a.scheduler.Names()))
}

func (a *App) stopProcessors() {
	for _, entry := range a.registry {
		a.scheduler.Stop(entry.TaskName())
	}
	a.log.Info("processors stopped for resync")
	a.notify("candle feed disconnected, processors paused for resync")
}

// RecordDecision mirrors processor decisions to timescale and alerts on
// trades and failed orders.
func (a *App) RecordDecision(d processor.Decision) {
	a.timescale.EnqueueDecision(timescale.DecisionRow{
		Time:       d.TS,
		Kind:       string(d.Kind),
		Key:        d.Key,
		Price:      d.Price,
		Direction:  d.Direction,
		Tendency:   d.Tendency,
		GridCount:  d.GridCount,
		TradeCount: d.TradeCount,
		Correction: d.Correction,
		Threshold:  d.Threshold,
		Tier:       d.Tier,
		Action:     d.Action,
		Outcome:    d.Outcome,
	})
	switch d.Outcome {
	case "traded":
		a.notify(fmt.Sprintf("grid %s %s %d units at %.6g (tier %s)", d.Key, d.Action, d.TradeCount, d.Price, d.Tier))
	case "opened":
		a.notify(fmt.Sprintf("hedge %s opened at diff %.4f%%", d.Key, d.Correction*100))
	case "closed":
		a.notify(fmt.Sprintf("hedge %s closed, profit %.4f", d.Key, d.Price))
	case "order_failed", "open_failed":
		a.notify(fmt.Sprintf("%s %s order failed and was rolled back", d.Kind, d.Key))
	}
}

func (a *App) recordPositions(s account.State) {
	if a.timescale == nil {
		return
	}
	ids := make([]string, 0, len(s.Positions))
	for id := range s.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := s.Positions[id]
		a.timescale.EnqueuePosition(timescale.PositionRow{
			Time:        s.UpdatedAt,
			InstID:      id,
			Size:        p.Size,
			AvgPrice:    p.AvgPrice,
			MarginRatio: p.MarginRatio,
			Notional:    p.Notional,
		})
	}
}

func (a *App) notify(msg string) {
	if !a.alerts.Enabled() {
		return
	}
	select {
	case a.notifications <- msg:
	default:
		a.log.Warn("alert queue full, message dropped")
	}
}

func (a *App) runNotifier(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.notifications:
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			a.alerts.Notify(sendCtx, msg)
			cancel()
		}
	}
}

func (a *App) startMetricsServer(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics server listening", zap.String("addr", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
}

// SetTradeEnabled toggles order submission and reports whether the value
// changed.
func (a *App) SetTradeEnabled(enabled bool) bool {
	changed := a.tradeEnabled.Swap(enabled) != enabled
	if changed {
		a.status.SetTrading(enabled, len(a.registry))
		a.log.Info("trading toggled", zap.Bool("trade_enabled", enabled))
	}
	return changed
}

func (a *App) TradeEnabled() bool {
	return a.tradeEnabled.Load()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
