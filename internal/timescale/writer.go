package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"okx-grid-hedge/internal/config"
	"okx-grid-hedge/internal/market"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// DecisionRow is one evaluated processor tick.
type DecisionRow struct {
	Time       time.Time
	Kind       string
	Key        string
	Price      float64
	Direction  int
	Tendency   int
	GridCount  int
	TradeCount int
	Correction float64
	Threshold  float64
	Tier       string
	Action     string
	Outcome    string
}

type PositionRow struct {
	Time        time.Time
	InstID      string
	Size        float64
	AvgPrice    float64
	MarginRatio float64
	Notional    float64
}

// Writer drains bounded queues into Postgres. Enqueue never blocks; a full
// queue drops the row and warns once.
type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	candles    chan market.Candle
	decisions  chan DecisionRow
	positions  chan PositionRow
	started    atomic.Bool
	dropCandle atomic.Uint64
	dropDec    atomic.Uint64
	dropPos    atomic.Uint64
}

// New returns nil when timescale is disabled; a nil *Writer accepts every
// call.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := newWriter(db, cfg, log)
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, cfg config.TimescaleConfig, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		candles:   make(chan market.Candle, queueSize),
		decisions: make(chan DecisionRow, queueSize),
		positions: make(chan PositionRow, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueCandle(candle market.Candle) {
	if w == nil {
		return
	}
	select {
	case w.candles <- candle:
	default:
		if w.dropCandle.Add(1) == 1 {
			w.log.Warn("timescale candle queue full")
		}
	}
}

func (w *Writer) EnqueueDecision(row DecisionRow) {
	if w == nil {
		return
	}
	select {
	case w.decisions <- row:
	default:
		if w.dropDec.Add(1) == 1 {
			w.log.Warn("timescale decision queue full")
		}
	}
}

func (w *Writer) EnqueuePosition(row PositionRow) {
	if w == nil {
		return
	}
	select {
	case w.positions <- row:
	default:
		if w.dropPos.Add(1) == 1 {
			w.log.Warn("timescale position queue full")
		}
	}
}

// Dropped reports rows discarded on full queues: candles, decisions,
// positions.
func (w *Writer) Dropped() (uint64, uint64, uint64) {
	if w == nil {
		return 0, 0, 0
	}
	return w.dropCandle.Load(), w.dropDec.Load(), w.dropPos.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case candle := <-w.candles:
			w.writeCandle(ctx, candle)
		case row := <-w.decisions:
			w.writeDecision(ctx, row)
		case row := <-w.positions:
			w.writePosition(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	tables := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		inst_id TEXT NOT NULL,
		bar TEXT NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL DEFAULT 0,
		confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (ts, inst_id, bar)
	)`, w.table("market_ohlc")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		kind TEXT NOT NULL,
		key TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		direction SMALLINT NOT NULL,
		tendency SMALLINT NOT NULL,
		grid_count INTEGER NOT NULL,
		trade_count INTEGER NOT NULL,
		correction DOUBLE PRECISION NOT NULL,
		threshold DOUBLE PRECISION NOT NULL,
		tier TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL
	)`, w.table("processor_decisions")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		inst_id TEXT NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		avg_price DOUBLE PRECISION NOT NULL,
		margin_ratio DOUBLE PRECISION NOT NULL,
		notional DOUBLE PRECISION NOT NULL
	)`, w.table("position_snapshots")),
	}
	for _, ddl := range tables {
		if err := w.exec(ctx, ddl); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"market_ohlc", "processor_decisions", "position_snapshots"} {
		query := fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))
		if err := w.exec(ctx, query); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeCandle(ctx context.Context, c market.Candle) {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, inst_id, bar, open, high, low, close, volume, confirmed
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (ts, inst_id, bar) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		confirmed = EXCLUDED.confirmed`, w.table("market_ohlc"))
	if err := w.insert(ctx, query, c.Start.UTC(), c.Asset, c.Interval, c.Open, c.High, c.Low, c.Close, c.Volume, c.Confirmed); err != nil {
		w.log.Warn("timescale candle upsert failed", zap.Error(err))
	}
}

func (w *Writer) writeDecision(ctx context.Context, d DecisionRow) {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, kind, key, price, direction, tendency, grid_count, trade_count,
		correction, threshold, tier, action, outcome
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, w.table("processor_decisions"))
	if err := w.insert(ctx, query,
		d.Time.UTC(), d.Kind, d.Key, d.Price, d.Direction, d.Tendency, d.GridCount, d.TradeCount,
		d.Correction, d.Threshold, d.Tier, d.Action, d.Outcome,
	); err != nil {
		w.log.Warn("timescale decision insert failed", zap.Error(err))
	}
}

func (w *Writer) writePosition(ctx context.Context, p PositionRow) {
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, inst_id, size, avg_price, margin_ratio, notional
	) VALUES ($1,$2,$3,$4,$5,$6)`, w.table("position_snapshots"))
	if err := w.insert(ctx, query, p.Time.UTC(), p.InstID, p.Size, p.AvgPrice, p.MarginRatio, p.Notional); err != nil {
		w.log.Warn("timescale position insert failed", zap.Error(err))
	}
}

func (w *Writer) insert(ctx context.Context, query string, args ...any) error {
	if w.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
