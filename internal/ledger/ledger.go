package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"okx-grid-hedge/internal/exec"
	"okx-grid-hedge/internal/market"

	"go.uber.org/zap"
)

var (
	ErrPersistence   = errors.New("ledger persistence error")
	ErrAlreadyClosed = errors.New("opening already closed")
	ErrNotFound      = errors.New("transaction not found")
)

const (
	openingFile = "trade-results-opening.json"
	closingFile = "trade-results-closing.json"
	betaFile    = "realtime-beta-map.json"
	pendingFile = "pending-orders.json"
)

type TxSide string

const (
	SideOpening TxSide = "opening"
	SideClosing TxSide = "closing"
)

func (s TxSide) Valid() bool {
	return s == SideOpening || s == SideClosing
}

type Transaction struct {
	TradeID    string       `json:"trade_id"`
	Side       TxSide       `json:"side"`
	PairKey    string       `json:"pair_key"`
	Orders     []exec.Order `json:"orders"`
	Profit     float64      `json:"profit"`
	Closed     bool         `json:"closed"`
	TS         int64        `json:"ts"`
	OpeningRef string       `json:"opening_ref,omitempty"`
}

// GridOrderRecord is one executed grid trade with the inputs that led to it.
type GridOrderRecord struct {
	TS            int64   `json:"ts"`
	Asset         string  `json:"asset"`
	Side          string  `json:"side"`
	Units         int     `json:"units"`
	Size          float64 `json:"size"`
	Price         float64 `json:"price"`
	AvgPrice      float64 `json:"avg_price"`
	Threshold     float64 `json:"threshold"`
	Correction    float64 `json:"correction"`
	GridCount     int     `json:"grid_count"`
	Tier          string  `json:"tier"`
	Action        string  `json:"action"`
	ClientOrderID string  `json:"cl_ord_id"`
}

type Summary struct {
	Openings       int
	Closings       int
	Unclosed       int
	RealizedProfit float64
}

type Ledger struct {
	dir string
	log *zap.Logger
	now func() time.Time

	mu sync.Mutex
}

func New(dir string, log *zap.Logger) (*Ledger, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "records"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{dir: dir, log: log, now: time.Now}, nil
}

func (l *Ledger) Dir() string {
	return l.dir
}

func (l *Ledger) RecordOpening(tx Transaction) error {
	tx.Side = SideOpening
	return l.upsert(openingFile, tx)
}

func (l *Ledger) RecordClosing(tx Transaction) error {
	tx.Side = SideClosing
	tx.Closed = true
	return l.upsert(closingFile, tx)
}

func (l *Ledger) upsert(name string, tx Transaction) error {
	if tx.TradeID == "" {
		return fmt.Errorf("transaction without trade id: %w", ErrPersistence)
	}
	if tx.TS == 0 {
		tx.TS = l.now().UnixMilli()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	txs := l.readTransactions(name)
	replaced := false
	for i := range txs {
		if txs[i].TradeID == tx.TradeID {
			txs[i] = tx
			replaced = true
			break
		}
	}
	if !replaced {
		txs = append(txs, tx)
	}
	return l.writeJSON(name, txs)
}

// LastTransactions returns up to n transactions of side, newest first.
func (l *Ledger) LastTransactions(n int, side TxSide) []Transaction {
	l.mu.Lock()
	txs := l.readTransactions(fileFor(side))
	l.mu.Unlock()
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].TS > txs[j].TS })
	if n > 0 && len(txs) > n {
		txs = txs[:n]
	}
	return txs
}

func (l *Ledger) UnclosedOpenings(pairKey string) []Transaction {
	l.mu.Lock()
	txs := l.readTransactions(openingFile)
	l.mu.Unlock()
	out := make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx.Closed {
			continue
		}
		if pairKey != "" && tx.PairKey != pairKey {
			continue
		}
		out = append(out, tx)
	}
	return out
}

// CloseOpening marks an opening closed with its realized profit. Closed is
// set at most once.
func (l *Ledger) CloseOpening(tradeID string, profit float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	txs := l.readTransactions(openingFile)
	for i := range txs {
		if txs[i].TradeID != tradeID {
			continue
		}
		if txs[i].Closed {
			return fmt.Errorf("%s: %w", tradeID, ErrAlreadyClosed)
		}
		txs[i].Closed = true
		txs[i].Profit = profit
		return l.writeJSON(openingFile, txs)
	}
	return fmt.Errorf("%s: %w", tradeID, ErrNotFound)
}

func (l *Ledger) AppendGridOrder(asset string, record GridOrderRecord) error {
	if record.TS == 0 {
		record.TS = l.now().UnixMilli()
	}
	record.Asset = asset
	name := "grid-orders-" + asset + ".json"
	l.mu.Lock()
	defer l.mu.Unlock()
	var records []GridOrderRecord
	l.readJSON(name, &records)
	records = append(records, record)
	return l.writeJSON(name, records)
}

func (l *Ledger) GridOrders(asset string) []GridOrderRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var records []GridOrderRecord
	l.readJSON("grid-orders-"+asset+".json", &records)
	return records
}

// RecordOrders upserts order snapshots by client id.
func (l *Ledger) RecordOrders(ctx context.Context, orders []exec.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := make(map[string]exec.Order)
	l.readJSON(pendingFile, &pending)
	if pending == nil {
		pending = make(map[string]exec.Order)
	}
	for _, order := range orders {
		if order.ClientOrderID == "" {
			continue
		}
		pending[order.ClientOrderID] = order
	}
	return l.writeJSON(pendingFile, pending)
}

func (l *Ledger) Order(clientOrderID string) (exec.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := make(map[string]exec.Order)
	l.readJSON(pendingFile, &pending)
	order, ok := pending[clientOrderID]
	return order, ok
}

func (l *Ledger) SaveBeta(betas market.BetaMap) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeJSON(betaFile, betas)
}

func (l *Ledger) LoadBeta() market.BetaMap {
	l.mu.Lock()
	defer l.mu.Unlock()
	betas := make(market.BetaMap)
	l.readJSON(betaFile, &betas)
	return betas
}

func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	openings := l.readTransactions(openingFile)
	closings := l.readTransactions(closingFile)
	l.mu.Unlock()
	s := Summary{Openings: len(openings), Closings: len(closings)}
	for _, tx := range openings {
		if tx.Closed {
			s.RealizedProfit += tx.Profit
		} else {
			s.Unclosed++
		}
	}
	return s
}

func fileFor(side TxSide) string {
	if side == SideClosing {
		return closingFile
	}
	return openingFile
}

func (l *Ledger) readTransactions(name string) []Transaction {
	var txs []Transaction
	l.readJSON(name, &txs)
	return txs
}

// readJSON leaves dst untouched when the file is missing or malformed.
func (l *Ledger) readJSON(name string, dst any) {
	path := filepath.Join(l.dir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.log.Warn("ledger file unreadable", zap.String("file", path), zap.Error(err))
		}
		return
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		l.log.Warn("ledger file malformed, treating as empty", zap.String("file", path), zap.Error(err))
	}
}

func (l *Ledger) writeJSON(name string, value any) error {
	payload, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(l.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w: %v", name, ErrPersistence, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w: %v", name, ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w: %v", name, ErrPersistence, err)
	}
	if err := os.Rename(tmpName, filepath.Join(l.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w: %v", name, ErrPersistence, err)
	}
	return nil
}
