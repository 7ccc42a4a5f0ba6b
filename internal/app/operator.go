package app

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"okx-grid-hedge/internal/alerts"
	"okx-grid-hedge/internal/ledger"

	"go.uber.org/zap"
)

const (
	operatorScope      = "Operator"
	operatorOffsetKey  = "last_update_id"
	operatorAuditKey   = "audit"
	operatorAuditLimit = 50
	operatorLedgerRows = 5
)

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID      int64     `json:"update_id"`
	Time          time.Time `json:"time"`
	Action        string    `json:"action"`
	Command       string    `json:"command"`
	UserID        int64     `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	TradingBefore bool      `json:"trading_before"`
	TradingAfter  bool      `json:"trading_after"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || !a.alerts.Enabled() {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		a.operatorRecovered()
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp := a.handleOperatorCommand(cmd, args, meta)
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

// parseOperatorCommand accepts "/cmd args" and "/cmd@botname args".
func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", nil, false
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(cmd string, args []string, meta operatorMeta) string {
	switch cmd {
	case "status":
		return a.operatorStatus()
	case "positions":
		return a.positionsStatus()
	case "ledger":
		return a.ledgerStatus()
	case "pause":
		before := a.TradeEnabled()
		a.SetTradeEnabled(false)
		a.auditOperatorEvent(meta, "pause", before, false)
		if before {
			return "trading paused"
		}
		return "trading already paused"
	case "resume":
		before := a.TradeEnabled()
		a.SetTradeEnabled(true)
		a.auditOperatorEvent(meta, "resume", before, true)
		if !before {
			return "trading resumed"
		}
		return "trading already active"
	}
	return operatorHelpText()
}

func (a *App) operatorStatus() string {
	snap := a.status.Snapshot()
	lines := []string{
		fmt.Sprintf("engine: %s", snap.StatusText),
		fmt.Sprintf("trading: %s", onOff(a.TradeEnabled())),
	}
	if snap.LastError != "" {
		lines = append(lines, fmt.Sprintf("last_error: %s", snap.LastError))
	}
	if a.feed != nil {
		lines = append(lines, fmt.Sprintf("feed: %s", a.feed.State()))
	}
	if a.market != nil {
		profits := a.market.RealtimeProfits()
		pairs := make([]string, 0, len(profits))
		for pair := range profits {
			pairs = append(pairs, pair)
		}
		sort.Strings(pairs)
		for _, pair := range pairs {
			lines = append(lines, fmt.Sprintf("spread %s: %.4f%%", pair, profits[pair]*100))
		}
	}
	for _, entry := range a.registry {
		st := entry.Impl.Display()
		enabled := "on"
		if !st.Enabled {
			enabled = "off"
		}
		lines = append(lines, fmt.Sprintf("%s %s [%s] %s", st.Kind, st.Key, enabled, st.Summary))
	}
	return strings.Join(lines, "\n")
}

func (a *App) positionsStatus() string {
	if a.positions == nil {
		return "positions unavailable"
	}
	snap := a.positions.Snapshot()
	if len(snap.Positions) == 0 {
		return "no open positions"
	}
	ids := make([]string, 0, len(snap.Positions))
	for id := range snap.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	lines := make([]string, 0, len(ids)+1)
	lines = append(lines, fmt.Sprintf("positions at %s", snap.UpdatedAt.UTC().Format(time.RFC3339)))
	for _, id := range ids {
		p := snap.Positions[id]
		lines = append(lines, fmt.Sprintf("%s size=%.4f avg=%.6g margin_ratio=%.2f%%", id, p.Size, p.AvgPrice, p.MarginRatio*100))
	}
	return strings.Join(lines, "\n")
}

func (a *App) ledgerStatus() string {
	if a.ledger == nil {
		return "ledger unavailable"
	}
	sum := a.ledger.Summary()
	lines := []string{
		fmt.Sprintf("openings: %d (unclosed %d)", sum.Openings, sum.Unclosed),
		fmt.Sprintf("closings: %d", sum.Closings),
		fmt.Sprintf("realized_profit: %.4f", sum.RealizedProfit),
	}
	for _, tx := range a.ledger.LastTransactions(operatorLedgerRows, ledger.SideOpening) {
		state := "open"
		if tx.Closed {
			state = fmt.Sprintf("closed %.4f", tx.Profit)
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", time.UnixMilli(tx.TS).UTC().Format(time.RFC3339), tx.PairKey, state))
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - engine and processor status",
		"/positions - last position snapshot",
		"/ledger - hedge transaction summary",
		"/pause - stop submitting orders",
		"/resume - resume submitting orders",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	a.opsMu.Lock()
	warned := a.operatorWarned
	a.operatorWarned = true
	a.opsMu.Unlock()
	if !warned {
		a.log.Warn("telegram operator failed", zap.Error(err))
	}
}

func (a *App) operatorRecovered() {
	a.opsMu.Lock()
	warned := a.operatorWarned
	a.operatorWarned = false
	a.opsMu.Unlock()
	if warned {
		a.log.Info("telegram operator recovered")
	}
}

func (a *App) loadOperatorOffset() int64 {
	if a.kv == nil {
		return 0
	}
	var offset int64
	ok, err := a.kv.Scope(operatorScope).Get(operatorOffsetKey, &offset)
	if err != nil || !ok || offset < 0 {
		return 0
	}
	return offset
}

func (a *App) saveOperatorOffset(offset int64) {
	if a.kv == nil {
		return
	}
	if err := a.kv.Scope(operatorScope).Set(operatorOffsetKey, offset); err != nil {
		a.log.Warn("operator offset save failed", zap.Error(err))
	}
}

// auditOperatorEvent keeps the most recent operator actions in the KV.
func (a *App) auditOperatorEvent(meta operatorMeta, action string, before, after bool) {
	if a.kv == nil {
		return
	}
	scope := a.kv.Scope(operatorScope)
	var events []operatorAuditEvent
	if _, err := scope.Get(operatorAuditKey, &events); err != nil {
		events = nil
	}
	events = append(events, operatorAuditEvent{
		UpdateID:      meta.UpdateID,
		Time:          time.Now().UTC(),
		Action:        action,
		Command:       meta.Raw,
		UserID:        meta.UserID,
		Username:      meta.Username,
		ChatID:        meta.ChatID,
		TradingBefore: before,
		TradingAfter:  after,
	})
	if len(events) > operatorAuditLimit {
		events = events[len(events)-operatorAuditLimit:]
	}
	if err := scope.Set(operatorAuditKey, events); err != nil {
		a.log.Warn("operator audit save failed", zap.Error(err))
	}
}
