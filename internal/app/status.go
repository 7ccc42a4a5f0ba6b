package app

import (
	"sync"
	"time"

	"okx-grid-hedge/internal/state"

	"go.uber.org/zap"
)

type EngineStatus int

const (
	StatusError    EngineStatus = -1
	StatusStarting EngineStatus = 0
	StatusInit     EngineStatus = 1
	StatusRunning  EngineStatus = 2
)

func (s EngineStatus) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusStarting:
		return "starting"
	case StatusInit:
		return "init"
	case StatusRunning:
		return "running"
	}
	return "unknown"
}

// statusTracker publishes every engine status change through the KV.
type statusTracker struct {
	kv  *state.KV
	log *zap.Logger
	now func() time.Time

	mu         sync.Mutex
	snapshot   state.EngineSnapshot
	processors int
}

func newStatusTracker(kv *state.KV, log *zap.Logger) *statusTracker {
	t := &statusTracker{kv: kv, log: log, now: time.Now}
	t.snapshot = state.EngineSnapshot{
		Status:      int(StatusStarting),
		StatusText:  StatusStarting.String(),
		StartedAtMS: t.now().UnixMilli(),
	}
	return t
}

func (t *statusTracker) Set(status EngineStatus, err error) {
	t.mu.Lock()
	t.snapshot.Status = int(status)
	t.snapshot.StatusText = status.String()
	t.snapshot.UpdatedAtMS = t.now().UnixMilli()
	t.snapshot.LastError = ""
	if err != nil {
		t.snapshot.LastError = err.Error()
	}
	snap := t.snapshot
	t.mu.Unlock()
	t.persist(snap)
	t.log.Info("engine status", zap.String("status", status.String()), zap.Error(err))
}

func (t *statusTracker) SetTrading(enabled bool, processors int) {
	t.mu.Lock()
	t.snapshot.TradeEnabled = enabled
	t.snapshot.Processors = processors
	t.snapshot.UpdatedAtMS = t.now().UnixMilli()
	snap := t.snapshot
	t.mu.Unlock()
	t.persist(snap)
}

func (t *statusTracker) Current() EngineStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return EngineStatus(t.snapshot.Status)
}

func (t *statusTracker) Snapshot() state.EngineSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

func (t *statusTracker) persist(snap state.EngineSnapshot) {
	if err := state.SaveEngineSnapshot(t.kv, snap); err != nil {
		t.log.Warn("engine snapshot save failed", zap.Error(err))
	}
}
