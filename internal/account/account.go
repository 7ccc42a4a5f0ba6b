package account

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

const balanceEpsilon = 1e-9

// Position is one instrument's exposure as the exchange reports it.
type Position struct {
	InstID string
	// Size is in contracts; negative for shorts.
	Size        float64
	AvgPrice    float64
	MarginRatio float64
	Notional    float64
}

type PositionSource interface {
	Positions(ctx context.Context) ([]Position, error)
}

type State struct {
	Positions map[string]Position
	UpdatedAt time.Time
}

// Account keeps the last position snapshot for the risk tiers. Readers see
// the previous snapshot until a refresh succeeds.
type Account struct {
	source PositionSource
	log    *zap.Logger
	now    func() time.Time

	mu          sync.RWMutex
	state       State
	hasSnapshot bool
	observers   []func(State)
}

func New(source PositionSource, log *zap.Logger) *Account {
	if log == nil {
		log = zap.NewNop()
	}
	return &Account{source: source, log: log, now: time.Now}
}

func (a *Account) Reconcile(ctx context.Context) (*State, error) {
	if a.source == nil {
		return nil, errors.New("position source is required")
	}
	positions, err := a.source.Positions(ctx)
	if err != nil {
		return nil, err
	}
	state := State{Positions: make(map[string]Position, len(positions)), UpdatedAt: a.now()}
	for _, pos := range positions {
		if pos.InstID == "" {
			continue
		}
		existing, ok := state.Positions[pos.InstID]
		if ok {
			// long and short legs in hedge mode net out
			existing.Size += pos.Size
			existing.Notional += pos.Notional
			existing.MarginRatio = math.Max(existing.MarginRatio, pos.MarginRatio)
			pos = existing
		}
		if math.Abs(pos.Size) <= balanceEpsilon {
			pos.Size = 0
		}
		state.Positions[pos.InstID] = pos
	}
	a.mu.Lock()
	a.state = state
	a.hasSnapshot = true
	observers := a.observers
	a.mu.Unlock()
	for _, fn := range observers {
		fn(state)
	}
	return &state, nil
}

// OnRefresh registers fn to receive every successful snapshot.
func (a *Account) OnRefresh(fn func(State)) {
	a.mu.Lock()
	a.observers = append(a.observers, fn)
	a.mu.Unlock()
}

// Run reconciles every interval until ctx is done. Failures keep the
// previous snapshot.
func (a *Account) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Reconcile(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("position refresh failed", zap.Error(err))
			}
		}
	}
}

func (a *Account) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := State{UpdatedAt: a.state.UpdatedAt, Positions: make(map[string]Position, len(a.state.Positions))}
	for k, v := range a.state.Positions {
		out.Positions[k] = v
	}
	return out
}

// Position returns the snapshot for instID. ok is false until the first
// successful refresh.
func (a *Account) Position(instID string) (Position, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.hasSnapshot {
		return Position{}, false
	}
	pos, ok := a.state.Positions[instID]
	if !ok {
		return Position{InstID: instID}, true
	}
	return pos, true
}
