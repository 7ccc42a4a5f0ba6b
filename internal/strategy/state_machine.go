package strategy

import "sync"

// Lifecycle is the grid processor's progress: no ladder, ladder built, and
// at least one executed trade.
type Lifecycle string

type LifecycleEvent string

const (
	LifecycleUninitialized Lifecycle = "uninitialized"
	LifecycleArmed         Lifecycle = "armed"
	LifecycleTrading       Lifecycle = "trading"
)

const (
	EventLadderBuilt LifecycleEvent = "LADDER_BUILT"
	EventTradeFilled LifecycleEvent = "TRADE_FILLED"
	EventLadderReset LifecycleEvent = "LADDER_RESET"
)

func (l Lifecycle) Valid() bool {
	switch l {
	case LifecycleUninitialized, LifecycleArmed, LifecycleTrading:
		return true
	}
	return false
}

type StateMachine struct {
	mu    sync.Mutex
	State Lifecycle
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: LifecycleUninitialized}
}

func (s *StateMachine) Apply(event LifecycleEvent) Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) Current() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// SetState restores a persisted lifecycle. Unknown values reset to
// uninitialized.
func (s *StateMachine) SetState(state Lifecycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !state.Valid() {
		state = LifecycleUninitialized
	}
	s.State = state
}

func nextState(current Lifecycle, event LifecycleEvent) Lifecycle {
	if event == EventLadderReset {
		return LifecycleUninitialized
	}
	switch current {
	case LifecycleUninitialized:
		if event == EventLadderBuilt {
			return LifecycleArmed
		}
	case LifecycleArmed:
		if event == EventTradeFilled {
			return LifecycleTrading
		}
	}
	return current
}
