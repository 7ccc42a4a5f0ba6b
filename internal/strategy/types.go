package strategy

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrInvalidRange = fmt.Errorf("%w: invalid grid range", ErrValidation)
)

type SettlementType string

const (
	SettlementAmount SettlementType = "amount"
	SettlementLots   SettlementType = "lots"
)

func (s SettlementType) Valid() bool {
	switch s {
	case SettlementAmount, SettlementLots:
		return true
	}
	return false
}

// StopLossLevel is the exposure tier, in ascending severity.
type StopLossLevel string

const (
	LevelNormal         StopLossLevel = "NORMAL"
	LevelSuppress       StopLossLevel = "SUPPRESS"
	LevelSurvival       StopLossLevel = "SURVIVAL"
	LevelSingleSuppress StopLossLevel = "SINGLE_SUPPRESS"
	LevelSingleSurvival StopLossLevel = "SINGLE_SURVIVAL"
	// LevelSingleKill is reserved and never classified.
	LevelSingleKill StopLossLevel = "SINGLE_KILL"
)

func (l StopLossLevel) Valid() bool {
	switch l {
	case LevelNormal, LevelSuppress, LevelSurvival, LevelSingleSuppress, LevelSingleSurvival, LevelSingleKill:
		return true
	}
	return false
}

type PositionAction string

const (
	ActionOpen  PositionAction = "OPEN"
	ActionClose PositionAction = "CLOSE"
)

func (a PositionAction) Valid() bool {
	return a == ActionOpen || a == ActionClose
}

type PositionRiskLevel string

const (
	RiskNormal    PositionRiskLevel = "NORMAL"
	RiskNotice    PositionRiskLevel = "NOTICE"
	RiskHigh      PositionRiskLevel = "HIGH"
	RiskEmergency PositionRiskLevel = "EMERGENCY"
)

func (r PositionRiskLevel) Valid() bool {
	switch r {
	case RiskNormal, RiskNotice, RiskHigh, RiskEmergency:
		return true
	}
	return false
}

func Sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
