package strategy

import (
	"math"

	"okx-grid-hedge/internal/config"
)

// Limits are the tier boundaries. Margin ratios are percentages; lots are
// position size in grid units.
type Limits struct {
	SuppressLots        float64
	SurvivalLots        float64
	SuppressMarginRatio float64
	SurvivalMarginRatio float64
}

// LimitsFor merges per-grid lot overrides into the global risk config.
func LimitsFor(risk config.RiskConfig, grid config.GridConfig) Limits {
	limits := Limits{
		SuppressLots:        risk.SuppressLots,
		SurvivalLots:        risk.SurvivalLots,
		SuppressMarginRatio: risk.SuppressMarginRatio,
		SurvivalMarginRatio: risk.SurvivalMarginRatio,
	}
	if grid.SuppressLots > 0 {
		limits.SuppressLots = grid.SuppressLots
	}
	if grid.SurvivalLots > 0 {
		limits.SurvivalLots = grid.SurvivalLots
	}
	return limits
}

// ClassifyTier checks single-position size before account margin, and
// survival before suppress. A margin ratio <= 0 is unknown and ignored.
func ClassifyTier(lots, marginRatioPercent float64, limits Limits) StopLossLevel {
	lots = math.Abs(lots)
	if lots == 0 {
		return LevelNormal
	}
	marginKnown := marginRatioPercent > 0
	switch {
	case limits.SurvivalLots > 0 && lots > limits.SurvivalLots:
		return LevelSingleSurvival
	case marginKnown && limits.SurvivalMarginRatio > 0 && marginRatioPercent < limits.SurvivalMarginRatio:
		return LevelSurvival
	case limits.SuppressLots > 0 && lots > limits.SuppressLots:
		return LevelSingleSuppress
	case marginKnown && limits.SuppressMarginRatio > 0 && marginRatioPercent < limits.SuppressMarginRatio:
		return LevelSuppress
	}
	return LevelNormal
}

// ActionFor is CLOSE when a trade in the tendency's counter direction
// reduces the position, OPEN otherwise.
func ActionFor(position float64, tendency int) PositionAction {
	if position != 0 && Sign(position) == tendency {
		return ActionClose
	}
	return ActionOpen
}

type RiskPolicy struct {
	ShouldSuppress bool
	GridCount      int
	TradeCount     int
	Threshold      float64
	Tier           StopLossLevel
	Action         PositionAction
}

// Policy maps an action and tier onto adjusted counts and threshold.
// Unmapped combinations fall back to the NORMAL policy.
func Policy(action PositionAction, tier StopLossLevel, gridCount int, threshold float64, multiple int) RiskPolicy {
	if multiple < 1 {
		multiple = 1
	}
	suppressed := Sign(float64(gridCount)) * (abs(gridCount) / multiple)
	policy := RiskPolicy{
		GridCount:  gridCount,
		TradeCount: gridCount,
		Threshold:  threshold,
		Tier:       tier,
		Action:     action,
	}
	switch action {
	case ActionOpen:
		switch tier {
		case LevelSuppress, LevelSingleSuppress:
			policy.ShouldSuppress = true
			policy.GridCount = suppressed
			policy.TradeCount = suppressed * multiple
		case LevelSurvival, LevelSingleSurvival:
			policy.ShouldSuppress = true
			policy.GridCount = suppressed
			policy.TradeCount = suppressed
		}
	case ActionClose:
		switch tier {
		case LevelSuppress, LevelSingleSuppress:
			policy.ShouldSuppress = true
			policy.Threshold = threshold / 2
		case LevelSurvival, LevelSingleSurvival:
			policy.ShouldSuppress = true
			policy.Threshold = threshold / 4
		}
	}
	return policy
}

// PositionRisk grades ratio = |position value| / (max units * base amount).
func PositionRisk(ratio float64) PositionRiskLevel {
	ratio = math.Abs(ratio)
	switch {
	case ratio >= 0.35:
		return RiskEmergency
	case ratio >= 0.25:
		return RiskHigh
	case ratio >= 0.15:
		return RiskNotice
	}
	return RiskNormal
}
