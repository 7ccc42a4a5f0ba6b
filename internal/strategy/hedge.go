package strategy

import "math"

const serialOpenMultiple = 1.5

type HedgeGate struct {
	Open       float64
	Close      float64
	ReturnRate float64
}

// HedgeMemory is the persisted spread history of one pair.
type HedgeMemory struct {
	PrevDiffRate float64 `json:"prev_diff_rate"`
	MaxDiffRate  float64 `json:"max_diff_rate"`
}

// Opened records an executed opening at diff.
func (m HedgeMemory) Opened(diff float64) HedgeMemory {
	return HedgeMemory{PrevDiffRate: diff, MaxDiffRate: diff}
}

type HedgeDecision struct {
	Open   bool
	Reason string
	Prior  float64
	Memory HedgeMemory
}

// HedgeOpenDecision applies the open hysteresis. bestOpen is the widest
// opening spread among the pair's unclosed same-direction transactions.
func HedgeOpenDecision(diff, bestOpen float64, gate HedgeGate, mem HedgeMemory) HedgeDecision {
	prior := math.Max(mem.PrevDiffRate, bestOpen)
	d := HedgeDecision{Prior: prior, Memory: mem}
	if !isFinite(diff) || diff < gate.Open {
		if diff <= gate.Close {
			d.Memory = HedgeMemory{}
			d.Reason = "spread converged, memory reset"
			return d
		}
		d.Reason = "below open gate"
		return d
	}
	if prior == 0 && mem.MaxDiffRate == 0 {
		d.Open = true
		d.Reason = "first observation"
		return d
	}
	d.Memory.MaxDiffRate = math.Max(mem.MaxDiffRate, diff)
	if diff > d.Memory.MaxDiffRate*(1-gate.ReturnRate) {
		d.Reason = "waiting for pullback from max"
		return d
	}
	if prior > 0 && diff <= serialOpenMultiple*prior {
		d.Reason = "not wider than prior opening"
		return d
	}
	d.Open = true
	d.Reason = "pullback confirmed"
	return d
}

// HedgeShouldClose reports whether either spread view has converged.
func HedgeShouldClose(fixedDiff, liveDiff, closeGate float64) bool {
	return math.Min(fixedDiff, liveDiff) <= closeGate
}
