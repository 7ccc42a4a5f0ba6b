package market

import "math"

// Beta maps an asset price onto the reference asset's scale:
// normalized = A*price + B.
type Beta struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

var IdentityBeta = Beta{A: 1, B: 0}

func (b Beta) Normalize(price float64) float64 {
	return b.A*price + b.B
}

type BetaMap map[string]Beta

func (m BetaMap) Get(asset string) Beta {
	if beta, ok := m[asset]; ok {
		return beta
	}
	return IdentityBeta
}

func (m BetaMap) clone() BetaMap {
	out := make(BetaMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PriceGapProfit is the symmetric profit of converging a and b to mid. It
// is non-negative whenever mid lies between them.
func PriceGapProfit(a, b, mid float64) float64 {
	if a == 0 || b == 0 {
		return 0
	}
	sign := -1.0
	if a > b {
		sign = 1
	}
	return ((mid-b)/b - (mid-a)/a) / 2 * sign
}

// DiffRate is the spread between two normalized prices.
func DiffRate(a, b float64) float64 {
	v := PriceGapProfit(a, b, (a+b)/2)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
