package strategy

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// ladderPrecision keeps generated levels stable against float drift so a
// level reached by repeated multiplication compares equal to its price.
const ladderPrecision = 8

// Ladder is the ascending set of grid price levels.
type Ladder []float64

// BuildLadder grows levels outward from base by (1±width) until the bounds
// are exceeded. The base is always a level.
func BuildLadder(base, minPrice, maxPrice, width float64) (Ladder, error) {
	for _, v := range []float64{base, minPrice, maxPrice, width} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite ladder input", ErrValidation)
		}
	}
	if minPrice <= 0 || base <= 0 {
		return nil, fmt.Errorf("non-positive price bound (min %v, base %v): %w", minPrice, base, ErrInvalidRange)
	}
	if minPrice >= maxPrice {
		return nil, fmt.Errorf("min %v >= max %v: %w", minPrice, maxPrice, ErrInvalidRange)
	}
	if base < minPrice || base > maxPrice {
		return nil, fmt.Errorf("base %v outside [%v, %v]: %w", base, minPrice, maxPrice, ErrInvalidRange)
	}
	if width <= 0 || width >= 1 {
		return nil, fmt.Errorf("grid width %v: %w", width, ErrInvalidRange)
	}
	levels := []float64{base}
	for p := base * (1 + width); p <= maxPrice; p *= 1 + width {
		if rounded := roundLevel(p); rounded <= maxPrice {
			levels = append(levels, rounded)
		}
	}
	for p := base * (1 - width); p >= minPrice; p *= 1 - width {
		if rounded := roundLevel(p); rounded >= minPrice {
			levels = append(levels, rounded)
		}
	}
	sort.Float64s(levels)
	out := levels[:0]
	for i, v := range levels {
		if i == 0 || v != levels[i-1] {
			out = append(out, v)
		}
	}
	return Ladder(out), nil
}

func roundLevel(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(ladderPrecision).Float64()
	return f
}

// Count returns the signed number of grid lines between ref and current:
// the levels inside [lo, hi] minus one, or 0 when at most one level lies
// inside. Positive when current is above ref.
func (l Ladder) Count(current, ref float64) int {
	if current == ref || current <= 0 || ref <= 0 {
		return 0
	}
	lo, hi := math.Min(current, ref), math.Max(current, ref)
	start := sort.SearchFloat64s(l, lo)
	end := sort.Search(len(l), func(i int) bool { return l[i] > hi })
	count := end - start
	if count <= 1 {
		return 0
	}
	if current > ref {
		return count - 1
	}
	return -(count - 1)
}

// Cell returns the levels around price. A price on a level returns that
// level twice.
func (l Ladder) Cell(price float64) (float64, float64, bool) {
	if len(l) == 0 || price < l[0] || price > l[len(l)-1] {
		return 0, 0, false
	}
	idx := sort.SearchFloat64s(l, price)
	if idx < len(l) && l[idx] == price {
		return price, price, true
	}
	return l[idx-1], l[idx], true
}

func (l Ladder) Contains(price float64) bool {
	idx := sort.SearchFloat64s(l, price)
	return idx < len(l) && l[idx] == price
}

// GridSpan is the signed fractional number of grid widths between ref and
// current.
func GridSpan(current, ref, width float64) float64 {
	if current <= 0 || ref <= 0 || width <= 0 || current == ref {
		return 0
	}
	lo, hi := math.Min(current, ref), math.Max(current, ref)
	span := math.Log(hi/lo) / math.Log(1+width)
	if current < ref {
		return -span
	}
	return span
}

// CapCount limits |count| to limit; limit <= 0 disables the cap.
func CapCount(count, limit int) int {
	if limit <= 0 {
		return count
	}
	if count > limit {
		return limit
	}
	if count < -limit {
		return -limit
	}
	return count
}
