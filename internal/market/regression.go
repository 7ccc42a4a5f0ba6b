package market

import "math"

const (
	DefaultFitIterations = 15
	outlierZScore        = 1.5
	minCleanPoints       = 10
)

// FitOLS fits y ≈ a*x through the origin.
func FitOLS(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	var sxy, sxx float64
	for i := 0; i < n; i++ {
		sxy += x[i] * y[i]
		sxx += x[i] * x[i]
	}
	if sxx == 0 {
		return 0
	}
	return sxy / sxx
}

// FitRobust fits y ≈ a*x through the origin, refitting up to iterations
// times after discarding points whose residual z-score is at least 1.5.
// Cleaning never leaves 10 or fewer points; the last accepted set is used
// instead. The offset is always 0.
func FitRobust(x, y []float64, iterations int) (float64, float64, error) {
	if len(x) != len(y) {
		return 0, 0, ErrLengthMismatch
	}
	if len(x) == 0 {
		return 0, 0, ErrValidation
	}
	xs, ys := cleanOutliers(x, y, iterations)
	return FitOLS(xs, ys), 0, nil
}

func cleanOutliers(x, y []float64, iterations int) ([]float64, []float64) {
	if len(x) <= minCleanPoints {
		return x, y
	}
	accX, accY := x, y
	for iter := 0; iter < iterations; iter++ {
		a := FitOLS(accX, accY)
		residuals := make([]float64, len(accX))
		for i := range accX {
			residuals[i] = accX[i]*a - accY[i]
		}
		keep := inlierIndices(residuals, outlierZScore)
		if len(keep) == len(accX) {
			break
		}
		if len(keep) <= minCleanPoints {
			break
		}
		nextX := make([]float64, len(keep))
		nextY := make([]float64, len(keep))
		for i, idx := range keep {
			nextX[i] = accX[idx]
			nextY[i] = accY[idx]
		}
		accX, accY = nextX, nextY
	}
	return accX, accY
}

func inlierIndices(values []float64, threshold float64) []int {
	n := float64(len(values))
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= n
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / n)
	keep := make([]int, 0, len(values))
	for i, v := range values {
		if std == 0 || math.Abs((v-mean)/std) < threshold {
			keep = append(keep, i)
		}
	}
	return keep
}
