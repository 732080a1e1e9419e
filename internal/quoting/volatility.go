package quoting

import "math"

// EWMAVolatility estimates per-sample volatility from mids, oldest first,
// as the square root of an exponentially weighted mean of squared log
// returns. Larger lambda gives older returns more weight. It needs at least
// two positive samples.
func EWMAVolatility(mids []float64, lambda float64) (float64, bool) {
	if lambda <= 0 || lambda >= 1 {
		lambda = 0.94
	}
	var (
		variance float64
		n        int
	)
	for i := 1; i < len(mids); i++ {
		if mids[i-1] <= 0 || mids[i] <= 0 {
			continue
		}
		r := math.Log(mids[i] / mids[i-1])
		if n == 0 {
			variance = r * r
		} else {
			variance = lambda*variance + (1-lambda)*r*r
		}
		n++
	}
	if n == 0 {
		return 0, false
	}
	return math.Sqrt(variance), true
}
