package field

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// computeContinuousStats derives min/max and the per-point outlier-quantile
// buffer for a continuous value buffer. The outlier quantile of a point is
// the empirical CDF rank of its value, so filtering on quantile <= q keeps
// the central q fraction of the distribution's lower tail. NaN values carry
// no rank and never participate in the statistics.
func computeContinuousStats(values []float32) (ContinuousStats, []float32) {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(float64(v)) {
			sorted = append(sorted, float64(v))
		}
	}
	if len(sorted) == 0 {
		return ContinuousStats{}, nil
	}
	sort.Float64s(sorted)

	stats := ContinuousStats{
		Min: float32(sorted[0]),
		Max: float32(sorted[len(sorted)-1]),
	}

	quantiles := make([]float32, len(values))
	for i, v := range values {
		if math.IsNaN(float64(v)) {
			quantiles[i] = 1
			continue
		}
		quantiles[i] = float32(stat.CDF(float64(v), stat.Empirical, sorted, nil))
	}
	return stats, quantiles
}
