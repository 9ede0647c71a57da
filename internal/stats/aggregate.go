package stats

import (
	"math"
	"sort"
)

// Median of samples; the mean of the two middle values for even counts.
func Median(samples []int) float64 {
	n := len(samples)
	if n == 0 {
		return math.NaN()
	}
	sorted := sortedCopy(samples)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

// Mean of samples
func Mean(samples []int) float64 {
	if len(samples) == 0 {
		return math.NaN()
	}
	sum := 0
	for _, s := range samples {
		sum += s
	}
	return float64(sum) / float64(len(samples))
}

// MinMax of samples; both zero for an empty slice
func MinMax(samples []int) (int, int) {
	if len(samples) == 0 {
		return 0, 0
	}
	lo, hi := samples[0], samples[0]
	for _, s := range samples[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return lo, hi
}

// Percentile returns the cut'th of `of` equal-probability cut points
// (3 of 4 for p75) using the inclusive method: linear interpolation between
// the closest ranks at position cut*(n-1)/of. The interpolation stays in
// integers until the final division so results carry no rounding noise.
// It is undefined for fewer than two samples.
func Percentile(samples []int, cut, of int) (float64, bool) {
	n := len(samples)
	if n < 2 || of <= 0 || cut < 0 || cut > of {
		return 0, false
	}
	sorted := sortedCopy(samples)

	m := n - 1
	j := cut * m / of
	delta := cut*m - j*of
	if delta == 0 {
		return float64(sorted[j]), true
	}
	return float64(sorted[j]*(of-delta)+sorted[j+1]*delta) / float64(of), true
}

func sortedCopy(samples []int) []int {
	sorted := make([]int, len(samples))
	copy(sorted, samples)
	sort.Ints(sorted)
	return sorted
}
