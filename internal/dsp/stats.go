package dsp

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the sample standard deviation, or 0 for fewer than
// two values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// quantile returns the p-quantile of sorted values using linear
// interpolation between closest ranks.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// RemoveOutliers drops values outside [Q1 - 1.5*IQR, Q3 + 1.5*IQR].
// When the IQR collapses to zero only exact duplicates of the median
// survive. The input slice is not modified.
func RemoveOutliers(values []float64) []float64 {
	if len(values) < 4 {
		out := make([]float64, len(values))
		copy(out, values)
		return out
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1

	kept := make([]float64, 0, len(values))
	if iqr == 0 {
		median := quantile(sorted, 0.5)
		for _, v := range values {
			if v == median {
				kept = append(kept, v)
			}
		}
		return kept
	}

	lo := q1 - 1.5*iqr
	hi := q3 + 1.5*iqr
	for _, v := range values {
		if v >= lo && v <= hi {
			kept = append(kept, v)
		}
	}
	return kept
}
