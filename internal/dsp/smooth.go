package dsp

// MovingAverage applies a causal running-mean smoother. Partial
// windows at the start divide by the number of samples seen so far,
// not the nominal window size, so the output has the same length as
// the input. Used only for display smoothing.
func MovingAverage(values []float64, windowSize int) []float64 {
	if windowSize <= 0 || len(values) == 0 {
		out := make([]float64, len(values))
		copy(out, values)
		return out
	}

	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		n := windowSize
		if i+1 < windowSize {
			n = i + 1
		} else if i >= windowSize {
			sum -= values[i-windowSize]
		}
		out[i] = sum / float64(n)
	}
	return out
}
