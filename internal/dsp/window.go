package dsp

import "math"

// TukeyWindow returns an n-point Tukey (tapered cosine) window with
// taper fraction alpha. alpha=0 is rectangular, alpha=1 is a Hann
// window.
func TukeyWindow(n int, alpha float64) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	taper := alpha * float64(n-1) / 2
	for i := range w {
		x := float64(i)
		switch {
		case x < taper:
			w[i] = 0.5 * (1 + math.Cos(math.Pi*(x/taper-1)))
		case x > float64(n-1)-taper:
			w[i] = 0.5 * (1 + math.Cos(math.Pi*((x-float64(n-1)+taper)/taper)))
		default:
			w[i] = 1
		}
	}
	return w
}

// HannWindow returns an n-point Hann window.
func HannWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}
