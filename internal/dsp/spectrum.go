// Package dsp computes the spectral and statistical metrics derived
// from raw electrode samples: the windowed power estimate behind
// lead-off detection, Welch power spectral density, the theta/beta
// engagement ratio, and display smoothing.
//
// Every function is pure and total over its documented preconditions;
// insufficient input yields a documented fallback value (0, an empty
// slice, or a neutral score), never an error.
package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// SampleRate is the electrode sampling rate in Hz.
	SampleRate = 250

	// leadOffWindow is one second of samples at SampleRate.
	leadOffWindow = 250

	// leadOffTaper is the Tukey taper fraction applied before the FFT.
	leadOffTaper = 0.17

	// powerScale is an empirical calibration constant carried over
	// from the device bring-up measurements.
	powerScale = 0.84

	// leadOffBin is the spectrum bin read for lead-off sensing.
	leadOffBin = 8

	// welchSegment is the Welch PSD segment length; segments overlap
	// by half.
	welchSegment = 256
)

// nextPow2 returns the smallest power of two >= n.
func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// WindowedPower estimates signal power at the lead-off sensing
// frequency from the most recent second of samples. The window is
// Tukey-tapered and zero-padded to the FFT length (250 rounded up to
// a power of two). With fewer than a full second of samples it falls
// back to a crude |mean²| estimate so early ticks still produce a
// usable history entry.
func WindowedPower(samples []float64) float64 {
	if len(samples) < leadOffWindow {
		m := Mean(samples)
		return math.Abs(m * m * powerScale)
	}

	recent := samples[len(samples)-leadOffWindow:]
	window := TukeyWindow(leadOffWindow, leadOffTaper)

	n := nextPow2(leadOffWindow)
	padded := make([]float64, n)
	for i, v := range recent {
		padded[i] = v * window[i]
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, padded)

	mag2 := real(coeffs[leadOffBin])*real(coeffs[leadOffBin]) + imag(coeffs[leadOffBin])*imag(coeffs[leadOffBin])
	return mag2 * powerScale / float64(leadOffWindow)
}

// WelchPSD estimates power spectral density by averaging FFT
// magnitude-squared over 50%-overlapping Hann-windowed 256-sample
// segments. Bins are returned up to maxFrequency (at most half the
// segment length). Fewer than 256 input samples yield an empty slice.
func WelchPSD(samples []float64, sampleRate float64, maxFrequency float64) []float64 {
	if len(samples) < welchSegment {
		return nil
	}

	window := HannWindow(welchSegment)
	fft := fourier.NewFFT(welchSegment)
	buf := make([]float64, welchSegment)

	nBins := welchSegment / 2
	if maxFrequency > 0 {
		binWidth := sampleRate / welchSegment
		if limit := int(maxFrequency / binWidth); limit < nBins {
			nBins = limit
		}
	}
	if nBins <= 0 {
		return nil
	}

	psd := make([]float64, nBins)
	step := welchSegment / 2
	segments := 0
	for start := 0; start+welchSegment <= len(samples); start += step {
		for i := 0; i < welchSegment; i++ {
			buf[i] = samples[start+i] * window[i]
		}
		coeffs := fft.Coefficients(nil, buf)
		for i := 0; i < nBins; i++ {
			m := cmplx.Abs(coeffs[i])
			psd[i] += m * m
		}
		segments++
	}

	for i := range psd {
		psd[i] /= float64(segments)
	}
	return psd
}

// ThetaBetaRatio returns the ratio of spectral energy in the theta
// band (4-8 Hz) to the beta band (13-30 Hz). A zero beta sum yields 0.
func ThetaBetaRatio(samples []float64, sampleRate float64) float64 {
	psd := WelchPSD(samples, sampleRate, sampleRate/2)
	if len(psd) == 0 {
		return 0
	}

	binWidth := sampleRate / welchSegment
	var theta, beta float64
	for i, p := range psd {
		freq := float64(i) * binWidth
		switch {
		case freq >= 4 && freq <= 8:
			theta += p
		case freq >= 13 && freq <= 30:
			beta += p
		}
	}
	if beta == 0 {
		return 0
	}
	return theta / beta
}
