package dsp_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neocorelabs/neocore/internal/dsp"
)

func sine(n int, freq, sampleRate, amplitude float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*freq*float64(i)/sampleRate)
	}
	return out
}

func TestWelchPSD(t *testing.T) {
	t.Run("short input returns empty", func(t *testing.T) {
		assert.Empty(t, dsp.WelchPSD(make([]float64, 255), dsp.SampleRate, 60))
	})

	t.Run("exactly one segment returns clipped bins", func(t *testing.T) {
		psd := dsp.WelchPSD(make([]float64, 256), dsp.SampleRate, 60)
		require.NotEmpty(t, psd)
		assert.LessOrEqual(t, len(psd), 128, "at most half the segment length in bins")

		// 60 Hz at ~0.977 Hz/bin
		binWidth := float64(dsp.SampleRate) / 256
		assert.Equal(t, int(60/binWidth), len(psd))
	})

	t.Run("peak lands in the tone bin", func(t *testing.T) {
		// 10 Hz tone, several overlapping segments
		samples := sine(1024, 10, dsp.SampleRate, 100)
		psd := dsp.WelchPSD(samples, dsp.SampleRate, 60)
		require.NotEmpty(t, psd)

		peak := 0
		for i, p := range psd {
			if p > psd[peak] {
				peak = i
			}
		}
		binWidth := float64(dsp.SampleRate) / 256
		assert.InDelta(t, 10, float64(peak)*binWidth, binWidth, "PSD peak MUST land at the tone frequency")
	})

	t.Run("values are non-negative", func(t *testing.T) {
		psd := dsp.WelchPSD(sine(512, 20, dsp.SampleRate, 50), dsp.SampleRate, 125)
		for i, p := range psd {
			require.GreaterOrEqual(t, p, 0.0, "bin %d", i)
		}
	})
}

func TestThetaBetaRatio(t *testing.T) {
	t.Run("insufficient data returns zero", func(t *testing.T) {
		assert.Zero(t, dsp.ThetaBetaRatio(make([]float64, 100), dsp.SampleRate))
	})

	t.Run("theta tone dominates", func(t *testing.T) {
		// 6 Hz is inside the theta band, so theta energy dwarfs beta
		ratio := dsp.ThetaBetaRatio(sine(1024, 6, dsp.SampleRate, 100), dsp.SampleRate)
		assert.Greater(t, ratio, 1.0)
	})

	t.Run("beta tone keeps the ratio low", func(t *testing.T) {
		ratio := dsp.ThetaBetaRatio(sine(1024, 20, dsp.SampleRate, 100), dsp.SampleRate)
		assert.Less(t, ratio, 1.0)
	})
}

func TestWindowedPower(t *testing.T) {
	t.Run("falls back to mean estimate when short", func(t *testing.T) {
		samples := []float64{3, 3, 3}
		// |mean^2 * 0.84|
		assert.InDelta(t, 9*0.84, dsp.WindowedPower(samples), 1e-9)
	})

	t.Run("silence has near-zero power", func(t *testing.T) {
		assert.InDelta(t, 0, dsp.WindowedPower(make([]float64, 500)), 1e-12)
	})

	t.Run("energy at the sensing bin raises the estimate", func(t *testing.T) {
		// Bin 8 of a 256-point FFT at 250 Hz is ~7.8 Hz
		tone := sine(500, 8*float64(dsp.SampleRate)/256, dsp.SampleRate, 100)
		quiet := dsp.WindowedPower(make([]float64, 500))
		loud := dsp.WindowedPower(tone)
		assert.Greater(t, loud, quiet)
	})
}

func TestMovingAverage(t *testing.T) {
	t.Run("partial windows divide by samples seen", func(t *testing.T) {
		got := dsp.MovingAverage([]float64{1, 2, 3, 4, 5}, 3)
		assert.Equal(t, []float64{1, 1.5, 2, 3, 4}, got)
	})

	t.Run("degenerate window is identity", func(t *testing.T) {
		in := []float64{4, 5, 6}
		assert.Equal(t, in, dsp.MovingAverage(in, 0))
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, dsp.MovingAverage(nil, 3))
	})
}

func TestTukeyWindow(t *testing.T) {
	w := dsp.TukeyWindow(250, 0.17)
	require.Len(t, w, 250)

	assert.InDelta(t, 0, w[0], 1e-9, "taper starts at zero")
	assert.InDelta(t, 1, w[125], 1e-9, "flat top is unity")
	assert.InDelta(t, w[0], w[249], 1e-9, "window is symmetric")
	for i, v := range w {
		require.GreaterOrEqual(t, v, 0.0, "sample %d", i)
		require.LessOrEqual(t, v, 1.0, "sample %d", i)
	}
}
