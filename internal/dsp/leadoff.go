package dsp

import "math"

const (
	// historyMax bounds the rolling power history per channel.
	historyMax = 100

	// decisionMin is the minimum history length before the contact
	// decision is attempted.
	decisionMin = 20

	// recentWindow is the number of newest entries compared against
	// the baseline.
	recentWindow = 5

	// qualityMin is the minimum history length for a quality score;
	// qualityWindow caps how many recent entries feed it and
	// qualityMinClean is how many must survive outlier cleaning.
	qualityMin      = 5
	qualityWindow   = 10
	qualityMinClean = 3

	// neutralQuality is returned when the score is undefined (near-
	// zero mean or too few clean entries).
	neutralQuality = 50
)

// ConnectionQuality is the externally published electrode contact
// result for one channel. The underlying power history is private
// engine state.
type ConnectionQuality struct {
	Connected bool
	Quality   float64 // 0-100
}

// LeadOff tracks a rolling history of per-tick power estimates for a
// single channel and derives electrode contact state from it.
//
// Electrode contact loss manifests as a step increase in measured
// power, so the decision is a one-sided control-limit test: the
// recent window mean against baseline mean + 1.5 sigma.
//
// LeadOff is not safe for concurrent use; the owning session
// serializes the 1 Hz analysis tick against the decode path.
type LeadOff struct {
	history []float64
}

// Push appends one power estimate, dropping the oldest entry once the
// history is full. Called once per analysis tick.
func (l *LeadOff) Push(power float64) {
	l.history = append(l.history, power)
	if len(l.history) > historyMax {
		l.history = l.history[len(l.history)-historyMax:]
	}
}

// Len returns the current history length.
func (l *LeadOff) Len() int {
	return len(l.history)
}

// Reset clears the history. Called on disconnect.
func (l *LeadOff) Reset() {
	l.history = nil
}

// Connected reports whether the electrode appears to be in valid skin
// contact. It requires at least 20 history entries; with fewer it
// reports false. Baseline is the outlier-cleaned older half of the
// history, compared against the raw mean of the last 5 entries.
func (l *LeadOff) Connected() bool {
	if len(l.history) < decisionMin {
		return false
	}

	baseline := RemoveOutliers(l.history[:len(l.history)/2])
	if len(baseline) == 0 {
		return false
	}
	recent := l.history[len(l.history)-recentWindow:]

	limit := Mean(baseline) + 1.5*StdDev(baseline)
	return Mean(recent) > limit
}

// Quality maps the coefficient of variation of the recent history to
// a 0-100 stability score. Requires at least 5 entries and at least 3
// surviving outlier cleaning; otherwise, and for a near-zero mean, a
// neutral 50 is returned rather than dividing by zero.
func (l *LeadOff) Quality() float64 {
	if len(l.history) < qualityMin {
		return neutralQuality
	}

	recent := l.history
	if len(recent) > qualityWindow {
		recent = recent[len(recent)-qualityWindow:]
	}
	clean := RemoveOutliers(recent)
	if len(clean) < qualityMinClean {
		return neutralQuality
	}

	mean := Mean(clean)
	if math.Abs(mean) < 1e-9 {
		return neutralQuality
	}

	cv := StdDev(clean) / math.Abs(mean)
	quality := 100 * (1 - cv)
	if quality < 0 {
		return 0
	}
	if quality > 100 {
		return 100
	}
	return quality
}

// Evaluate returns the published contact result for the channel.
func (l *LeadOff) Evaluate() ConnectionQuality {
	return ConnectionQuality{
		Connected: l.Connected(),
		Quality:   l.Quality(),
	}
}
