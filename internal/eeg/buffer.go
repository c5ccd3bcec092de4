package eeg

import "sync"

// SampleBuffer holds the per-channel sample sequences appended in
// arrival order. The decode path and the 1 Hz analysis tick both
// touch it, so all access goes through the internal lock.
type SampleBuffer struct {
	mu        sync.Mutex
	ch1       []int32
	ch2       []int32
	receiving bool
}

// SetReceiving gates the append path. While false (recording not
// started, or stopped) Append is a no-op.
func (b *SampleBuffer) SetReceiving(on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiving = on
}

// Receiving reports whether the buffer is accepting samples.
func (b *SampleBuffer) Receiving() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receiving
}

// Append adds one decoded packet's samples to the channel sequences.
// Returns false if the buffer is not in the receiving state.
func (b *SampleBuffer) Append(p Packet) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.receiving {
		return false
	}
	b.ch1 = append(b.ch1, p.Ch1...)
	b.ch2 = append(b.ch2, p.Ch2...)
	return true
}

// Channel returns a copy of one channel's sample sequence (1 or 2).
func (b *SampleBuffer) Channel(ch int) []int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.ch1
	if ch == 2 {
		src = b.ch2
	}
	out := make([]int32, len(src))
	copy(out, src)
	return out
}

// ChannelFloats returns one channel's samples widened to float64 for
// the signal-processing engine.
func (b *SampleBuffer) ChannelFloats(ch int) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.ch1
	if ch == 2 {
		src = b.ch2
	}
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

// Tail returns up to n of the newest samples of one channel as
// float64, for the per-tick power estimate.
func (b *SampleBuffer) Tail(ch int, n int) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.ch1
	if ch == 2 {
		src = b.ch2
	}
	if len(src) > n {
		src = src[len(src)-n:]
	}
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}

// Len returns the length of the channel sequences (always equal for
// the two channels).
func (b *SampleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ch1)
}

// Clear drops all samples and leaves the receiving state untouched.
// Called on disconnect and on recording stop.
func (b *SampleBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ch1 = nil
	b.ch2 = nil
}
