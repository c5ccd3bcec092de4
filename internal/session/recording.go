package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neocorelabs/neocore/internal/dsp"
	"github.com/neocorelabs/neocore/internal/groutine"
	"github.com/neocorelabs/neocore/internal/pdu"
	"github.com/neocorelabs/neocore/internal/transport"
	"github.com/neocorelabs/neocore/pkg/state"
)

const analysisInterval = time.Second

// ErrRecordingStopped aborts a start sequence when StopRecording
// lands while the start steps are still pacing.
var ErrRecordingStopped = errors.New("recording stopped")

// streamControl payload values shared by the data-stream, test-signal
// and lead-off control commands.
const (
	controlDisable byte = 0x00
	controlEnable  byte = 0x01
)

// recordingStep is one paced action in the start-recording sequence.
type recordingStep struct {
	name string
	run  func(ctx context.Context) error
}

// commandStep wraps one tracked device command as a sequence step.
func (s *Session) commandStep(name string, feature, command uint8, payload []byte) recordingStep {
	return recordingStep{
		name: name,
		run: func(ctx context.Context) error {
			_, err := s.request(ctx, feature, command, payload)
			return err
		},
	}
}

// notifyStep re-arms the notify characteristic. The subscription made
// at connect time carries command responses; firmware expects the
// CCCD write again right before streaming starts.
func (s *Session) notifyStep() recordingStep {
	return recordingStep{
		name: "enable notifications",
		run: func(context.Context) error {
			s.mu.Lock()
			link := s.link
			s.mu.Unlock()
			if link == nil {
				return transport.ErrNotConnected
			}
			return link.Subscribe(s.handleNotification)
		},
	}
}

// StartRecording runs the stream-enable sequence against the headset.
// Steps are paced by the configured step delay, and the sequence
// aborts as soon as the session stops being recorded or connected:
// no step is ever issued against a dead link.
func (s *Session) StartRecording(ctx context.Context) error {
	if err := s.machine.require(state.Connected); err != nil {
		return err
	}
	if !s.recording.CompareAndSwap(false, true) {
		return fmt.Errorf("recording already active")
	}

	s.buffer.Clear()
	for _, l := range s.leadoff {
		l.Reset()
	}
	s.buffer.SetReceiving(true)

	if err := s.runSteps(ctx, s.startSteps(), s.recording.Load); err != nil {
		s.recording.Store(false)
		s.buffer.SetReceiving(false)
		return err
	}
	if !s.recording.Load() {
		// A stop landed after the final step; it already unwound the
		// device state, so the start must not publish or tick.
		return ErrRecordingStopped
	}

	s.publisher.Update(func(snap *state.Snapshot) {
		snap.Recording = true
	})
	s.startAnalysis()

	s.logger.WithField("session", s.ID.String()).Info("Recording started")
	return nil
}

// StopRecording disables streaming and any auxiliary signal modes,
// then stops the analysis tick. The captured samples stay in the
// buffer for post-hoc spectra until the next StartRecording or
// Disconnect.
func (s *Session) StopRecording(ctx context.Context) error {
	if !s.recording.CompareAndSwap(true, false) {
		return nil
	}

	s.stopAnalysis()
	s.buffer.SetReceiving(false)

	err := s.runSteps(ctx, s.stopSteps(), nil)

	s.publisher.Update(func(snap *state.Snapshot) {
		snap.Recording = false
	})
	s.logger.WithField("session", s.ID.String()).Info("Recording stopped")
	return err
}

// Recording reports whether a recording is active.
func (s *Session) Recording() bool {
	return s.recording.Load()
}

// All stream-related controls, DataStreamControl included, live under
// the SensorConfig feature; the SensorStream feature id only appears
// on the sample notifications themselves.
func (s *Session) startSteps() []recordingStep {
	cfg := s.sensorConfigFeature()

	steps := []recordingStep{s.notifyStep()}
	if s.cfg.TestSignal {
		steps = append(steps, s.commandStep("enable test signal", cfg, pdu.CmdTestSignalControl, []byte{controlEnable}))
	}
	if s.cfg.LeadOffDetect {
		steps = append(steps, s.commandStep("enable lead-off", cfg, pdu.CmdLeadOffControl, []byte{controlEnable}))
	}
	return append(steps, s.commandStep("enable streaming", cfg, pdu.CmdDataStreamControl, []byte{controlEnable}))
}

func (s *Session) stopSteps() []recordingStep {
	cfg := s.sensorConfigFeature()

	steps := []recordingStep{
		s.commandStep("disable streaming", cfg, pdu.CmdDataStreamControl, []byte{controlDisable}),
	}
	if s.cfg.LeadOffDetect {
		steps = append(steps, s.commandStep("disable lead-off", cfg, pdu.CmdLeadOffControl, []byte{controlDisable}))
	}
	if s.cfg.TestSignal {
		steps = append(steps, s.commandStep("disable test signal", cfg, pdu.CmdTestSignalControl, []byte{controlDisable}))
	}
	return steps
}

// runSteps issues each step in order with the configured pacing
// delay. Connection state and the active flag are re-checked between
// steps because the link can drop, or a stop can arrive, while a
// sequence is still pacing.
func (s *Session) runSteps(ctx context.Context, steps []recordingStep, active func() bool) error {
	for i, step := range steps {
		if i > 0 {
			select {
			case <-time.After(s.cfg.StepDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if s.machine.state() != state.Connected {
			return ErrConnectionLost
		}
		if active != nil && !active() {
			return ErrRecordingStopped
		}

		s.logger.WithField("step", step.name).Debug("Recording sequence step")
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

func (s *Session) sensorConfigFeature() uint8 {
	if s.protocol == ProtocolLegacy {
		return pdu.LegacyFeatureSensorConfig
	}
	return pdu.FeatureSensorConfig
}

// ----------------------------
// Analysis tick
// ----------------------------

// startAnalysis runs the 1 Hz quality loop: one windowed-power
// estimate per channel per tick, pushed into the lead-off history
// and the result published.
func (s *Session) startAnalysis() {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.tickCancel = cancel
	s.mu.Unlock()

	s.tickWg.Add(1)
	groutine.Go(ctx, "analysis-tick", func(ctx context.Context) {
		defer s.tickWg.Done()
		ticker := time.NewTicker(analysisInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.analysisTick()
			}
		}
	})
}

func (s *Session) stopAnalysis() {
	s.mu.Lock()
	cancel := s.tickCancel
	s.tickCancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.tickWg.Wait()
}

func (s *Session) analysisTick() {
	var quality [2]dsp.ConnectionQuality
	for ch := range s.leadoff {
		window := s.buffer.Tail(ch+1, dsp.SampleRate)
		if len(window) == 0 {
			quality[ch] = dsp.ConnectionQuality{Quality: 50}
			continue
		}
		s.leadoff[ch].Push(dsp.WindowedPower(window))
		quality[ch] = s.leadoff[ch].Evaluate()
	}

	s.publisher.Update(func(snap *state.Snapshot) {
		snap.Quality = quality
	})

	s.logger.WithFields(logrus.Fields{
		"ch1_connected": quality[0].Connected,
		"ch1_quality":   quality[0].Quality,
		"ch2_connected": quality[1].Connected,
		"ch2_quality":   quality[1].Quality,
	}).Trace("Analysis tick")
}
