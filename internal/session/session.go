// Package session owns one headset connection end to end: the
// connection state machine, the correlation of commands with
// responses, routing of the notification stream into the EEG decoder,
// and the 1 Hz analysis tick that feeds the lead-off engine.
//
// All engine state is mutated behind the session's locks; transport
// callbacks never touch buffers directly.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/neocorelabs/neocore/internal/correlate"
	"github.com/neocorelabs/neocore/internal/dsp"
	"github.com/neocorelabs/neocore/internal/eeg"
	"github.com/neocorelabs/neocore/internal/groutine"
	"github.com/neocorelabs/neocore/internal/pdu"
	"github.com/neocorelabs/neocore/internal/registry"
	"github.com/neocorelabs/neocore/internal/transport"
	"github.com/neocorelabs/neocore/pkg/config"
	"github.com/neocorelabs/neocore/pkg/state"
	"github.com/neocorelabs/neocore/scanner"
)

// ErrConnectionLost fails pending commands when the link drops.
var ErrConnectionLost = errors.New("connection lost")

// Protocol selects which wire layout and stream format the session
// speaks. The two variants are never mixed on one session.
type Protocol int

const (
	// ProtocolV2 is the 16-bit-header protocol with the indexed EEG
	// packet format.
	ProtocolV2 Protocol = iota
	// ProtocolLegacy is the byte-packed header protocol with the
	// sentinel EEG stream format.
	ProtocolLegacy
)

func (p Protocol) codec() pdu.Codec {
	if p == ProtocolLegacy {
		return pdu.LegacyCodec{}
	}
	return pdu.V2Codec{}
}

func (p Protocol) streamDecoder() eeg.Decoder {
	if p == ProtocolLegacy {
		return eeg.SentinelDecoder{}
	}
	return eeg.IndexedDecoder{}
}

// Session is one headset connection lifecycle. Construct with
// New, connect through StartScan/Connect or the reconnect path, and
// tear down with Disconnect or Close.
type Session struct {
	ID uuid.UUID

	cfg       *config.Config
	logger    *logrus.Logger
	protocol  Protocol
	codec     pdu.Codec
	decoder   eeg.Decoder
	machine   *machine
	publisher *state.Publisher
	registry  *registry.Store // may be nil
	scanner   *scanner.Scanner

	mu         sync.Mutex
	link       transport.Transport
	table      *correlate.Table
	deviceID   string
	deviceName string

	buffer  *eeg.SampleBuffer
	leadoff [2]*dsp.LeadOff

	recording  atomic.Bool
	tickCancel context.CancelFunc
	tickWg     sync.WaitGroup
	dropWg     sync.WaitGroup
}

// New constructs a session. registry may be nil when persistence is
// not wanted (tests, one-shot CLI commands).
func New(cfg *config.Config, proto Protocol, reg *registry.Store, pub *state.Publisher, logger *logrus.Logger) *Session {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if pub == nil {
		pub = state.NewPublisher()
	}
	return &Session{
		ID:        uuid.New(),
		cfg:       cfg,
		logger:    logger,
		protocol:  proto,
		codec:     proto.codec(),
		decoder:   proto.streamDecoder(),
		machine:   newMachine(logger),
		publisher: pub,
		registry:  reg,
		scanner:   scanner.NewScanner(logger),
		buffer:    &eeg.SampleBuffer{},
		leadoff:   [2]*dsp.LeadOff{{}, {}},
	}
}

// State returns the current connection state.
func (s *Session) State() state.ConnState {
	return s.machine.state()
}

// Publisher exposes the read-only state stream.
func (s *Session) Publisher() *state.Publisher {
	return s.publisher
}

// ----------------------------
// Scanning
// ----------------------------

// StartScan discovers headsets. Valid from Disconnected, Failed and
// Reconnecting; the discovered set is cleared and scanning auto-stops
// after the configured timeout.
func (s *Session) StartScan(ctx context.Context) ([]scanner.Device, error) {
	if err := s.machine.require(state.Disconnected, state.Failed, state.Reconnecting); err != nil {
		return nil, err
	}
	if err := s.machine.transition(state.Scanning); err != nil {
		return nil, err
	}
	s.publishState(state.Scanning)

	devices, err := s.scanner.Scan(ctx, &scanner.ScanOptions{Timeout: s.cfg.ScanTimeout})
	if err != nil {
		next := classifyTransportError(err)
		_ = s.machine.transition(next)
		s.publishState(next)
		return nil, err
	}

	s.recordSightings(ctx, devices)
	return devices, nil
}

func (s *Session) recordSightings(ctx context.Context, devices []scanner.Device) {
	if s.registry == nil {
		return
	}
	for _, d := range devices {
		if err := s.registry.RecordSighting(ctx, d.ID, d.Name, d.RSSI); err != nil {
			s.logger.WithError(err).Debug("Failed to record sighting")
		}
	}
}

// classifyTransportError maps radio availability errors to their
// terminal-until-user-action states; everything else is Failed.
func classifyTransportError(err error) state.ConnState {
	switch {
	case errors.Is(err, transport.ErrBluetoothOff):
		return state.BluetoothUnavailable
	case errors.Is(err, transport.ErrUnauthorized):
		return state.Unauthorized
	case errors.Is(err, transport.ErrUnsupported):
		return state.Unsupported
	default:
		return state.Failed
	}
}

// ----------------------------
// Connect / Disconnect
// ----------------------------

// Connect dials a device and discovers its services. Valid from
// Scanning or Reconnecting. On success the device is persisted as
// last-connected and the session is Connected; on failure the state
// machine lands in Failed, never a silent retry.
func (s *Session) Connect(ctx context.Context, deviceID, deviceName string) error {
	if err := s.machine.require(state.Scanning, state.Reconnecting); err != nil {
		return err
	}
	if err := s.machine.transition(state.Connecting); err != nil {
		return err
	}
	s.publishState(state.Connecting)

	link := transport.NewTransport(s.logger)
	if err := link.Connect(ctx, deviceID); err != nil {
		next := classifyTransportError(err)
		_ = s.machine.transition(next)
		s.publishState(next)
		return fmt.Errorf("connect: %w", err)
	}

	table := correlate.NewTable(s.codec, link.Write, s.logger)

	s.mu.Lock()
	s.link = link
	s.table = table
	s.deviceID = deviceID
	s.deviceName = deviceName
	s.mu.Unlock()

	if err := link.Subscribe(s.handleNotification); err != nil {
		s.teardown()
		_ = s.machine.transition(state.Failed)
		s.publishState(state.Failed)
		return fmt.Errorf("subscribe: %w", err)
	}

	if err := s.machine.transition(state.Connected); err != nil {
		s.teardown()
		return err
	}

	s.persistLastConnected(ctx, deviceID, deviceName)

	s.publisher.Update(func(snap *state.Snapshot) {
		snap.Connection = state.Connected
		snap.DeviceID = deviceID
		snap.DeviceName = deviceName
	})

	s.dropWg.Add(1)
	groutine.Go(ctx, "session-drop-watch", func(context.Context) {
		s.watchDisconnect(link)
	})

	s.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"session":   s.ID.String(),
	}).Info("Session connected")
	return nil
}

func (s *Session) persistLastConnected(ctx context.Context, deviceID, deviceName string) {
	if s.registry == nil {
		return
	}
	if err := s.registry.SaveLastConnected(ctx, deviceID, deviceName); err != nil {
		s.logger.WithError(err).Warn("Failed to persist last-connected device")
	}
}

// watchDisconnect turns an unexpected transport drop into the
// universal reset.
func (s *Session) watchDisconnect(link transport.Transport) {
	defer s.dropWg.Done()
	<-link.Disconnected()

	s.mu.Lock()
	current := s.link
	s.mu.Unlock()
	if current != link {
		// Already torn down by an explicit Disconnect.
		return
	}

	s.logger.Warn("Transport dropped, resetting session")
	s.Disconnect()
}

// Disconnect is the universal reset: it stops recording, fails all
// pending commands, clears the sample buffers and lead-off history,
// and returns the state machine to Disconnected. Valid from any
// state; a no-op when already disconnected.
func (s *Session) Disconnect() {
	if s.machine.state() == state.Disconnected {
		return
	}

	s.stopAnalysis()
	s.recording.Store(false)
	s.buffer.SetReceiving(false)

	s.teardown()

	_ = s.machine.transition(state.Disconnected)
	s.publisher.Update(func(snap *state.Snapshot) {
		snap.Connection = state.Disconnected
		snap.Recording = false
		snap.DeviceID = ""
		snap.DeviceName = ""
	})
	s.logger.Info("Session disconnected")
}

// teardown releases the transport and fails pending commands. Buffers
// are cleared here so stale samples never leak into a next session.
func (s *Session) teardown() {
	s.mu.Lock()
	link := s.link
	table := s.table
	s.link = nil
	s.table = nil
	s.mu.Unlock()

	if table != nil {
		table.FailAll(ErrConnectionLost)
	}
	if link != nil {
		if err := link.Close(); err != nil {
			s.logger.WithError(err).Debug("Transport close reported error")
		}
	}

	s.buffer.Clear()
	for _, l := range s.leadoff {
		l.Reset()
	}
}

// Close disconnects and waits for background goroutines to finish.
func (s *Session) Close() {
	s.Disconnect()
	s.dropWg.Wait()
}

// ----------------------------
// Notification routing
// ----------------------------

// handleNotification classifies each incoming frame: EEG data goes to
// the stream decoder, responses and error frames resolve pending
// commands, anything else is an unsolicited notification. Decode
// failures are logged and dropped, never fatal.
func (s *Session) handleNotification(data []byte) {
	frame, err := s.codec.Decode(data)
	if err != nil {
		s.logger.WithError(err).Debug("Dropping undecodable frame")
		return
	}

	if frame.EEG {
		s.handleEEGFrame(data)
		return
	}

	s.mu.Lock()
	table := s.table
	s.mu.Unlock()
	if table != nil && table.HandleFrame(frame) {
		return
	}

	s.handleUnsolicited(frame)
}

func (s *Session) handleEEGFrame(data []byte) {
	if !s.recording.Load() {
		return
	}
	pkt, err := s.decoder.DecodePacket(data)
	if err != nil {
		s.logger.WithError(err).Debug("Dropping undecodable EEG packet")
		return
	}
	s.buffer.Append(pkt)
}

// handleUnsolicited routes notifications nobody asked for. Battery
// level pushes update the published state; the rest is logged.
func (s *Session) handleUnsolicited(frame pdu.Frame) {
	if frame.Type == pdu.TypeNotification && frame.Feature == s.batteryFeature() && len(frame.Payload) > 0 {
		level := int(frame.Payload[0])
		s.publisher.Update(func(snap *state.Snapshot) {
			snap.BatteryLevel = level
		})
		return
	}
	s.logger.WithFields(logrus.Fields{
		"feature": fmt.Sprintf("0x%02x", frame.Feature),
		"command": fmt.Sprintf("0x%02x", frame.Command),
		"type":    frame.Type.String(),
	}).Debug("Unsolicited notification")
}

func (s *Session) batteryFeature() uint8 {
	if s.protocol == ProtocolLegacy {
		return pdu.LegacyFeatureBattery
	}
	return pdu.FeatureBattery
}

func (s *Session) coreFeature() uint8 {
	if s.protocol == ProtocolLegacy {
		return pdu.LegacyFeatureCore
	}
	return pdu.FeatureCore
}

// ----------------------------
// Device value reads
// ----------------------------

// request sends one command and waits for its response, the command
// timeout, or ctx cancellation.
func (s *Session) request(ctx context.Context, feature, command uint8, payload []byte) ([]byte, error) {
	s.mu.Lock()
	table := s.table
	s.mu.Unlock()
	if table == nil {
		return nil, transport.ErrNotConnected
	}

	done, err := table.Send(feature, command, payload, true, s.cfg.CommandTimeout)
	if err != nil {
		return nil, err
	}

	select {
	case res := <-done:
		return res.Payload, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// requestWithRetry implements the opportunistic-send policy: a send
// attempted while disconnected triggers exactly one reconnect-and-
// resend after a fixed delay. Tracked commands are never retried on
// timeout.
func (s *Session) requestWithRetry(ctx context.Context, feature, command uint8, payload []byte) ([]byte, error) {
	res, err := s.request(ctx, feature, command, payload)
	if !errors.Is(err, transport.ErrNotConnected) {
		return res, err
	}
	if reconnectErr := s.ReconnectSaved(ctx); reconnectErr != nil {
		return nil, err
	}

	select {
	case <-time.After(s.cfg.RetryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.request(ctx, feature, command, payload)
}

// ReadBatteryLevel reads the battery percentage and publishes it.
func (s *Session) ReadBatteryLevel(ctx context.Context) (int, error) {
	payload, err := s.requestWithRetry(ctx, s.batteryFeature(), pdu.CmdGetBatteryLevel, nil)
	if err != nil {
		return 0, err
	}
	if len(payload) == 0 {
		return 0, fmt.Errorf("battery response has empty payload")
	}

	level := int(payload[0])
	s.publisher.Update(func(snap *state.Snapshot) {
		snap.BatteryLevel = level
	})
	return level, nil
}

// ReadSerialNumber reads the device serial and publishes it.
func (s *Session) ReadSerialNumber(ctx context.Context) (string, error) {
	payload, err := s.requestWithRetry(ctx, s.coreFeature(), pdu.CmdGetSerialNumber, nil)
	if err != nil {
		return "", err
	}

	serial := string(payload)
	s.publisher.Update(func(snap *state.Snapshot) {
		snap.SerialNumber = serial
	})
	return serial, nil
}

// ReadFirmwareVersion reads the firmware version string and publishes
// it.
func (s *Session) ReadFirmwareVersion(ctx context.Context) (string, error) {
	payload, err := s.requestWithRetry(ctx, s.coreFeature(), pdu.CmdGetFirmwareVersion, nil)
	if err != nil {
		return "", err
	}

	version := string(payload)
	s.publisher.Update(func(snap *state.Snapshot) {
		snap.FirmwareVersion = version
	})
	return version, nil
}

// ----------------------------
// Published sample access
// ----------------------------

// Samples returns a copy of one channel's sample sequence for live
// plotting. Channels are numbered 1 and 2.
func (s *Session) Samples(ch int) []int32 {
	return s.buffer.Channel(ch)
}

// PowerSpectrum computes a Welch PSD over one channel on demand.
func (s *Session) PowerSpectrum(ch int, maxFrequency float64) []float64 {
	return dsp.WelchPSD(s.buffer.ChannelFloats(ch), dsp.SampleRate, maxFrequency)
}

// ThetaBetaRatio computes the engagement proxy for one channel on
// demand.
func (s *Session) ThetaBetaRatio(ch int) float64 {
	return dsp.ThetaBetaRatio(s.buffer.ChannelFloats(ch), dsp.SampleRate)
}

// Quality returns the current published lead-off result per channel.
func (s *Session) Quality() [2]dsp.ConnectionQuality {
	return s.publisher.Snapshot().Quality
}

func (s *Session) publishState(next state.ConnState) {
	s.publisher.Update(func(snap *state.Snapshot) {
		snap.Connection = next
	})
}
