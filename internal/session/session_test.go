package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/neocorelabs/neocore/internal/correlate"
	"github.com/neocorelabs/neocore/internal/pdu"
	"github.com/neocorelabs/neocore/internal/transport"
	"github.com/neocorelabs/neocore/pkg/config"
	"github.com/neocorelabs/neocore/pkg/state"
)

// ----------------------------
// Mock transport
// ----------------------------

// mockTransport implements transport.Transport in-memory. onWrite, if
// set, runs for every written frame and can inject responses through
// the subscribed handler, simulating the device end of the link.
type mockTransport struct {
	mu        sync.Mutex
	connected bool
	writes    [][]byte
	handler   func([]byte)
	dropped   chan struct{}
	onWrite   func(data []byte)

	connectErr error
	writeErr   error
}

func newMockTransport() *mockTransport {
	return &mockTransport{dropped: make(chan struct{})}
}

func (m *mockTransport) Connect(ctx context.Context, deviceID string) error {
	if m.connectErr != nil {
		return m.connectErr
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) Write(data []byte) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.mu.Lock()
	m.writes = append(m.writes, append([]byte(nil), data...))
	onWrite := m.onWrite
	m.mu.Unlock()
	if onWrite != nil {
		onWrite(data)
	}
	return nil
}

func (m *mockTransport) Subscribe(handler func(data []byte)) error {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) Disconnected() <-chan struct{} {
	return m.dropped
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// notify delivers device-originated bytes to the session.
func (m *mockTransport) notify(data []byte) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

// drop simulates an unexpected link loss.
func (m *mockTransport) drop() {
	close(m.dropped)
}

func (m *mockTransport) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

// ----------------------------
// Suite
// ----------------------------

type SessionTestSuite struct {
	suite.Suite
	session   *Session
	mock      *mockTransport
	prevMaker transport.Factory
}

func (suite *SessionTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	suite.mock = newMockTransport()
	suite.prevMaker = transport.NewTransport
	transport.NewTransport = func(*logrus.Logger) transport.Transport {
		return suite.mock
	}

	cfg := config.DefaultConfig()
	cfg.CommandTimeout = 500 * time.Millisecond
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.StepDelay = time.Millisecond
	suite.session = New(cfg, ProtocolV2, nil, nil, logger)
}

func (suite *SessionTestSuite) TearDownTest() {
	suite.session.Disconnect()
	transport.NewTransport = suite.prevMaker
}

// connect drives the machine into Connected against the mock without
// touching real radio hardware.
func (suite *SessionTestSuite) connect() {
	suite.Require().NoError(suite.session.machine.transition(state.Scanning))
	suite.Require().NoError(suite.session.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", "NEOCORE"))
}

// respondTo makes the mock device answer every written command with
// the given response payload for the given key.
func (suite *SessionTestSuite) respondTo(feature, command uint8, payload []byte) {
	codec := pdu.V2Codec{}
	suite.mock.onWrite = func(data []byte) {
		frame, err := codec.Decode(data)
		if err != nil || frame.Feature != feature || frame.Command != command {
			return
		}
		response, err := codec.Encode(feature, pdu.TypeResponse, command, payload)
		suite.Require().NoError(err)
		go suite.mock.notify(response)
	}
}

// ----------------------------
// Tests
// ----------------------------

func (suite *SessionTestSuite) TestConnectPublishesState() {
	// GOAL: Verify a successful connect lands in Connected and publishes
	// the device identity
	suite.connect()

	suite.Equal(state.Connected, suite.session.State())
	snap := suite.session.Publisher().Snapshot()
	suite.Equal("AA:BB:CC:DD:EE:FF", snap.DeviceID, "Snapshot MUST carry the device id")
	suite.Equal("NEOCORE", snap.DeviceName)
}

func (suite *SessionTestSuite) TestConnectRequiresScanning() {
	// GOAL: Verify Connect is rejected from Disconnected; the state
	// machine gates every operation
	err := suite.session.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", "NEOCORE")
	suite.Require().Error(err, "Connect from Disconnected MUST be rejected")
	suite.Equal(state.Disconnected, suite.session.State())
}

func (suite *SessionTestSuite) TestBatteryReadEndToEnd() {
	// GOAL: Verify the full request path: command encoded and written,
	// response frame correlated back, battery level published
	//
	// TEST SCENARIO: Connected session sends GetBatteryLevel; mock device
	// replies with a battery response frame carrying 75 -> ReadBatteryLevel
	// returns 75 and the snapshot reflects it before the command timeout
	suite.connect()
	suite.respondTo(pdu.FeatureBattery, pdu.CmdGetBatteryLevel, []byte{0x4B})

	level, err := suite.session.ReadBatteryLevel(context.Background())
	suite.Require().NoError(err, "Tracked command MUST resolve with the device response")
	suite.Equal(75, level)
	suite.Equal(75, suite.session.Publisher().Snapshot().BatteryLevel,
		"Published battery level MUST match the response")
}

func (suite *SessionTestSuite) TestSerialAndFirmwareReads() {
	// GOAL: Verify core feature reads decode string payloads and publish
	// them independently
	suite.connect()
	suite.respondTo(pdu.FeatureCore, pdu.CmdGetSerialNumber, []byte("NC-0042"))

	serial, err := suite.session.ReadSerialNumber(context.Background())
	suite.Require().NoError(err)
	suite.Equal("NC-0042", serial)

	suite.respondTo(pdu.FeatureCore, pdu.CmdGetFirmwareVersion, []byte("2.1.0"))
	version, err := suite.session.ReadFirmwareVersion(context.Background())
	suite.Require().NoError(err)
	suite.Equal("2.1.0", version)

	snap := suite.session.Publisher().Snapshot()
	suite.Equal("NC-0042", snap.SerialNumber)
	suite.Equal("2.1.0", snap.FirmwareVersion)
}

func (suite *SessionTestSuite) TestReadTimesOutWithoutResponse() {
	// GOAL: Verify a silent device yields the timeout error, not a hang,
	// and the connection stays up
	suite.connect()

	_, err := suite.session.ReadBatteryLevel(context.Background())
	suite.Require().Error(err)
	suite.ErrorIs(err, correlate.ErrCommandTimeout,
		"Unanswered command MUST fail with the timeout sentinel")
	suite.Equal(state.Connected, suite.session.State(),
		"Command timeout MUST NOT tear down the connection")
}

func (suite *SessionTestSuite) TestReadWhileDisconnected() {
	// GOAL: Verify sends without a link fail with ErrNotConnected after
	// the single reconnect attempt finds no saved device
	_, err := suite.session.ReadBatteryLevel(context.Background())
	suite.Require().Error(err)
	suite.ErrorIs(err, transport.ErrNotConnected)
}

func (suite *SessionTestSuite) TestEEGFramesBypassCorrelation() {
	// GOAL: Verify stream packets are routed to the sample buffer, not
	// the pending-command table, and only while recording
	//
	// TEST SCENARIO: Indexed EEG packet with two sample pairs arrives;
	// before recording it is dropped, during recording it is buffered
	suite.connect()

	packet := []byte{pdu.EEGPacketTag, 16, 0x00, 0x00} // tag, len, index 0
	for _, v := range []byte{0x01, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00} {
		packet = append(packet, v)
	}

	suite.mock.notify(packet)
	suite.Zero(suite.session.buffer.Len(), "Packets before recording MUST be dropped")

	suite.session.recording.Store(true)
	suite.session.buffer.SetReceiving(true)
	suite.mock.notify(packet)
	suite.Equal(1, suite.session.buffer.Len(), "Packets during recording MUST be buffered")
	suite.Equal([]int32{1}, suite.session.Samples(1))
	suite.Equal([]int32{2}, suite.session.Samples(2))
}

func (suite *SessionTestSuite) TestUndecodableFrameDropped() {
	// GOAL: Verify a truncated frame is logged and dropped without
	// affecting the session
	suite.connect()
	suite.mock.notify([]byte{0x06})
	suite.Equal(state.Connected, suite.session.State())
}

func (suite *SessionTestSuite) TestUnsolicitedBatteryNotification() {
	// GOAL: Verify a push battery notification updates the snapshot
	// without any pending command
	suite.connect()

	codec := pdu.V2Codec{}
	push, err := codec.Encode(pdu.FeatureBattery, pdu.TypeNotification, pdu.CmdGetBatteryLevel, []byte{0x32})
	suite.Require().NoError(err)
	suite.mock.notify(push)

	suite.Equal(50, suite.session.Publisher().Snapshot().BatteryLevel)
}

func (suite *SessionTestSuite) TestDisconnectResetsEverything() {
	// GOAL: Verify the universal reset clears buffers, fails pending
	// commands and returns to Disconnected
	suite.connect()

	done := make(chan error, 1)
	go func() {
		_, err := suite.session.ReadBatteryLevel(context.Background())
		done <- err
	}()
	suite.Eventually(func() bool { return suite.mock.writeCount() > 0 },
		time.Second, time.Millisecond, "Command MUST reach the transport")

	suite.session.Disconnect()

	suite.Equal(state.Disconnected, suite.session.State())
	select {
	case err := <-done:
		suite.ErrorIs(err, ErrConnectionLost,
			"Pending command MUST fail with the connection-lost error")
	case <-time.After(time.Second):
		suite.Fail("Pending command MUST be failed on disconnect")
	}
	suite.Zero(suite.session.buffer.Len(), "Sample buffer MUST be cleared")
}

func (suite *SessionTestSuite) TestTransportDropTriggersReset() {
	// GOAL: Verify an unexpected link loss resets the session the same
	// way an explicit disconnect does
	suite.connect()
	suite.mock.drop()

	suite.Eventually(func() bool {
		return suite.session.State() == state.Disconnected
	}, time.Second, time.Millisecond, "Dropped link MUST reset the session")
}

func (suite *SessionTestSuite) TestStartRecordingRunsStepSequence() {
	// GOAL: Verify the recording sequence enables lead-off then streaming
	// in order, each step answered before the next is sent, and every
	// control command addressed to the SensorConfig feature
	suite.connect()

	codec := pdu.V2Codec{}
	var order []correlate.Key
	var orderMu sync.Mutex
	suite.mock.onWrite = func(data []byte) {
		frame, err := codec.Decode(data)
		suite.Require().NoError(err)
		orderMu.Lock()
		order = append(order, correlate.Key{Feature: frame.Feature, Command: frame.Command})
		orderMu.Unlock()
		response, err := codec.Encode(frame.Feature, pdu.TypeResponse, frame.Command, nil)
		suite.Require().NoError(err)
		go suite.mock.notify(response)
	}

	suite.Require().NoError(suite.session.StartRecording(context.Background()))
	suite.True(suite.session.Recording())
	suite.True(suite.session.Publisher().Snapshot().Recording)

	orderMu.Lock()
	defer orderMu.Unlock()
	suite.Equal([]correlate.Key{
		{Feature: pdu.FeatureSensorConfig, Command: pdu.CmdLeadOffControl},
		{Feature: pdu.FeatureSensorConfig, Command: pdu.CmdDataStreamControl},
	}, order, "Lead-off MUST be enabled before streaming, and DataStreamControl MUST be sent on the SensorConfig feature")
}

func (suite *SessionTestSuite) TestStopDuringStartAbortsSequence() {
	// GOAL: Verify a stop issued while the start sequence is still
	// pacing aborts the remaining steps, and the session never reports
	// an active recording afterwards
	//
	// TEST SCENARIO: Start sequence paces with a visible delay; the mock
	// device triggers StopRecording after the first written command ->
	// StartRecording fails with ErrRecordingStopped, no analysis tick
	// starts, and both the flag and the snapshot read not-recording
	suite.connect()
	suite.session.cfg.StepDelay = 50 * time.Millisecond

	codec := pdu.V2Codec{}
	var stopOnce sync.Once
	stopDone := make(chan error, 1)
	suite.mock.onWrite = func(data []byte) {
		frame, err := codec.Decode(data)
		suite.Require().NoError(err)
		response, err := codec.Encode(frame.Feature, pdu.TypeResponse, frame.Command, nil)
		suite.Require().NoError(err)
		go suite.mock.notify(response)
		stopOnce.Do(func() {
			go func() {
				stopDone <- suite.session.StopRecording(context.Background())
			}()
		})
	}

	err := suite.session.StartRecording(context.Background())
	suite.Require().Error(err, "Start sequence MUST abort once the recording is stopped")
	suite.ErrorIs(err, ErrRecordingStopped)

	select {
	case stopErr := <-stopDone:
		suite.NoError(stopErr)
	case <-time.After(time.Second):
		suite.Fail("StopRecording MUST complete")
	}

	suite.False(suite.session.Recording())
	suite.False(suite.session.Publisher().Snapshot().Recording,
		"Snapshot MUST NOT report recording after StopRecording")
	suite.False(suite.session.buffer.Receiving())
}

func (suite *SessionTestSuite) TestStartRecordingRequiresConnection() {
	// GOAL: Verify recording cannot start without a connection
	err := suite.session.StartRecording(context.Background())
	suite.Require().Error(err)
	suite.False(suite.session.Recording())
}

func (suite *SessionTestSuite) TestStopRecordingDisablesStream() {
	// GOAL: Verify stop sends the disable sequence and recording flag
	// clears even while frames are still in flight
	suite.connect()

	codec := pdu.V2Codec{}
	suite.mock.onWrite = func(data []byte) {
		frame, err := codec.Decode(data)
		suite.Require().NoError(err)
		response, err := codec.Encode(frame.Feature, pdu.TypeResponse, frame.Command, nil)
		suite.Require().NoError(err)
		go suite.mock.notify(response)
	}
	suite.Require().NoError(suite.session.StartRecording(context.Background()))

	suite.Require().NoError(suite.session.StopRecording(context.Background()))
	suite.False(suite.session.Recording())
	suite.False(suite.session.Publisher().Snapshot().Recording)
	suite.False(suite.session.buffer.Receiving(),
		"Stream gate MUST close when recording stops")
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
