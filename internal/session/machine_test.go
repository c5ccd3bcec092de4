package session

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/neocorelabs/neocore/pkg/state"
)

type MachineTestSuite struct {
	suite.Suite
	machine *machine
}

func (suite *MachineTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	suite.machine = newMachine(logger)
}

func (suite *MachineTestSuite) TestInitialState() {
	// GOAL: Verify a fresh machine starts disconnected
	suite.Equal(state.Disconnected, suite.machine.state(),
		"New machine MUST start in Disconnected")
}

func (suite *MachineTestSuite) TestHappyPath() {
	// GOAL: Verify the normal scan -> connect lifecycle is accepted
	//
	// TEST SCENARIO: Disconnected -> Scanning -> Connecting -> Connected,
	// every transition valid
	for _, next := range []state.ConnState{state.Scanning, state.Connecting, state.Connected} {
		suite.Require().NoError(suite.machine.transition(next),
			"Transition to %s MUST be allowed", next)
		suite.Equal(next, suite.machine.state())
	}
}

func (suite *MachineTestSuite) TestInvalidTransitionRejected() {
	// GOAL: Verify transitions outside the table are rejected and leave
	// the state untouched
	//
	// TEST SCENARIO: Disconnected -> Connected skips Connecting and MUST fail
	err := suite.machine.transition(state.Connected)
	suite.Require().Error(err, "Disconnected -> Connected MUST be rejected")

	var invalid *InvalidTransitionError
	suite.Require().ErrorAs(err, &invalid)
	suite.Equal(state.Disconnected, invalid.From)
	suite.Equal(state.Connected, invalid.To)
	suite.Equal(state.Disconnected, suite.machine.state(),
		"Rejected transition MUST NOT change state")
}

func (suite *MachineTestSuite) TestDisconnectedAlwaysReachable() {
	// GOAL: Verify the universal reset: Disconnected is a valid target
	// from every state, including terminal ones
	targets := []state.ConnState{
		state.Scanning, state.Connecting, state.Connected,
		state.Reconnecting, state.Failed,
		state.BluetoothUnavailable, state.Unauthorized, state.Unsupported,
	}
	for _, from := range targets {
		m := newMachine(nil)
		m.mu.Lock()
		m.current = from
		m.mu.Unlock()
		suite.NoError(m.transition(state.Disconnected),
			"Reset from %s MUST be allowed", from)
	}
}

func (suite *MachineTestSuite) TestTerminalStatesHaveNoForwardTransitions() {
	// GOAL: Verify Unauthorized and Unsupported only allow the reset
	for _, terminal := range []state.ConnState{state.Unauthorized, state.Unsupported} {
		m := newMachine(nil)
		m.mu.Lock()
		m.current = terminal
		m.mu.Unlock()
		suite.Error(m.transition(state.Scanning),
			"%s MUST NOT transition to Scanning", terminal)
		suite.Error(m.transition(state.Reconnecting),
			"%s MUST NOT transition to Reconnecting", terminal)
	}
}

func (suite *MachineTestSuite) TestRequire() {
	// GOAL: Verify the precondition helper accepts listed states and
	// rejects others
	suite.NoError(suite.machine.require(state.Disconnected, state.Failed))
	suite.Error(suite.machine.require(state.Connected),
		"require MUST fail when current state is not listed")
}

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineTestSuite))
}
