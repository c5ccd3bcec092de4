package session

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/neocorelabs/neocore/pkg/state"
)

// InvalidTransitionError reports a request that the connection state
// machine does not allow from the current state.
type InvalidTransitionError struct {
	From state.ConnState
	To   state.ConnState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// validNext encodes the allowed transitions. Disconnected is
// reachable from everywhere: disconnect is the universal reset.
var validNext = map[state.ConnState][]state.ConnState{
	state.Disconnected: {state.Scanning, state.Reconnecting, state.BluetoothUnavailable, state.Unauthorized, state.Unsupported},
	state.Scanning:     {state.Connecting, state.Failed, state.BluetoothUnavailable, state.Unauthorized, state.Unsupported},
	state.Connecting:   {state.Connected, state.Failed, state.BluetoothUnavailable, state.Unauthorized, state.Unsupported},
	state.Connected:    {state.Failed},
	state.Reconnecting: {state.Connecting, state.Scanning, state.Failed},
	state.Failed:       {state.Scanning, state.Reconnecting},

	state.BluetoothUnavailable: {state.Reconnecting, state.Scanning},
	state.Unauthorized:         {},
	state.Unsupported:          {},
}

// machine is the connection state machine. All state flags that used
// to be scattered booleans live in the single ConnState value, and
// transition is the only mutation entry point.
type machine struct {
	mu      sync.Mutex
	current state.ConnState
	logger  *logrus.Logger
}

func newMachine(logger *logrus.Logger) *machine {
	if logger == nil {
		logger = logrus.New()
	}
	return &machine{current: state.Disconnected, logger: logger}
}

func (m *machine) state() state.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// transition moves to next if the state machine allows it.
func (m *machine) transition(next state.ConnState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == next {
		return nil
	}
	if !m.allowed(next) {
		return &InvalidTransitionError{From: m.current, To: next}
	}

	m.logger.WithFields(logrus.Fields{
		"from": m.current.String(),
		"to":   next.String(),
	}).Debug("Connection state transition")
	m.current = next
	return nil
}

// require verifies the current state is one of the given states.
func (m *machine) require(states ...state.ConnState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range states {
		if m.current == s {
			return nil
		}
	}
	return fmt.Errorf("operation not allowed in state %s", m.current)
}

func (m *machine) allowed(next state.ConnState) bool {
	if next == state.Disconnected {
		return true
	}
	for _, s := range validNext[m.current] {
		if s == next {
			return true
		}
	}
	return false
}
