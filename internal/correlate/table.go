// Package correlate tracks in-flight commands and matches device
// responses back to them. It is the only ordering guarantee the
// protocol offers: per correlation key, not global.
package correlate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/neocorelabs/neocore/internal/pdu"
)

// DefaultTimeout is applied when a caller passes a non-positive
// timeout.
const DefaultTimeout = 5 * time.Second

var (
	// ErrCommandPending is returned when a command with the same
	// correlation key is already outstanding. Duplicate sends are
	// rejected rather than queued.
	ErrCommandPending = errors.New("command already pending")

	// ErrCommandTimeout is delivered when no response arrives within
	// the command's timeout. The connection itself stays up.
	ErrCommandTimeout = errors.New("command timeout")
)

// DeviceError is delivered when the device answers with an error PDU
// instead of a response.
type DeviceError struct {
	Frame pdu.Frame
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error for feature 0x%02x command 0x%02x", e.Frame.Feature, e.Frame.Command)
}

// Key identifies an in-flight command. At most one entry per key may
// be outstanding at a time.
type Key struct {
	Feature uint8
	Command uint8
}

func (k Key) String() string {
	return fmt.Sprintf("0x%02x/0x%02x", k.Feature, k.Command)
}

// Result is the outcome of one tracked command: a response payload or
// an error (timeout, device error, connection drop).
type Result struct {
	Payload []byte
	Err     error
}

type entry struct {
	timer *time.Timer
	done  chan Result
}

// Writer sends an encoded frame to the device.
type Writer func(data []byte) error

// Table is the pending-command table. It is scoped to the lifetime of
// one connection session; FailAll is called on disconnect.
type Table struct {
	mu      sync.Mutex
	pending map[Key]*entry
	codec   pdu.Codec
	write   Writer
	logger  *logrus.Logger
}

func NewTable(codec pdu.Codec, write Writer, logger *logrus.Logger) *Table {
	if logger == nil {
		logger = logrus.New()
	}
	return &Table{
		pending: make(map[Key]*entry),
		codec:   codec,
		write:   write,
		logger:  logger,
	}
}

// Send encodes and writes one command. When expectsResponse is true
// the returned channel delivers exactly one Result: the matching
// response, a device error, a timeout, or the FailAll error. When
// expectsResponse is false the channel is nil.
//
// A second Send for a key that is still outstanding is rejected with
// ErrCommandPending; retry policy belongs to the caller.
func (t *Table) Send(feature uint8, command uint8, payload []byte, expectsResponse bool, timeout time.Duration) (<-chan Result, error) {
	data, err := t.codec.Encode(feature, pdu.TypeCommand, command, payload)
	if err != nil {
		return nil, err
	}

	if !expectsResponse {
		return nil, t.write(data)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	key := Key{Feature: feature, Command: command}

	t.mu.Lock()
	if _, ok := t.pending[key]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCommandPending, key)
	}
	e := &entry{done: make(chan Result, 1)}
	e.timer = time.AfterFunc(timeout, func() { t.expire(key) })
	t.pending[key] = e
	t.mu.Unlock()

	if err := t.write(data); err != nil {
		t.remove(key)
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"key":     key.String(),
		"timeout": timeout,
	}).Debug("Command sent, awaiting response")
	return e.done, nil
}

// HandleFrame consumes response and error frames that match a pending
// entry. The return value reports whether the frame was consumed;
// anything else is an unsolicited notification for the caller to
// route. A late response after the entry timed out is ignored here
// and logged.
func (t *Table) HandleFrame(frame pdu.Frame) bool {
	if frame.Type != pdu.TypeResponse && frame.Type != pdu.TypeError {
		return false
	}

	key := Key{Feature: frame.Feature, Command: frame.Command}
	e := t.take(key)
	if e == nil {
		t.logger.WithField("key", key.String()).Debug("Response with no pending command, ignoring")
		return false
	}

	if frame.Type == pdu.TypeError {
		e.done <- Result{Err: &DeviceError{Frame: frame}}
	} else {
		e.done <- Result{Payload: frame.Payload}
	}
	return true
}

// FailAll fails every pending command with err. Called when the
// connection drops.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	entries := t.pending
	t.pending = make(map[Key]*entry)
	t.mu.Unlock()

	for key, e := range entries {
		e.timer.Stop()
		e.done <- Result{Err: err}
		t.logger.WithField("key", key.String()).Debug("Pending command failed on disconnect")
	}
}

// Pending returns the number of outstanding commands.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// take removes and returns the entry for key, stopping its timer.
func (t *Table) take(key Key) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[key]
	if !ok {
		return nil
	}
	delete(t.pending, key)
	e.timer.Stop()
	return e
}

func (t *Table) remove(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.pending[key]; ok {
		e.timer.Stop()
		delete(t.pending, key)
	}
}

func (t *Table) expire(key Key) {
	t.mu.Lock()
	e, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.mu.Unlock()
	if !ok {
		// Resolved in the window between the timer firing and this
		// callback taking the lock.
		return
	}

	t.logger.WithField("key", key.String()).Warn("Command timed out")
	e.done <- Result{Err: ErrCommandTimeout}
}
