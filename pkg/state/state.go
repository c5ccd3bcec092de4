// Package state is the read-only view the UI layer consumes:
// connection state, device identity values, and per-channel contact
// quality. The UI never mutates engine internals; it reads snapshots
// and watches the event stream.
package state

import (
	"sync"

	"github.com/neocorelabs/neocore/internal/dsp"
	"github.com/neocorelabs/neocore/internal/ringchan"
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	Disconnected ConnState = iota
	Scanning
	Connecting
	Connected
	Reconnecting
	Failed
	BluetoothUnavailable
	Unauthorized
	Unsupported
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	case BluetoothUnavailable:
		return "bluetooth_unavailable"
	case Unauthorized:
		return "unauthorized"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// BatteryUnknown marks a battery level that has not been read yet.
const BatteryUnknown = -1

// Snapshot is one immutable copy of the published state.
type Snapshot struct {
	Connection ConnState
	DeviceID   string
	DeviceName string

	BatteryLevel    int
	SerialNumber    string
	FirmwareVersion string

	// Quality holds the lead-off result per channel (index 0 is
	// channel 1).
	Quality [2]dsp.ConnectionQuality

	Recording bool
}

// Publisher holds the current snapshot and fans out updates.
// Consumers that fall behind lose oldest events, never block the
// engine.
type Publisher struct {
	mu     sync.RWMutex
	snap   Snapshot
	events *ringchan.RingChannel[Snapshot]
}

func NewPublisher() *Publisher {
	return &Publisher{
		snap:   Snapshot{BatteryLevel: BatteryUnknown},
		events: ringchan.New[Snapshot](64),
	}
}

// Snapshot returns a copy of the current published state.
func (p *Publisher) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Events is the stream of snapshots; one is sent after every update.
func (p *Publisher) Events() <-chan Snapshot {
	return p.events.C()
}

// Update applies fn to the current snapshot under the lock and
// publishes the result.
func (p *Publisher) Update(fn func(*Snapshot)) Snapshot {
	p.mu.Lock()
	fn(&p.snap)
	snap := p.snap
	p.mu.Unlock()

	p.events.Send(snap)
	return snap
}
