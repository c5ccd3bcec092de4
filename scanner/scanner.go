// Package scanner handles headset discovery: it collects
// advertisements into a deduplicated device set, ranks known headset
// models first, and supports bounded lookup of a single device by id
// for the reconnect path.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/neocorelabs/neocore/internal/ringchan"
	"github.com/neocorelabs/neocore/internal/transport"
)

// ModelAllowlist holds the advertised-name patterns of known headset
// models. Matching is prefix/substring, case-insensitive.
var ModelAllowlist = []string{"QCC5181", "QCC5181-LE", "NEOCORE"}

// DefaultScanTimeout bounds a scan session; scanning auto-stops when
// it elapses.
const DefaultScanTimeout = 15 * time.Second

// ErrDeviceNotFound is returned by FindByID when the bounded wait
// elapses without seeing the requested device.
var ErrDeviceNotFound = errors.New("device not found")

// Device is one discovered peripheral. Rebuilt every scan session and
// deduplicated by ID.
type Device struct {
	ID            string
	Name          string
	RSSI          int
	PriorityMatch bool
}

// MatchesKnownModel reports whether an advertised name matches the
// headset model allowlist.
func MatchesKnownModel(name string) bool {
	if name == "" {
		return false
	}
	upper := strings.ToUpper(name)
	for _, model := range ModelAllowlist {
		if strings.Contains(upper, strings.ToUpper(model)) {
			return true
		}
	}
	return false
}

// Rank orders devices for manual selection: known headset models
// first, ties broken by name ascending.
func Rank(devices []Device) []Device {
	out := make([]Device, len(devices))
	copy(out, devices)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PriorityMatch != out[j].PriorityMatch {
			return out[i].PriorityMatch
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DeviceEventType marks if the device was newly discovered or updated.
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type   DeviceEventType
	Device Device
}

// ScanOptions configures scanning behavior.
type ScanOptions struct {
	Timeout         time.Duration
	DuplicateFilter bool
}

// DefaultScanOptions returns default scanning options.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Timeout:         DefaultScanTimeout,
		DuplicateFilter: false,
	}
}

// Scanner handles headset discovery.
type Scanner struct {
	devices *hashmap.Map[string, Device]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger
}

// NewScanner creates a scanner.
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		events: ringchan.New[DeviceEvent](100),
		logger: logger,
	}
}

// Events exposes the discovery event stream (overwrite-oldest, never
// blocks the radio callback).
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// Scan performs discovery until the timeout or ctx cancellation and
// returns the ranked device list. The discovered set is cleared at
// the start of every scan session.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) ([]Device, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	s.devices = hashmap.New[string, Device]()

	dev, err := transport.DeviceFactory()
	if err != nil {
		return nil, transport.NormalizeError(fmt.Errorf("failed to create BLE device: %w", err))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.WithField("timeout", timeout).Info("Starting headset scan...")
	err = dev.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, transport.NormalizeError(fmt.Errorf("scan failed: %w", err))
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("Headset scan completed")
	return Rank(s.snapshot()), nil
}

// FindByID scans until a device with the given id is seen, bounded by
// wait. Used by the reconnect path after direct lookup fails.
func (s *Scanner) FindByID(ctx context.Context, deviceID string, wait time.Duration) (Device, error) {
	s.devices = hashmap.New[string, Device]()

	dev, err := transport.DeviceFactory()
	if err != nil {
		return Device{}, transport.NormalizeError(fmt.Errorf("failed to create BLE device: %w", err))
	}

	scanCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	found := make(chan Device, 1)

	err = dev.Scan(scanCtx, true, func(adv blelib.Advertisement) {
		s.handleAdvertisement(adv)
		if adv.Addr().String() == deviceID {
			select {
			case found <- makeDevice(adv):
				cancel()
			default:
			}
		}
	})

	select {
	case d := <-found:
		return d, nil
	default:
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return Device{}, transport.NormalizeError(err)
	}
	return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}

func makeDevice(adv blelib.Advertisement) Device {
	name := adv.LocalName()
	return Device{
		ID:            adv.Addr().String(),
		Name:          name,
		RSSI:          adv.RSSI(),
		PriorityMatch: MatchesKnownModel(name),
	}
}

// handleAdvertisement updates existing or adds a new device.
func (s *Scanner) handleAdvertisement(adv blelib.Advertisement) {
	d := makeDevice(adv)

	prev, existed := s.devices.Get(d.ID)
	if existed && d.Name == "" {
		// Scan responses without a name must not erase one we have.
		d.Name = prev.Name
		d.PriorityMatch = prev.PriorityMatch
	}
	s.devices.Set(d.ID, d)

	event := DeviceEvent{Type: EventUpdated, Device: d}
	if !existed {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device": d.Name,
			"id":     d.ID,
			"rssi":   d.RSSI,
		}).Info("Discovered new device")
	}
	s.events.Send(event)
}

func (s *Scanner) snapshot() []Device {
	devs := make([]Device, 0, s.devices.Len())
	s.devices.Range(func(_ string, value Device) bool {
		devs = append(devs, value)
		return true
	})
	return devs
}
