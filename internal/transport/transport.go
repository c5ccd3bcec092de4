// Package transport owns the GATT link to the headset: connect,
// service discovery, the write channel and the notify channel. The
// session talks to the Transport interface only, so tests substitute
// an in-memory implementation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Headset GATT identifiers (UART-style service: one write
// characteristic for commands, one notify characteristic for
// responses and the sample stream).
const (
	ServiceUUID = "6e400001b5a3f393e0a9e50e24dcca9e"
	WriteUUID   = "6e400002b5a3f393e0a9e50e24dcca9e"
	NotifyUUID  = "6e400003b5a3f393e0a9e50e24dcca9e"
)

var (
	ErrBluetoothOff   = errors.New("bluetooth is turned off")
	ErrUnauthorized   = errors.New("bluetooth access not authorized")
	ErrUnsupported    = errors.New("bluetooth not supported on this platform")
	ErrNotConnected   = errors.New("device not connected")
	ErrMissingService = errors.New("headset service not found")
)

// NormalizeError maps platform error strings from the BLE stack to
// the sentinel errors above so the state machine can branch on them.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "have=4"), strings.Contains(msg, "powered off"), strings.Contains(msg, "turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "not authorized"):
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	case strings.Contains(msg, "unsupported"), strings.Contains(msg, "not supported"):
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	default:
		return err
	}
}

// normalizeUUID converts a UUID string to the BLE library form
// (lowercase, no dashes).
func normalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// Transport is a live link to one headset.
type Transport interface {
	// Connect dials the device and discovers the headset service and
	// its write/notify characteristics.
	Connect(ctx context.Context, deviceID string) error

	// Write sends one encoded frame on the write characteristic.
	Write(data []byte) error

	// Subscribe registers the notification handler. Each call to the
	// handler carries one raw frame.
	Subscribe(handler func(data []byte)) error

	// Disconnected is closed when the link drops.
	Disconnected() <-chan struct{}

	// Close cancels the connection.
	Close() error
}

// Factory creates transports; overridable in tests.
type Factory func(logger *logrus.Logger) Transport

// NewTransport is the production factory.
var NewTransport Factory = func(logger *logrus.Logger) Transport {
	return &bleTransport{logger: logger}
}

// serviceEntry keeps a discovered service with its characteristics in
// discovery order, for diagnostics output.
type serviceEntry struct {
	uuid  string
	chars *orderedmap.OrderedMap[string, *ble.Characteristic]
}

type bleTransport struct {
	mu       sync.Mutex
	client   ble.Client
	services *orderedmap.OrderedMap[string, *serviceEntry]
	writeCh  *ble.Characteristic
	notifyCh *ble.Characteristic
	logger   *logrus.Logger
}

func (t *bleTransport) Connect(ctx context.Context, deviceID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if strings.TrimSpace(deviceID) == "" {
		return fmt.Errorf("connect: device id is not set")
	}
	if t.client != nil {
		return fmt.Errorf("already connected")
	}

	dev, err := DeviceFactory()
	if err != nil {
		return NormalizeError(fmt.Errorf("failed to create BLE device: %w", err))
	}
	ble.SetDefaultDevice(dev)

	t.logger.WithField("device_id", deviceID).Info("Connecting to headset...")
	client, err := ble.Dial(ctx, ble.NewAddr(deviceID))
	if err != nil {
		return NormalizeError(fmt.Errorf("failed to connect to %q: %w", deviceID, err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	t.services = orderedmap.New[string, *serviceEntry]()
	for _, svc := range profile.Services {
		svcUUID := normalizeUUID(svc.UUID.String())
		entry := &serviceEntry{uuid: svcUUID, chars: orderedmap.New[string, *ble.Characteristic]()}
		for _, char := range svc.Characteristics {
			charUUID := normalizeUUID(char.UUID.String())
			entry.chars.Set(charUUID, char)
			if svcUUID == ServiceUUID {
				switch charUUID {
				case WriteUUID:
					t.writeCh = char
				case NotifyUUID:
					t.notifyCh = char
				}
			}
			t.logger.WithFields(logrus.Fields{
				"service_uuid": svcUUID,
				"char_uuid":    charUUID,
			}).Debug("Found characteristic")
		}
		t.services.Set(svcUUID, entry)
	}

	if t.writeCh == nil || t.notifyCh == nil {
		client.CancelConnection()
		t.writeCh, t.notifyCh, t.services = nil, nil, nil
		return fmt.Errorf("%w on device %q", ErrMissingService, deviceID)
	}

	t.client = client
	t.logger.WithField("services", t.services.Len()).Info("Headset connected")
	return nil
}

func (t *bleTransport) Write(data []byte) error {
	t.mu.Lock()
	client, char := t.client, t.writeCh
	t.mu.Unlock()

	if client == nil {
		return ErrNotConnected
	}
	return client.WriteCharacteristic(char, data, false)
}

func (t *bleTransport) Subscribe(handler func(data []byte)) error {
	t.mu.Lock()
	client, char := t.client, t.notifyCh
	t.mu.Unlock()

	if client == nil {
		return ErrNotConnected
	}
	return client.Subscribe(char, false, handler)
}

func (t *bleTransport) Disconnected() <-chan struct{} {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return client.Disconnected()
}

func (t *bleTransport) Close() error {
	t.mu.Lock()
	client, notify := t.client, t.notifyCh
	t.client, t.writeCh, t.notifyCh, t.services = nil, nil, nil, nil
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	if notify != nil {
		// Best effort; the link may already be gone.
		_ = client.Unsubscribe(notify, false)
	}
	return client.CancelConnection()
}
