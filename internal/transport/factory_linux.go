//go:build !darwin

package transport

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates the platform ble.Device; overridable in tests.
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
