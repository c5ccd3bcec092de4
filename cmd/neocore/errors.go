package main

import (
	"errors"

	"github.com/neocorelabs/neocore/internal/correlate"
	"github.com/neocorelabs/neocore/internal/registry"
	"github.com/neocorelabs/neocore/internal/session"
	"github.com/neocorelabs/neocore/internal/transport"
	"github.com/neocorelabs/neocore/scanner"
)

// FormatUserError rewrites engine errors into actionable messages for
// the terminal. Anything unrecognized passes through verbatim.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, transport.ErrBluetoothOff):
		return "Bluetooth is turned off - enable it and try again"
	case errors.Is(err, transport.ErrUnauthorized):
		return "Bluetooth access denied - grant this application Bluetooth permission"
	case errors.Is(err, transport.ErrUnsupported):
		return "Bluetooth Low Energy is not supported on this machine"
	case errors.Is(err, transport.ErrNotConnected):
		return "not connected to a headset - run 'neocore scan' first"
	case errors.Is(err, correlate.ErrCommandTimeout):
		return "the headset did not answer in time - check it is powered on and in range"
	case errors.Is(err, session.ErrConnectionLost):
		return "connection to the headset was lost"
	case errors.Is(err, scanner.ErrDeviceNotFound):
		return "headset not found - make sure it is powered on and advertising"
	case errors.Is(err, registry.ErrNoSavedDevice):
		return "no previously connected headset on record - run 'neocore scan' first"
	default:
		return err.Error()
	}
}
