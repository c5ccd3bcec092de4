package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/neocorelabs/neocore/internal/registry"
	"github.com/neocorelabs/neocore/internal/transport"
	"github.com/neocorelabs/neocore/pkg/state"
	"github.com/neocorelabs/neocore/scanner"
)

// ReconnectSaved attempts to restore the last-connected device: a
// direct dial first, then a bounded scan looking for its id. The
// whole attempt is capped by the configured reconnect wait; on any
// failure the session returns to Disconnected rather than looping.
func (s *Session) ReconnectSaved(ctx context.Context) error {
	if s.registry == nil {
		return registry.ErrNoSavedDevice
	}
	savedID, savedName, err := s.registry.LoadLastConnected(ctx)
	if err != nil {
		return err
	}

	if err := s.machine.require(state.Disconnected, state.Failed, state.BluetoothUnavailable); err != nil {
		return err
	}
	if err := s.machine.transition(state.Reconnecting); err != nil {
		return err
	}
	s.publishState(state.Reconnecting)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReconnectWait)
	defer cancel()

	log := s.logger.WithFields(logrus.Fields{
		"device_id":   savedID,
		"device_name": savedName,
	})
	log.Info("Reconnecting to saved device")

	// Direct dial is cheap when the device is already advertising and
	// the platform caches it.
	if err := s.Connect(ctx, savedID, savedName); err == nil {
		return nil
	} else {
		log.WithError(err).Debug("Direct reconnect failed, scanning for device")
	}

	// Connect left the machine in a failure state; step back into the
	// reconnect path for the scan fallback.
	if err := s.machine.transition(state.Reconnecting); err != nil {
		s.resetAfterReconnect()
		return err
	}
	s.publishState(state.Reconnecting)

	found, err := s.scanner.FindByID(ctx, savedID, s.cfg.ReconnectWait)
	if err != nil {
		s.resetAfterReconnect()
		if errors.Is(err, scanner.ErrDeviceNotFound) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("saved device %s not found: %w", savedID, err)
		}
		return err
	}

	if err := s.Connect(ctx, found.ID, found.Name); err != nil {
		s.resetAfterReconnect()
		return err
	}
	return nil
}

// OnRadioPoweredOn is the hook for platform power-state callbacks:
// when the radio comes back, try the saved device once.
func (s *Session) OnRadioPoweredOn(ctx context.Context) {
	err := s.ReconnectSaved(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, registry.ErrNoSavedDevice) {
		s.logger.Debug("Radio powered on, no saved device to restore")
		return
	}
	s.logger.WithError(err).Info("Automatic reconnect failed")
}

// resetAfterReconnect lands the session back in Disconnected after a
// failed reconnect attempt so the user can scan manually.
func (s *Session) resetAfterReconnect() {
	if s.machine.state() == state.Disconnected {
		return
	}
	_ = s.machine.transition(state.Disconnected)
	s.publishState(state.Disconnected)
}

// WaitForDrop blocks until the current transport reports a drop or ctx
// expires. Useful for CLI commands that hold a connection open.
func (s *Session) WaitForDrop(ctx context.Context) error {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return transport.ErrNotConnected
	}
	select {
	case <-link.Disconnected():
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}
