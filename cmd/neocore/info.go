package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/neocorelabs/neocore/internal/registry"
	"github.com/neocorelabs/neocore/internal/session"
	"github.com/neocorelabs/neocore/scanner"
	"github.com/neocorelabs/neocore/pkg/state"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Read headset identity and battery",
	Long: `Connect to a headset and read its battery level, serial number and
firmware version.

Without --device the last-connected headset is tried first; if none is
on record a scan picks the best-ranked known headset.`,
	RunE: runInfo,
}

var infoDeviceID string

func init() {
	infoCmd.Flags().StringVarP(&infoDeviceID, "device", "D", "", "Device ID to connect to")
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	sess, store := newSession(cmd, cfg, logger)
	defer func() {
		sess.Close()
		if store != nil {
			_ = store.Close()
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := connectTarget(ctx, sess, infoDeviceID, logger); err != nil {
		return err
	}

	battery, err := sess.ReadBatteryLevel(ctx)
	if err != nil {
		return fmt.Errorf("read battery level: %w", err)
	}
	serial, err := sess.ReadSerialNumber(ctx)
	if err != nil {
		return fmt.Errorf("read serial number: %w", err)
	}
	firmware, err := sess.ReadFirmwareVersion(ctx)
	if err != nil {
		return fmt.Errorf("read firmware version: %w", err)
	}

	snap := sess.Publisher().Snapshot()
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "Device:\t%s (%s)\n", snap.DeviceName, snap.DeviceID)
	fmt.Fprintf(w, "Battery:\t%d%%\n", battery)
	fmt.Fprintf(w, "Serial number:\t%s\n", serial)
	fmt.Fprintf(w, "Firmware:\t%s\n", firmware)
	_ = w.Flush()

	sess.Disconnect()
	return nil
}

// connectTarget resolves which headset to dial and connects to it:
// explicit --device id, then the saved device, then the best-ranked
// known headset from a fresh scan.
func connectTarget(ctx context.Context, sess *session.Session, deviceID string, logger *logrus.Logger) error {
	if deviceID == "" {
		err := sess.ReconnectSaved(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, registry.ErrNoSavedDevice) {
			logger.WithError(err).Debug("Saved-device reconnect failed, falling back to scan")
		}
		if sess.State() != state.Disconnected {
			sess.Disconnect()
		}
	}

	devices, err := sess.StartScan(ctx)
	if err != nil {
		return err
	}

	target, err := pickDevice(devices, deviceID)
	if err != nil {
		return err
	}
	return sess.Connect(ctx, target.ID, target.Name)
}

// pickDevice selects the scan result to connect to. With an explicit
// id the match is exact (case-insensitive); otherwise the ranked list
// puts known headsets first and the top entry wins.
func pickDevice(devices []scanner.Device, deviceID string) (scanner.Device, error) {
	if deviceID != "" {
		for _, d := range devices {
			if strings.EqualFold(d.ID, deviceID) {
				return d, nil
			}
		}
		return scanner.Device{}, fmt.Errorf("%w: %s", scanner.ErrDeviceNotFound, deviceID)
	}

	for _, d := range devices {
		if d.PriorityMatch {
			return d, nil
		}
	}
	return scanner.Device{}, fmt.Errorf("%w: no known headset in range", scanner.ErrDeviceNotFound)
}
