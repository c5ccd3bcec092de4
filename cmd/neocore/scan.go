package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/neocorelabs/neocore/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for EEG headsets",
	Long: `Scan for nearby Bluetooth Low Energy devices and list them with
known headset models ranked first.

Every sighting is also recorded in the device registry so the reconnect
path can find the headset later.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVarP(&scanAll, "all", "a", false, "Show all devices, not just known headset models")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be table or json", scanFormat)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	if scanDuration > 0 {
		cfg.ScanTimeout = scanDuration
	}

	sess, store := newSession(cmd, cfg, logger)
	defer func() {
		sess.Close()
		if store != nil {
			_ = store.Close()
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	devices, err := sess.StartScan(ctx)
	if err != nil {
		return err
	}
	sess.Disconnect()

	if !scanAll {
		devices = filterKnown(devices)
	}

	if scanFormat == "json" {
		return printDevicesJSON(devices)
	}
	printDevicesTable(devices)
	return nil
}

func filterKnown(devices []scanner.Device) []scanner.Device {
	out := devices[:0:0]
	for _, d := range devices {
		if d.PriorityMatch {
			out = append(out, d)
		}
	}
	return out
}

func printDevicesJSON(devices []scanner.Device) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}

func printDevicesTable(devices []scanner.Device) {
	if len(devices) == 0 {
		fmt.Println("No headsets found.")
		return
	}

	headset := color.New(color.FgGreen)
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tRSSI\tHEADSET")
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(unknown)"
		}
		mark := ""
		if d.PriorityMatch {
			mark = headset.Sprint("yes")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", name, d.ID, d.RSSI, mark)
	}
	_ = w.Flush()
}
