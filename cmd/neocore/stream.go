package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/neocorelabs/neocore/internal/dsp"
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Record an EEG session with live contact quality",
	Long: `Connect to a headset, start the EEG stream and print per-channel
contact quality once a second until the duration elapses or Ctrl+C.

After the recording stops, a summary with the captured sample count and
the theta/beta engagement ratio per channel is printed.`,
	RunE: runStream,
}

var (
	streamDeviceID   string
	streamDuration   time.Duration
	streamTestSignal bool
)

func init() {
	streamCmd.Flags().StringVarP(&streamDeviceID, "device", "D", "", "Device ID to connect to")
	streamCmd.Flags().DurationVarP(&streamDuration, "duration", "d", 0, "Recording duration (0 until interrupted)")
	streamCmd.Flags().BoolVar(&streamTestSignal, "test-signal", false, "Enable the on-device test signal instead of live EEG")
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	if streamTestSignal {
		cfg.TestSignal = true
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
	if streamDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, streamDuration)
		defer cancel()
	}

	if err := connectTarget(ctx, sess, streamDeviceID, logger); err != nil {
		return err
	}
	if err := sess.StartRecording(ctx); err != nil {
		return err
	}

	fmt.Println("Recording... press Ctrl+C to stop")
	watchQuality(ctx, sess)

	// The recording outlived ctx; stop commands get their own deadline.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.CommandTimeout*4)
	defer stopCancel()
	if err := sess.StopRecording(stopCtx); err != nil {
		logger.WithError(err).Warn("Stream shutdown sequence incomplete")
	}

	printSummary(sess)
	sess.Disconnect()
	return nil
}

// watchQuality prints the per-channel contact quality once a second
// until ctx is done.
func watchQuality(ctx context.Context, sess qualitySource) {
	good := color.New(color.FgGreen)
	bad := color.New(color.FgRed)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case <-ticker.C:
			quality := sess.Quality()
			fmt.Printf("\r  ch1 %s  ch2 %s   ", formatQuality(quality[0], good, bad), formatQuality(quality[1], good, bad))
		}
	}
}

type qualitySource interface {
	Quality() [2]dsp.ConnectionQuality
}

func formatQuality(q dsp.ConnectionQuality, good, bad *color.Color) string {
	if !q.Connected {
		return bad.Sprintf("off %3.0f%%", q.Quality)
	}
	return good.Sprintf("on  %3.0f%%", q.Quality)
}

func printSummary(sess sessionSummary) {
	fmt.Println("Session summary:")
	for ch := 1; ch <= 2; ch++ {
		samples := sess.Samples(ch)
		seconds := float64(len(samples)) / dsp.SampleRate
		ratio := sess.ThetaBetaRatio(ch)
		fmt.Printf("  channel %d: %d samples (%.1fs), theta/beta %.2f\n", ch, len(samples), seconds, ratio)
	}
}

type sessionSummary interface {
	Samples(ch int) []int32
	ThetaBetaRatio(ch int) float64
}
