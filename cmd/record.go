package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record system audio and microphone into a stereo file",
	Long: `Record the system output (loopback) and the microphone at the same time.
Recording runs until Ctrl+C, or for --duration. Both streams are then mixed
into one stereo file (left: system, right: microphone) and encoded into the
output directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loopback, _ := cmd.Flags().GetInt("loopback")
		mic, _ := cmd.Flags().GetInt("mic")
		duration, _ := cmd.Flags().GetDuration("duration")

		svc, err := newService()
		if err != nil {
			return err
		}
		// Always release the audio subsystem, also on error paths
		defer svc.Terminate()

		id, err := svc.StartRecording(indexFlag(loopback), indexFlag(mic))
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
			slog.Info("Recording", "session_id", id, "duration", duration)
		} else {
			slog.Info("Recording - Press Ctrl+C to stop", "session_id", id)
		}

		<-ctx.Done()
		stop()
		slog.Info("Stopping recording...")

		res, err := svc.StopRecording(context.Background())
		if err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}

		fmt.Printf("id: %s\n", res.ID)
		fmt.Printf("path: %s\n", res.Path)
		fmt.Printf("duration_secs: %.2f\n", res.DurationSecs)
		fmt.Printf("started_at: %s\n", res.StartedAt.Format(time.RFC3339))
		return nil
	},
}

// indexFlag maps the -1 "not set" flag value to nil
func indexFlag(v int) *int {
	if v < 0 {
		return nil
	}
	return &v
}

func init() {
	recordCmd.Flags().Int("loopback", -1, "loopback device index (overrides config and auto-detection)")
	recordCmd.Flags().Int("mic", -1, "microphone device index (overrides config and auto-detection)")
	recordCmd.Flags().Duration("duration", 0, "stop automatically after this duration (e.g. 30m)")
}
