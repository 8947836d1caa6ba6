package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/callscribe/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the JSON API server for remote control",
	Long: `Start the CallScribe API server to control recording over HTTP.

  GET    /api/status
  GET    /api/devices
  POST   /api/recording/start   {"loopback_index": 1, "mic_index": 2}
  POST   /api/recording/stop
  GET    /api/recordings
  GET    /api/recordings/{id}/audio
  DELETE /api/recordings/{id}

A recording still running at shutdown is stopped and delivered.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("host") {
			cfg.Server.Host, _ = cmd.Flags().GetString("host")
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Terminate()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := server.New(svc, cfg).Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("host", "", "address to listen on (overrides config)")
	serveCmd.Flags().Int("port", 0, "port for the API server (overrides config)")
}
