package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/callscribe/internal/config"
	"github.com/audiolibrelab/callscribe/internal/service"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "callscribe",
	Short: "Record both sides of a call into one stereo file",
	Long: `CallScribe records a phone or video call by capturing system output
audio (what you hear) and the microphone (what you say) at the same time,
then mixes both into a single stereo file: system audio on the left
channel, microphone on the right.

The stereo file is ready for speech-to-text tools that transcribe each
channel separately.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		var err error
		if cfgFile != "" {
			// An explicit config file must exist
			cfg, err = config.LoadWithProfile(cfgFile, profile)
		} else {
			cfgFile = config.DefaultPath()
			cfg, err = config.LoadOrDefault(cfgFile, profile)
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.Debug("Configuration loaded", "file", cfgFile, "profile", cfg.Inheritance.Profile)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/callscribe.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug")

	// Add subcommands
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(mixCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(recordingsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(serveCmd)
}

// newService builds the service from the loaded configuration
func newService() (*service.CallScribeService, error) {
	svc, err := service.New(cfg, service.Deps{})
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return svc, nil
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	slogLevel := slog.LevelInfo
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))
}
