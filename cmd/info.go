package cmd

import (
	"fmt"

	"github.com/audiolibrelab/callscribe/internal/audio"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration and file paths",
	Long:  `Display the resolved configuration with inheritance indicators. Shows which values are inherited from default vs profile-specific.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inh := cfg.Inheritance

		fmt.Printf("=== FILE PATHS ===\n")
		fmt.Printf("config: %s\n", cfgFile)
		if inh != nil {
			fmt.Printf("profile: %s\n", inh.Profile)
		}
		fmt.Printf("output_dir: %s\n", cfg.Output.Directory)
		fmt.Printf("temp_dir: %s\n", cfg.TempDirectory())
		fmt.Printf("recording: %s\n", "<output_dir>/<session-id>."+cfg.Output.Format)

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")

		fmt.Printf("\n[Audio]\n")
		fmt.Printf("backend: %s %s\n", cfg.Audio.Backend, getInheritanceIndicator(inh.Status("audio.backend")))
		fmt.Printf("sample_rate: %d %s\n", cfg.Audio.SampleRate, getInheritanceIndicator(inh.Status("audio.sample_rate")))
		fmt.Printf("chunk_ms: %d %s\n", cfg.Audio.ChunkMs, getInheritanceIndicator(inh.Status("audio.chunk_ms")))
		fmt.Printf("flush_seconds: %d %s\n", cfg.Audio.FlushSeconds, getInheritanceIndicator(inh.Status("audio.flush_seconds")))
		fmt.Printf("join_timeout: %s %s\n", cfg.JoinTimeout(), getInheritanceIndicator(inh.Status("audio.join_timeout")))
		fmt.Printf("available_backends: %v\n", audio.AvailableBackends())

		fmt.Printf("\n[Devices]\n")
		fmt.Printf("loopback_index: %s %s\n", formatIndex(cfg.Devices.LoopbackIndex), getInheritanceIndicator(inh.Status("devices.loopback_index")))
		fmt.Printf("mic_index: %s %s\n", formatIndex(cfg.Devices.MicIndex), getInheritanceIndicator(inh.Status("devices.mic_index")))

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Status("output.directory")))
		fmt.Printf("format: %s %s\n", cfg.Output.Format, getInheritanceIndicator(inh.Status("output.format")))
		fmt.Printf("bitrate: %s %s\n", cfg.Output.Bitrate, getInheritanceIndicator(inh.Status("output.bitrate")))
		fmt.Printf("encoder: %s %s\n", cfg.Output.Encoder, getInheritanceIndicator(inh.Status("output.encoder")))

		fmt.Printf("\n[Server]\n")
		fmt.Printf("host: %s %s\n", cfg.Server.Host, getInheritanceIndicator(inh.Status("server.host")))
		fmt.Printf("port: %d %s\n", cfg.Server.Port, getInheritanceIndicator(inh.Status("server.port")))

		return nil
	},
}

func formatIndex(idx *int) string {
	if idx == nil {
		return "auto"
	}
	return fmt.Sprintf("%d", *idx)
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[built-in]"
	}
}
