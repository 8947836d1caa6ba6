package cmd

import (
	"fmt"

	"github.com/audiolibrelab/callscribe/internal/audio"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"sources"},
	Short:   "List audio devices usable for recording",
	Long: `List the loopback devices (system output) and input devices (microphones)
of the configured audio backend, and the devices a recording would use by default.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Terminate()

		list, err := svc.ListDevices()
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}

		fmt.Printf("Audio backend: %s (configured: %s)\n\n", svc.Backend(), cfg.Audio.Backend)

		fmt.Printf("LOOPBACK DEVICES (%d found):\n", len(list.Loopback))
		for _, d := range list.Loopback {
			fmt.Printf("  %s\n", formatDevice(d, list.DefaultLoopback))
		}

		fmt.Printf("\nINPUT DEVICES (%d found):\n", len(list.Inputs))
		for _, d := range list.Inputs {
			fmt.Printf("  %s\n", formatDevice(d, list.DefaultMic))
		}

		fmt.Printf("\nUsage:\n")
		fmt.Printf("  callscribe record --loopback <index> --mic <index>\n")
		fmt.Printf("  or set devices.loopback_index / devices.mic_index in the config file\n")
		return nil
	},
}

func formatDevice(d audio.Device, def *audio.Device) string {
	marker := " "
	if def != nil && def.Index == d.Index {
		marker = "*"
	}
	return fmt.Sprintf("%s [%d] %s (in=%d out=%d rate=%d)",
		marker, d.Index, d.Name, d.InputChannels, d.OutputChannels, d.DefaultRate)
}
