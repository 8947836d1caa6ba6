package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play <recording-id>",
	Short: "Play a recording",
	Long: `Play a delivered recording from the output directory using the first
available player (vlc, mpv, ffplay, aplay).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Terminate()

		if err := svc.Play(args[0]); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}
