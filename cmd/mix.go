package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var mixCmd = &cobra.Command{
	Use:   "mix <system-file> <mic-file>",
	Short: "Mix two mono recordings into a stereo file",
	Long: `Mix two existing mono files (raw 16-bit .pcm at the configured sample rate,
or .wav) into one stereo file: the first on the left channel, the second on
the right. The shorter input is padded with silence. The output format
follows the extension of --output.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "mix." + cfg.Output.Format
		}

		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Terminate()

		fmt.Printf("Mixing %s (left) and %s (right)\n", args[0], args[1])
		res, err := svc.Mix(context.Background(), args[0], args[1], output)
		if err != nil {
			return fmt.Errorf("mixing failed: %w", err)
		}

		fmt.Printf("Mixing completed: %s (%d frames, %.2fs)\n", res.Path, res.Frames, res.DurationSecs)
		return nil
	},
}

func init() {
	mixCmd.Flags().StringP("output", "o", "", "output file (default mix.<format>)")
}
