package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var recordingsCmd = &cobra.Command{
	Use:     "recordings",
	Aliases: []string{"ls"},
	Short:   "List delivered recordings",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Terminate()

		recs, err := svc.ListRecordings()
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Printf("No recordings in %s\n", cfg.Output.Directory)
			return nil
		}
		for _, r := range recs {
			fmt.Printf("%s  %-40s %8s  %7.1fs\n", r.ModTimeHuman, r.Name, r.SizeHuman, r.DurationSecs)
		}
		return nil
	},
}
