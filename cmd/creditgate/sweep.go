package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconciliation pass and exit",
	Long: `Settle completed requests that missed settlement, release holds of
requests stuck in flight, and purge records past the retention window.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		gw, _, err := newGateway(a)
		if err != nil {
			return err
		}
		report, err := gw.NewSweeper().Sweep(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "settled=%d released=%d purged=%d errors=%d\n",
			report.Settled, report.Released, report.Purged, report.Errors)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}
