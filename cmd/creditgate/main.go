// Command creditgate runs the metered request gateway and administers its ledger.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "creditgate",
	Short: "Metered AI request gateway",
	Long: `creditgate routes AI requests to upstream providers, holds and debits
credits from a per-account ledger, and rewards accounts for quality
interactions.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "creditgate.yaml", "path to the YAML config file")

	accountCmd.AddCommand(accountOpenCmd, accountCreditCmd)
	rootCmd.AddCommand(serveCmd, accountCmd, balanceCmd, historyCmd, sweepCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
