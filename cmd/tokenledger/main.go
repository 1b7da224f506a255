package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "tokenledger",
		Short:         "Token budget governance ledger for multi-agent systems",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "tokenledger.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newMCPCmd(&configPath),
		newBudgetCmd(&configPath),
		newPoolCmd(&configPath),
		newHistoryCmd(&configPath),
		newAnalyticsCmd(&configPath),
		newJournalCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
