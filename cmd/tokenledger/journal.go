package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newJournalCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query and manage the SQLite transaction journal",
	}

	cmd.AddCommand(
		newJournalSearchCmd(configPath),
		newJournalStatsCmd(configPath),
		newJournalCleanupCmd(configPath),
	)
	return cmd
}

func withJournal(configPath string, fn func(ctx context.Context, a *app) error) error {
	return withApp(configPath, func(ctx context.Context, a *app) error {
		if a.journal == nil {
			return fmt.Errorf("journal is disabled; set journal.enabled in %s", configPath)
		}
		return fn(ctx, a)
	})
}

func newJournalSearchCmd(configPath *string) *cobra.Command {
	var flags historyFlags

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search journaled transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := flags.filter()
			if err != nil {
				return err
			}
			return withJournal(*configPath, func(ctx context.Context, a *app) error {
				txs, err := a.journal.Query(ctx, f)
				if err != nil {
					return err
				}
				return printTransactions(os.Stdout, txs)
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func newJournalStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show journaled transaction counts and volume by type and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(*configPath, func(ctx context.Context, a *app) error {
				stats, err := a.journal.Stats(ctx)
				if err != nil {
					return err
				}
				return printJournalStats(os.Stdout, stats)
			})
		},
	}
}

func newJournalCleanupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete journal rows older than journal.retention_days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(*configPath, func(ctx context.Context, a *app) error {
				deleted, err := a.journal.Cleanup(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %d journal rows.\n", deleted)
				return nil
			})
		},
	}
}
