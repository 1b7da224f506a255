package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/tokenledger/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the ledger to agents as an MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.Background()); err != nil {
					a.logger.Error("shutdown", zap.Error(err))
				}
			}()

			if err := a.svc.Start(ctx); err != nil {
				return err
			}

			// A nil *journal.Journal must not become a non-nil interface.
			var searcher mcp.JournalSearcher
			if a.journal != nil {
				searcher = a.journal
			}

			srv := mcp.New(a.svc, searcher, version, a.logger)
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
