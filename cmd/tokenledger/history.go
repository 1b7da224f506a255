package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tokenledger/pkg/models"
)

// historyFlags are shared by history and journal search.
type historyFlags struct {
	budgetID string
	agentID  string
	threadID string
	txType   string
	since    string
	limit    int
}

func (f *historyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.budgetID, "budget", "", "filter by budget ID")
	cmd.Flags().StringVar(&f.agentID, "agent", "", "filter by agent ID")
	cmd.Flags().StringVar(&f.threadID, "thread", "", "filter by thread ID")
	cmd.Flags().StringVar(&f.txType, "type", "", "filter by type (allocation, consumption, transfer, refund)")
	cmd.Flags().StringVar(&f.since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&f.limit, "limit", 50, "max transactions to return (0 for all)")
}

func (f *historyFlags) filter() (models.HistoryFilter, error) {
	hf := models.HistoryFilter{
		BudgetID: f.budgetID,
		AgentID:  f.agentID,
		ThreadID: f.threadID,
		Type:     models.TransactionType(f.txType),
		Limit:    f.limit,
	}
	if hf.Type != "" && !hf.Type.Valid() {
		return hf, fmt.Errorf("unknown transaction type %q", f.txType)
	}
	if f.since != "" {
		t, err := time.ParseInLocation("2006-01-02", f.since, time.Local)
		if err != nil {
			return hf, fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
		}
		hf.Since = t
	}
	return hf, nil
}

func newHistoryCmd(configPath *string) *cobra.Command {
	var flags historyFlags

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List ledger transactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := flags.filter()
			if err != nil {
				return err
			}
			return withApp(*configPath, func(_ context.Context, a *app) error {
				return printTransactions(os.Stdout, a.svc.History(f))
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func newAnalyticsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "analytics",
		Short: "Show consumption windows, top agents, usage by scope and efficiency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(_ context.Context, a *app) error {
				return printAnalytics(os.Stdout, a.svc.Analytics())
			})
		},
	}
}
