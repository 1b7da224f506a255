package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tokenledger/pkg/models"
)

func newBudgetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Create, fund and spend token budgets",
	}

	cmd.AddCommand(
		newBudgetListCmd(configPath),
		newBudgetShowCmd(configPath),
		newBudgetCreateCmd(configPath),
		newBudgetAllocateCmd(configPath),
		newBudgetConsumeCmd(configPath),
		newBudgetTransferCmd(configPath),
		newBudgetRefundCmd(configPath),
		newBudgetDeleteCmd(configPath),
		newBudgetRulesCmd(configPath),
	)
	return cmd
}

// withApp opens the app, runs fn and closes it, saving any change fn made.
func withApp(configPath string, fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(ctx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return n, nil
}

func newBudgetListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List budgets and the global pool balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(_ context.Context, a *app) error {
				return printBudgets(os.Stdout, a.svc.Budgets(), a.svc.Pool())
			})
		},
	}
}

func newBudgetShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <budget-id>",
		Short: "Show a budget's usage, rules and active alerts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(_ context.Context, a *app) error {
				st, err := a.svc.Status(args[0])
				if err != nil {
					return err
				}
				return printStatus(os.Stdout, st)
			})
		},
	}
}

func newBudgetCreateCmd(configPath *string) *cobra.Command {
	var (
		scope  string
		period string
		total  int64
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a budget funded from the global pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				b, err := a.svc.CreateBudget(ctx, models.BudgetSpec{
					Name:   args[0],
					Scope:  models.Scope(scope),
					Total:  total,
					Period: models.BudgetPeriod(period),
				})
				if err != nil {
					return err
				}
				fmt.Printf("Created budget %s (%s) with %d tokens. Pool: %d\n", b.Name, b.ID, b.TotalAllocated, a.svc.Pool())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&scope, "scope", string(models.ScopeTeam), "personal, team, project, organization or system")
	cmd.Flags().StringVar(&period, "period", string(models.BudgetMonthly), "daily, weekly, monthly or unlimited")
	cmd.Flags().Int64Var(&total, "total", 0, "initial allocation in tokens")
	return cmd
}

func newBudgetAllocateCmd(configPath *string) *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "allocate <budget-id> <amount>",
		Short: "Move tokens from the global pool into a budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				tx, err := a.svc.Allocate(ctx, args[0], amount, description)
				if err != nil {
					return err
				}
				fmt.Printf("Allocated %d tokens (transaction %s). Pool: %d\n", tx.Amount, tx.ID, a.svc.Pool())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "note stored on the transaction")
	return cmd
}

func newBudgetConsumeCmd(configPath *string) *cobra.Command {
	var (
		agentID     string
		threadID    string
		description string
	)

	cmd := &cobra.Command{
		Use:   "consume <budget-id> <amount>",
		Short: "Charge tokens against a budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				res, err := a.svc.Consume(ctx, args[0], amount,
					models.Attribution{AgentID: agentID, ThreadID: threadID}, description)
				if err != nil {
					return err
				}
				fmt.Printf("Consumed %d tokens (transaction %s). Remaining: %d (%.1f%% used)\n",
					res.Transaction.Amount, res.Transaction.ID, res.Budget.Remaining, res.UsageAfter*100)
				for _, w := range res.Warnings {
					fmt.Printf("Warning: %s\n", w)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent the tokens are charged to")
	cmd.Flags().StringVar(&threadID, "thread", "", "thread the tokens are charged to")
	cmd.Flags().StringVar(&description, "description", "", "note stored on the transaction")
	return cmd
}

func newBudgetTransferCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <from-id> <to-id> <amount>",
		Short: "Move allocated tokens between budgets",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				tx, err := a.svc.Transfer(ctx, args[0], args[1], amount)
				if err != nil {
					return err
				}
				fmt.Printf("Transferred %d tokens (transaction %s)\n", tx.Amount, tx.ID)
				return nil
			})
		},
	}
}

func newBudgetRefundCmd(configPath *string) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "refund <budget-id> <amount>",
		Short: "Return consumed tokens to a budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				tx, err := a.svc.Refund(ctx, args[0], amount, reason)
				if err != nil {
					return err
				}
				fmt.Printf("Refunded %d tokens (transaction %s)\n", tx.Amount, tx.ID)
				if req, ok := tx.Metadata[models.MetaRequested]; ok {
					fmt.Printf("Requested %s; refund was limited to current usage.\n", req)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the tokens are refunded")
	return cmd
}

func newBudgetDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <budget-id>",
		Short: "Delete a budget and return its remaining tokens to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				b, err := a.svc.DeleteBudget(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Deleted budget %s; %d tokens returned. Pool: %d\n", b.Name, b.Remaining, a.svc.Pool())
				return nil
			})
		},
	}
}
