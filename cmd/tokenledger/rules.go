package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pario-ai/tokenledger/pkg/models"
)

func newBudgetRulesCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage a budget's alert and block rules",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <budget-id>",
			Short: "List a budget's rules in evaluation order",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(*configPath, func(_ context.Context, a *app) error {
					st, err := a.svc.Status(args[0])
					if err != nil {
						return err
					}
					return printRules(os.Stdout, st.Budget.Rules)
				})
			},
		},
		newRuleAddCmd(configPath),
		newRuleToggleCmd(configPath, "enable", "Turn a rule on", true),
		newRuleToggleCmd(configPath, "disable", "Turn a rule off", false),
		&cobra.Command{
			Use:   "remove <budget-id> <rule-id>",
			Short: "Remove a rule",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(*configPath, func(ctx context.Context, a *app) error {
					b, err := a.svc.RemoveRule(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					return printRules(os.Stdout, b.Rules)
				})
			},
		},
	)
	return cmd
}

func newRuleAddCmd(configPath *string) *cobra.Command {
	var (
		name     string
		action   string
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add <budget-id> <kind> <threshold>",
		Short: "Add a limit, alert, block or approve rule (threshold 0.0-1.0)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("invalid threshold %q: %w", args[2], err)
			}
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				r, err := a.svc.AddRule(ctx, args[0], models.Rule{
					Name:      name,
					Kind:      models.RuleKind(args[1]),
					Threshold: threshold,
					Action:    action,
					Enabled:   !disabled,
				})
				if err != nil {
					return err
				}
				fmt.Printf("Added rule %s %s\n", r.ID, r)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "rule name (defaults to \"<kind> at <threshold>%\")")
	cmd.Flags().StringVar(&action, "action", "", "free-form action label")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "add the rule switched off")
	return cmd
}

func newRuleToggleCmd(configPath *string, use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <budget-id> <rule-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configPath, func(ctx context.Context, a *app) error {
				b, err := a.svc.SetRuleEnabled(ctx, args[0], args[1], enabled)
				if err != nil {
					return err
				}
				return printRules(os.Stdout, b.Rules)
			})
		},
	}
}
