package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPoolCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and top up the global token pool",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the unallocated pool balance",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(*configPath, func(_ context.Context, a *app) error {
					fmt.Printf("Pool balance: %d tokens\n", a.svc.Pool())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "deposit <amount>",
			Short: "Provision new tokens into the pool",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				amount, err := parseAmount(args[0])
				if err != nil {
					return err
				}
				return withApp(*configPath, func(ctx context.Context, a *app) error {
					balance, err := a.svc.Deposit(ctx, amount)
					if err != nil {
						return err
					}
					fmt.Printf("Deposited %d tokens. Pool balance: %d\n", amount, balance)
					return nil
				})
			},
		},
	)
	return cmd
}
