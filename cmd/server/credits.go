package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newCreditsCommand(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Manage user credit balances",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Add credits to a user, creating the user if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q: %w", args[0], err)
			}
			amount, err := strconv.Atoi(args[1])
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}

			return withApp(cmd.Context(), st, func(ctx context.Context, app *application) error {
				balance, err := app.ledger.Grant(ctx, userID, amount)
				if err != nil {
					return fmt.Errorf("failed to grant credits: %w", err)
				}
				app.logger.Info("credits granted", "user_id", userID, "amount", amount, "balance", balance)
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s balance=%d\n", userID, balance)
				return err
			})
		},
	})
	return cmd
}
