package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/service/auth"
	"github.com/spf13/cobra"
)

func newTokenCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an access token for a user",
		Long:  "Issue a bearer token for local testing, signed with the configured secret.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id %q: %w", args[0], err)
			}
			jwtService, err := auth.NewJWTService(st.cfg.Auth)
			if err != nil {
				return fmt.Errorf("failed to create token service: %w", err)
			}
			token, err := jwtService.GenerateToken(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
}
