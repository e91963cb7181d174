package main

import (
	"context"

	"github.com/phrazzld/genpipe/internal/dispatch"
	"github.com/phrazzld/genpipe/internal/platform/migrations"
	"github.com/spf13/cobra"
)

func newMigrateCommand(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), st, func(ctx context.Context, app *application) error {
					if err := migrations.Up(ctx, app.cfg.Database.Driver, app.db, app.logger); err != nil {
						return err
					}
					if app.cfg.Dispatch.Backend != "river" {
						return nil
					}
					pool, err := app.pgxPool(ctx)
					if err != nil {
						return err
					}
					return dispatch.MigrateRiver(ctx, pool, app.logger)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), st, func(ctx context.Context, app *application) error {
					return migrations.Down(ctx, app.cfg.Database.Driver, app.db, app.logger)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the state of every migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), st, func(ctx context.Context, app *application) error {
					return migrations.Status(ctx, app.cfg.Database.Driver, app.db, app.logger)
				})
			},
		},
	)
	return cmd
}

// withApp runs fn with an application that is closed afterwards.
func withApp(ctx context.Context, st *state, fn func(ctx context.Context, app *application) error) (err error) {
	app, err := newApplication(ctx, st)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := app.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, app)
}
