package main

import (
	"context"
	"fmt"

	"github.com/phrazzld/genpipe/internal/dispatch"
	"github.com/spf13/cobra"
)

func newWorkerCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run queue workers and the sweeper",
		Long: "Consume generation jobs from the configured asynq or river backend " +
			"and run the periodic sweeper that expires stale tasks.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), st)
		},
	}
}

func runWorker(ctx context.Context, st *state) error {
	app, err := newApplication(ctx, st)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			app.logger.Error("failed to release resources", "error", err)
		}
	}()

	worker, err := app.newWorker(ctx)
	if err != nil {
		return err
	}
	var runner dispatch.Runner = worker

	sweeper := app.newSweeper()
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	switch app.cfg.Dispatch.Backend {
	case "asynq":
		server := dispatch.NewAsynqServer(app.redisOpt(), runner, app.asynqConfig(), app.logger)
		if err := server.Start(); err != nil {
			return err
		}
		app.logger.Info("asynq worker started", "queue", app.cfg.Dispatch.Queue)
		<-ctx.Done()
		server.Shutdown()

	case "river":
		client, err := app.riverClient(ctx, runner)
		if err != nil {
			return err
		}
		// Start gets a context that outlives the signal so Stop can drain.
		if err := client.Start(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("failed to start river client: %w", err)
		}
		app.logger.Info("river worker started", "queue", app.cfg.Dispatch.Queue)
		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := client.Stop(stopCtx); err != nil {
			app.logger.Error("river client did not stop cleanly", "error", err)
		}

	default:
		return fmt.Errorf("dispatch backend %q runs its workers inside serve", app.cfg.Dispatch.Backend)
	}

	app.logger.Info("worker shutdown completed")
	return nil
}
