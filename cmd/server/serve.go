package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/phrazzld/genpipe/internal/api"
	"github.com/phrazzld/genpipe/internal/dispatch"
	"github.com/phrazzld/genpipe/internal/pipeline"
	"github.com/phrazzld/genpipe/internal/service/auth"
	"github.com/spf13/cobra"
)

func newServeCommand(st *state) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: "Run the HTTP API. With the local dispatch backend the worker pool " +
			"and the sweeper run in the same process.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), st)
		},
	}
}

func runServe(ctx context.Context, st *state) error {
	app, err := newApplication(ctx, st)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			app.logger.Error("failed to release resources", "error", err)
		}
	}()

	var (
		runner  dispatch.Runner
		sweeper *pipeline.Sweeper
	)
	if app.cfg.Dispatch.Backend == "local" {
		worker, err := app.newWorker(ctx)
		if err != nil {
			return err
		}
		runner = worker
		sweeper = app.newSweeper()
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	// Built before the router so the file store's asset handler is mounted.
	if _, err := app.objectStore(ctx); err != nil {
		return err
	}

	dispatcher, err := app.newDispatcher(ctx, runner)
	if err != nil {
		return err
	}
	svc, err := app.newGenerationService(dispatcher)
	if err != nil {
		return err
	}
	jwtService, err := auth.NewJWTService(app.cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to create token service: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Service: svc,
		JWT:     jwtService,
		Assets:  app.assets,
		Ping:    app.db.PingContext,
		Logger:  app.logger,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("starting server",
			"port", app.cfg.Server.Port,
			"dispatch_backend", app.cfg.Dispatch.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		app.logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	app.logger.Info("server shutdown completed")
	return nil
}
