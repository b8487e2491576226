package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background sweep",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("failed to prepare storage: %w", err)
	}
	if missing := a.cfg.MissingMpesaSettings(); len(missing) > 0 {
		slog.Warn("M-Pesa is not fully configured; payment initiation will fail", "missing", missing)
	}

	if a.cfg.SweepInterval > 0 {
		go a.sweeper.Run(ctx, a.cfg.SweepInterval)
	}

	server := &http.Server{
		Addr:         "0.0.0.0:" + a.cfg.Port,
		Handler:      a.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 45 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server running", "port", a.cfg.Port, "db_driver", a.cfg.DBDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
