package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/tokenledger/pkg/httpapi"
	"github.com/pario-ai/tokenledger/pkg/metrics"
)

func newServeCmd(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ledger HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.Background()); err != nil {
					a.logger.Error("shutdown", zap.Error(err))
				}
			}()

			var opts []httpapi.Option
			if a.cfg.Metrics.Enabled {
				m := metrics.New()
				for _, b := range a.svc.Budgets() {
					m.SetBudget(b)
				}
				m.SetPool(a.svc.Pool())
				a.svc.Subscribe(m)
				opts = append(opts,
					httpapi.WithMetrics(m.Handler()),
					httpapi.WithMiddleware(m.NewHTTP().Middleware),
				)
			}

			if err := a.svc.Start(ctx); err != nil {
				return err
			}

			addr := a.cfg.HTTP.Listen
			if listen != "" {
				addr = listen
			}
			srv := &http.Server{
				Addr:    addr,
				Handler: httpapi.NewServer(a.svc, a.logger, opts...).Router(),
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("starting HTTP server",
					zap.String("addr", addr),
					zap.String("version", version),
					zap.String("snapshot_backend", a.cfg.Snapshot.Backend),
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
			case <-ctx.Done():
				a.logger.Info("received shutdown signal")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("error during shutdown", zap.Error(err))
			}
			a.logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides http.listen)")
	return cmd
}
