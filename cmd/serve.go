package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	srv "github.com/mohammad-safakhou/researcher/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := loadApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			deps := srv.Deps{
				Runs:      a.orch,
				Artifacts: a.artifacts,
				Registry:  a.metrics.Registry(),
				Logger:    a.logger,
			}
			if a.store != nil {
				deps.Records = a.store
			}
			s, err := srv.New(a.cfg.Server, deps)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- s.Start(serveAddr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			a.logger.Info("shutting down")
			shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
			defer stop()
			if err := s.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("shutdown", zap.Error(err))
			}
			return <-errCh
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.address)")
	return serve
}
