package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"codegraph-backend/internal/config"
	"codegraph-backend/internal/observability"
	"codegraph-backend/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		if addr != "" {
			a.cfg.Server.Addr = addr
		}

		srv := server.New(a.cfg.Server, server.Deps{
			Entities: a.entities,
			Search:   a.search,
			Analysis: a.analysis,
			Backups:  a.backups,
			Ingest:   a.ingest,
			Health:   a.health,
			Metrics:  a.metrics,
			Logger:   a.logger,
		})

		a.ingest.Start()

		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(srv.Start)
		if configPath != "" {
			watcher := config.NewWatcher(configPath, a.cfg.Monitoring.AlertThresholds,
				a.logger, func(t config.AlertThresholds) {
					a.bus.Emit("config", "info", observability.EventConfigReloaded, map[string]any{
						"queueDepth":   t.QueueDepth,
						"errorRatePct": t.ErrorRatePct,
					})
				})
			g.Go(func() error {
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
		g.Go(func() error {
			<-ctx.Done()
			a.logger.Info("shutting down")
			if err := srv.Shutdown(context.Background()); err != nil {
				a.logger.Warn("http shutdown incomplete", zap.Error(err))
			}
			return a.ingest.Stop(context.Background())
		})
		return g.Wait()
	})
}
