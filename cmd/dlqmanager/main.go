package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/treadmill/internal/config"
	"example.com/treadmill/internal/logging"
	"example.com/treadmill/internal/outbox"
	httptransport "example.com/treadmill/internal/transport/http"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath  string
		metricsAddr string
		once        bool
	)
	cmd := &cobra.Command{
		Use:          "treadmill-dlqmanager",
		Short:        "Replays or quarantines session events parked in the outbox DLQ",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.PostgresURL == "" {
				return errors.New("postgres.url is required")
			}
			logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "treadmill-dlqmanager")
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			pool, err := pgxpool.New(cmd.Context(), cfg.PostgresURL)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()

			manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, logger)
			if once {
				processed, err := manager.RunOnce(cmd.Context(), cfg.DLQBatchSize)
				logger.Info("dlq pass finished", zap.Int("processed", processed), zap.Error(err))
				return err
			}
			return serve(cmd.Context(), manager, cfg, metricsAddr, logger)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&metricsAddr, "metrics-address", ":9102", "address serving /metrics")
	fs.BoolVar(&once, "once", false, "process a single batch and exit")
	return cmd
}

func serve(ctx context.Context, manager *outbox.DLQManager, cfg config.Config, metricsAddr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := httptransport.NewServer(httptransport.ServerConfig{
		Address:      metricsAddr,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, mux)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dlq manager metrics listening", zap.String("address", metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		manager.Run(ctx, cfg.DLQPollInterval, cfg.DLQBatchSize)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}
