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

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/treadmill/internal/api"
	"example.com/treadmill/internal/auth"
	"example.com/treadmill/internal/config"
	"example.com/treadmill/internal/device"
	"example.com/treadmill/internal/device/mqttdriver"
	"example.com/treadmill/internal/domain"
	"example.com/treadmill/internal/logging"
	"example.com/treadmill/internal/outbox"
	"example.com/treadmill/internal/persistence/memory"
	persistence "example.com/treadmill/internal/persistence/postgres"
	"example.com/treadmill/internal/preflight"
	"example.com/treadmill/internal/session"
	"example.com/treadmill/internal/statusmirror"
	"example.com/treadmill/internal/stream"
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
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "treadmill-api",
		Short:        "HTTP service driving a single BLE treadmill",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.LogLevel != "" {
				cfg.LogLevel = opts.LogLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, "treadmill-api")
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return run(cmd.Context(), cfg, logger)
		},
	}

	opts.AddFlags(cmd.PersistentFlags())
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	driver := mqttdriver.New(mqttdriver.Options{
		Broker:    cfg.MQTTBroker,
		ClientID:  cfg.MQTTClientID,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		TopicRoot: cfg.MQTTTopicRoot,
		QoS:       1,
		Logger:    logger,
	})
	defer driver.Close()

	cache := device.NewStatusCache()
	dev := device.NewManager(driver, cache, device.Options{
		Address:           cfg.DeviceAddress,
		CommandSpacing:    cfg.CommandSpacing,
		ConnectTimeout:    cfg.ConnectTimeout,
		PreferenceRetries: cfg.PreferenceRetries,
		Logger:            logger,
	})

	g, ctx := errgroup.WithContext(ctx)

	var (
		store       domain.SessionRepository
		preferences device.PreferenceStore
	)
	if cfg.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		repo := persistence.NewRepository(pool)
		store, preferences = repo, repo

		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers, outbox.WithProducerLogger(logger))
		defer producer.Close()
		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize, outbox.WithLogger(logger))
		g.Go(func() error {
			dispatcher.Start(ctx)
			return nil
		})

		dlq := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay, logger)
		g.Go(func() error {
			dlq.Run(ctx, cfg.DLQPollInterval, cfg.DLQBatchSize)
			return nil
		})
	} else {
		logger.Warn("postgres.url not set; sessions are kept in memory and no events are published")
		repo := memory.NewInMemoryRepository()
		store, preferences = repo, repo
	}

	validator := preflight.NewValidator(store, dev, preflight.Options{
		StaleAfter:    cfg.StaleAfter,
		StaleEstimate: cfg.StaleEstimate,
		Logger:        logger,
	})
	sessions := session.NewManager(store, validator, dev, session.Options{
		UserID:            cfg.UserID,
		MetricsAttempts:   cfg.MetricsAttempts,
		MetricsRetryDelay: cfg.MetricsRetryDelay,
		Logger:            logger,
	})
	cache.Observe(sessions.ObserveStatus)

	var snapshots api.Snapshots
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		mirror := statusmirror.New(client, cfg.DeviceAddress, cfg.StatusTTL, logger)
		cache.Observe(mirror.Observe)
		g.Go(func() error { return mirror.Run(ctx) })
		snapshots = mirror
	}

	handler := api.NewHandler(api.Dependencies{
		Sessions:    sessions,
		History:     domain.NewService(store),
		Treadmill:   dev,
		Preferences: device.NewPreferenceService(preferences, dev, cfg.UserID, logger),
		Setup:       validator,
		Snapshots:   snapshots,
		Stream: stream.Options{
			Interval:             cfg.StreamInterval,
			ReconnectDelay:       cfg.StreamReconnectDelay,
			MaxReconnectAttempts: cfg.StreamReconnects,
			MaxIdleCount:         cfg.StreamIdleCount,
			Logger:               logger,
		},
		Logger: logger,
	})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:     cfg.HTTPAddress,
		ReadTimeout: 5 * time.Second,
		// Streaming responses clear their own write deadline.
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, httptransport.AccessLog(logger, authMiddleware.Wrap(mux)))

	g.Go(func() error {
		logger.Info("treadmill-api listening",
			zap.String("address", cfg.HTTPAddress),
			zap.String("device", cfg.DeviceAddress),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
		if dev.Connected() {
			if err := dev.Disconnect(shutdownCtx); err != nil {
				logger.Warn("disconnecting treadmill failed", zap.Error(err))
			}
		}
		return nil
	})

	err := g.Wait()
	logger.Info("treadmill-api stopped")
	return err
}
