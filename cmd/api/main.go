package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vpapay/vpa_pay/internal/clearing"
	"github.com/vpapay/vpa_pay/internal/config"
	"github.com/vpapay/vpa_pay/internal/infra"
	"github.com/vpapay/vpa_pay/internal/ledger"
	"github.com/vpapay/vpa_pay/internal/logging"
	"github.com/vpapay/vpa_pay/internal/metrics"
	"github.com/vpapay/vpa_pay/internal/notification"
	"github.com/vpapay/vpa_pay/internal/routes"
	"github.com/vpapay/vpa_pay/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()

	var (
		db    *pgxpool.Pool
		store ledger.Store
	)
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL, infra.PoolOptions{})
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := ledger.Migrate(ctx, db); err != nil {
			logger.Error("migrate ledger", "error", err)
			os.Exit(1)
		}
		store = ledger.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory ledger")
		store = ledger.NewInMemory()
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL, cfg.AppName)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	m := metrics.New()

	notifiers := notification.Fanout{notification.NewLoggerNotifier(logger)}
	var kafkaNotifier *notification.KafkaNotifier
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier = notification.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		notifiers = append(notifiers, kafkaNotifier)
		logger.Info("kafka notifications enabled", "topic", cfg.KafkaTopic)
	}

	var dispatcher *clearing.Dispatcher
	if cfg.ClearingURL != "" {
		client := clearing.NewClient(cfg.ClearingURL, cfg.ClearingTimeout)
		dispatcher = clearing.NewDispatcher(client, clearing.DispatcherOptions{
			Workers:   cfg.ClearingWorkers,
			QueueSize: cfg.ClearingQueueSize,
		}, logger, m)
	} else {
		logger.Warn("CLEARING_URL not set, transactions settle only through callbacks")
	}

	srv, err := server.New(routes.Deps{
		Cfg:        cfg,
		Store:      store,
		Cache:      cache,
		Metrics:    m,
		Notifier:   notifiers,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	exitCode := 0
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		exitCode = 1
	}
	if dispatcher != nil {
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Error("drain clearing dispatcher", "error", err)
			exitCode = 1
		}
	}
	if kafkaNotifier != nil {
		if err := kafkaNotifier.Close(); err != nil {
			logger.Warn("close kafka writer", "error", err)
		}
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}

	logger.Info("server exited cleanly")
}
