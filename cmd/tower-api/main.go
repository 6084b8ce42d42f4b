// Tower API — Command/Query HTTP API ядра.
//
// Команды (start/cancel/pause/resume trace, регистрация детей, resume задачи,
// управление определениями) выполняются через Lifecycle Service, запросы
// читаются напрямую из репозитория.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/api"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/config"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/dispatch"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/kvstore"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lease"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lifecycle"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/mq"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/signals"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/telemetry"
)

var startTime = time.Now()

func main() {
	configPath := pflag.String("config", "", "path to YAML config (default: $TOWER_CONFIG)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(telemetry.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("starting tower-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Подключаемся к базе данных
	pool, err := repo.NewPool(ctx, repo.PoolConfig{DSN: cfg.Database.URL, MaxConns: cfg.Database.MaxConns})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := repo.EnsureSchema(ctx, pool); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Брокер и кэш
	broker, _, err := mq.Open(mq.OpenConfig{
		Memory:   cfg.Broker.Kind == config.BrokerMemory,
		URL:      cfg.Broker.URL,
		Prefetch: cfg.Broker.Prefetch,
	}, logger)
	if err != nil {
		logger.Error("failed to open broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	store, closeStore, err := kvstore.Open(ctx, cfg.Cache.RedisURL, kvstore.FallbackConfig{
		FailureThreshold: cfg.Cache.FailureThreshold,
		OpenTimeout:      cfg.Cache.OpenTimeout,
		Logger:           logger,
	})
	if err != nil {
		logger.Error("failed to open kv store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Ядро
	definitions := repo.NewDefinitionRepo(pool)
	instances := repo.NewInstanceRepo(pool)

	service := lifecycle.New(lifecycle.Config{
		Definitions: definitions,
		Instances:   instances,
		Events:      repo.NewEventRepo(pool),
		Dispatcher:  dispatch.New(dispatch.Config{Broker: broker, Logger: logger}),
		Leases:      lease.NewRegistry(lease.Config{Store: store, Logger: logger}),
		Signals:     signals.NewBus(store, 0, logger),
		Logger:      logger,
	})

	handler := api.NewHandler(api.Config{
		Commands:    service,
		Definitions: definitions,
		Instances:   instances,
		Logger:      logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	handler.RegisterRoutes(mux)

	addr := config.Addr(cfg.API.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
