// Tower Orchestrator — контур управления ядра.
//
// Orchestrator:
//   - Допускает готовые экземпляры из task.ready и по polling БД
//   - Применяет события воркеров из task.events
//   - Доводит зависшие агрегации родителей
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/config"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/dispatch"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/kvstore"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lease"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lifecycle"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/mq"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/orchestrator"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/signals"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/telemetry"
)

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
	logger.Info("starting tower-orchestrator")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
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
	logger.Info("database connected")

	// RabbitMQ (при недоступности — polling-only)
	broker, degraded, err := mq.Open(mq.OpenConfig{
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

	service := lifecycle.New(lifecycle.Config{
		Definitions: repo.NewDefinitionRepo(pool),
		Instances:   repo.NewInstanceRepo(pool),
		Events:      repo.NewEventRepo(pool),
		Dispatcher:  dispatch.New(dispatch.Config{Broker: broker, Logger: logger}),
		Leases:      lease.NewRegistry(lease.Config{Store: store, Logger: logger}),
		Signals:     signals.NewBus(store, 0, logger),
		Logger:      logger,
	})

	orch := orchestrator.New(orchestrator.Config{
		Core:             service,
		Ready:            service.Resolver(),
		Broker:           broker,
		PollInterval:     cfg.Orchestrator.PollInterval,
		RecoveryInterval: cfg.Orchestrator.RecoveryInterval,
		StallThreshold:   cfg.Orchestrator.StallThreshold,
		Logger:           logger,
	})
	if degraded {
		logger.Warn("broker degraded, relying on database polling")
	}

	// Запускаем orchestrator
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := config.Addr(cfg.Orchestrator.Port)
	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	orch.Stop()
	logger.Info("tower-orchestrator stopped")
}
