// Tower Worker — эталонный исполнитель экземпляров.
//
// Worker:
//   - Получает экземпляры из task.execute
//   - Выполняет исполнителя по codeRef (builtin.http, builtin.delay, ...)
//   - Регистрирует детей через Command API при split
//   - Отправляет события в task.events
//
// Workers масштабируются горизонтально.
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

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/cli"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/config"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/dispatch"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/kvstore"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lease"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/mq"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/signals"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/telemetry"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/worker"
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
	logger.Info("starting tower-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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
	if degraded {
		// Без брокера воркер не получит экземпляры: задачи приходят только из task.execute.
		logger.Error("worker requires a reachable broker")
		os.Exit(1)
	}

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

	// Создаём worker
	w := worker.New(worker.Config{
		Address:       cfg.Worker.Address,
		Broker:        broker,
		Events:        dispatch.New(dispatch.Config{Broker: broker, Logger: logger}),
		Leases:        lease.NewRegistry(lease.Config{Store: store, TTL: cfg.Worker.LeaseTTL, Logger: logger}),
		Signals:       signals.NewBus(store, 0, logger),
		Splitter:      cli.NewClient(cfg.Worker.APIURL),
		Concurrency:   cfg.Worker.Concurrency,
		LeaseTTL:      cfg.Worker.LeaseTTL,
		WatchInterval: cfg.Worker.WatchInterval,
		Logger:        logger,
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := config.Addr(cfg.Worker.Port)
	go func() {
		logger.Info("listening", "addr", port, "worker", w.Address())
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	w.Stop()
	logger.Info("tower-worker stopped")
}
