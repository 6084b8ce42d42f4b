package mq

import (
	"fmt"
	"log/slog"
)

// OpenConfig — параметры выбора брокера.
type OpenConfig struct {
	// Memory — использовать MemoryBroker (локальный режим, один процесс).
	Memory bool

	URL      string
	Prefetch int
}

// Open создаёт брокер по конфигурации.
//
// Если RabbitMQ недоступен, возвращается MemoryBroker и degraded = true:
// процесс продолжает работать, опираясь на polling по БД.
func Open(cfg OpenConfig, logger *slog.Logger) (broker Broker, degraded bool, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Memory {
		logger.Info("using in-memory broker")
		return NewMemoryBroker(logger, 0), false, nil
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}

	conn, err := NewConnection(cfg.URL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		return NewMemoryBroker(logger, 0), true, nil
	}
	amqpBroker, err := NewAMQPBroker(conn, logger, cfg.Prefetch)
	if err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("open amqp broker: %w", err)
	}
	logger.Info("RabbitMQ connected")
	return amqpBroker, false, nil
}
