package mq

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer потребляет сообщения одного топика из RabbitMQ.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	topic    string
	handler  Handler
	prefetch int
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Topic — топик (и имя очереди).
	Topic string

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — количество сообщений для предварительной загрузки.
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{
		conn:     conn,
		logger:   logger,
		topic:    cfg.Topic,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start потребляет сообщения, пока ctx не завершён, переживая переподключения.
func (c *Consumer) Start(ctx context.Context) error {
	reconnected := c.conn.ReconnectNotify()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "topic", c.topic, "error", err)
		} else {
			c.logger.Info("consumer started", "topic", c.topic)
			if err := c.processDeliveries(ctx, deliveries); err != nil && ctx.Err() == nil {
				c.logger.Warn("deliveries channel closed, waiting for reconnect", "topic", c.topic)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
			c.logger.Info("reconnected, restarting consumer", "topic", c.topic)
		}
	}
}

func (c *Consumer) setupConsume() (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery
	err := c.conn.WithChannel(func(ch *amqp.Channel) error {
		if IsControlTopic(c.topic) {
			if err := declareControlQueue(ch, c.topic); err != nil {
				return err
			}
		}

		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}

		var err error
		deliveries, err = ch.Consume(
			c.topic, // queue
			"",      // consumer tag (auto-generated)
			false,   // auto-ack (ack вручную)
			false,   // exclusive
			false,   // no-local
			false,   // no-wait
			nil,     // args
		)
		if err != nil {
			return fmt.Errorf("consume: %w", err)
		}
		return nil
	})
	return deliveries, err
}

func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	msg, err := DecodeMessage(raw.Body)
	if err != nil {
		c.logger.Error("failed to decode message",
			"topic", c.topic,
			"error", err,
			"body", string(raw.Body),
		)
		// Некорректное сообщение — в DLQ
		raw.Nack(false, false)
		return
	}

	c.logger.Debug("received message",
		"topic", c.topic,
		"message_id", msg.ID,
		"type", msg.Type,
	)

	delivery := &Delivery{
		Topic:       c.topic,
		Message:     msg,
		Redelivered: raw.Redelivered,
	}
	if err := c.handler(ctx, delivery); err != nil {
		c.logger.Error("handler failed",
			"topic", c.topic,
			"message_id", msg.ID,
			"type", msg.Type,
			"error", err,
		)
		raw.Nack(false, true)
		return
	}

	raw.Ack(false)
}
