package mq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBroker — Broker поверх RabbitMQ.
//
// Задержка реализована TTL-очередями tower.delay.{topic}.{ms}: у них нет
// потребителей, и истёкшее сообщение dead-letter'ом возвращается в
// обменник топика.
type AMQPBroker struct {
	conn     *Connection
	logger   *slog.Logger
	prefetch int

	mu            sync.Mutex
	delayDeclared map[string]time.Time
}

var _ Broker = (*AMQPBroker)(nil)

// NewAMQPBroker создаёт брокер и объявляет топологию.
func NewAMQPBroker(conn *Connection, logger *slog.Logger, prefetch int) (*AMQPBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := SetupTopology(conn); err != nil {
		return nil, fmt.Errorf("setup topology: %w", err)
	}
	return &AMQPBroker{
		conn:          conn,
		logger:        logger.With("component", "broker"),
		prefetch:      prefetch,
		delayDeclared: make(map[string]time.Time),
	}, nil
}

// PublishDelayed публикует сообщение в топик (или в его очередь задержки).
func (b *AMQPBroker) PublishDelayed(ctx context.Context, topic string, msg *Message, delay time.Duration) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	return b.conn.WithChannel(func(ch *amqp.Channel) error {
		exchange, routingKey := string(exchangeFor(topic)), topic
		if delay > 0 {
			queue, err := b.ensureDelayQueue(ch, topic, delay)
			if err != nil {
				return err
			}
			// Default exchange маршрутизирует по имени очереди.
			exchange, routingKey = "", queue
		}

		err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Type:         string(msg.Type),
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}

		b.logger.Debug("published message",
			"topic", topic,
			"message_id", msg.ID,
			"type", msg.Type,
			"delay", delay,
		)
		return nil
	})
}

func (b *AMQPBroker) ensureDelayQueue(ch *amqp.Channel, topic string, delay time.Duration) (string, error) {
	name := delayQueueName(topic, delay)

	// Повторное объявление продлевает x-expires, поэтому кэш живёт меньше
	// срока жизни очереди.
	b.mu.Lock()
	declaredAt, ok := b.delayDeclared[name]
	b.mu.Unlock()
	if ok && time.Since(declaredAt) < delayQueueExpiry/2 {
		return name, nil
	}

	if _, err := declareDelayQueue(ch, topic, delay); err != nil {
		return "", err
	}

	b.mu.Lock()
	b.delayDeclared[name] = time.Now()
	b.mu.Unlock()
	return name, nil
}

// Subscribe потребляет топик до завершения ctx.
func (b *AMQPBroker) Subscribe(ctx context.Context, topic string, handler Handler) error {
	consumer := NewConsumer(b.conn, b.logger, ConsumerConfig{
		Topic:    topic,
		Handler:  handler,
		Prefetch: b.prefetch,
	})
	return consumer.Start(ctx)
}

// Close закрывает соединение.
func (b *AMQPBroker) Close() error {
	return b.conn.Close()
}
