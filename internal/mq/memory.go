package mq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// DefaultRedeliveryDelay — пауза перед повторной доставкой после ошибки обработчика.
const DefaultRedeliveryDelay = time.Second

const metadataRedelivered = "redelivered"

// MemoryBroker — Broker внутри процесса поверх watermill gochannel.
//
// Используется в тестах и в локальном режиме BROKER=memory. Сообщения,
// опубликованные в топик без подписчиков, теряются; каждое сообщение
// получают все подписчики топика.
type MemoryBroker struct {
	pubsub          *gochannel.GoChannel
	logger          *slog.Logger
	redeliveryDelay time.Duration

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker создаёт MemoryBroker. redeliveryDelay <= 0 — DefaultRedeliveryDelay.
func NewMemoryBroker(logger *slog.Logger, redeliveryDelay time.Duration) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	if redeliveryDelay <= 0 {
		redeliveryDelay = DefaultRedeliveryDelay
	}
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            64,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewStdLogger(false, false),
	)
	return &MemoryBroker{
		pubsub:          pubsub,
		logger:          logger.With("component", "broker"),
		redeliveryDelay: redeliveryDelay,
		timers:          make(map[*time.Timer]struct{}),
	}
}

// PublishDelayed публикует сообщение сразу или по таймеру.
func (b *MemoryBroker) PublishDelayed(ctx context.Context, topic string, msg *Message, delay time.Duration) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	return b.schedule(topic, body, delay, false)
}

func (b *MemoryBroker) schedule(topic string, body []byte, delay time.Duration, redelivered bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrNotConnected
	}
	if delay <= 0 {
		return b.publish(topic, body, redelivered)
	}

	// Таймер регистрируется под мьютексом, колбэк ждёт его освобождения.
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.timers, timer)
		if b.closed {
			return
		}
		if err := b.publish(topic, body, redelivered); err != nil {
			b.logger.Error("delayed publish failed", "topic", topic, "error", err)
		}
	})
	b.timers[timer] = struct{}{}
	return nil
}

func (b *MemoryBroker) publish(topic string, body []byte, redelivered bool) error {
	wmsg := message.NewMessage(watermill.NewUUID(), body)
	if redelivered {
		wmsg.Metadata.Set(metadataRedelivered, "true")
	}
	return b.pubsub.Publish(topic, wmsg)
}

// Subscribe обрабатывает сообщения топика, пока ctx не завершён.
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	b.logger.Debug("subscribed", "topic", topic)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wmsg, ok := <-messages:
			if !ok {
				return ctx.Err()
			}
			b.handle(ctx, topic, wmsg, handler)
		}
	}
}

func (b *MemoryBroker) handle(ctx context.Context, topic string, wmsg *message.Message, handler Handler) {
	defer wmsg.Ack()

	msg, err := DecodeMessage(wmsg.Payload)
	if err != nil {
		b.logger.Error("failed to decode message", "topic", topic, "error", err)
		return
	}

	delivery := &Delivery{
		Topic:       topic,
		Message:     msg,
		Redelivered: wmsg.Metadata.Get(metadataRedelivered) == "true",
	}
	if err := handler(ctx, delivery); err != nil {
		b.logger.Error("handler failed",
			"topic", topic,
			"message_id", msg.ID,
			"type", msg.Type,
			"error", err,
		)
		if err := b.schedule(topic, wmsg.Payload, b.redeliveryDelay, true); err != nil {
			b.logger.Warn("redelivery dropped", "topic", topic, "message_id", msg.ID, "error", err)
		}
	}
}

// Close останавливает таймеры и закрывает pub/sub.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
