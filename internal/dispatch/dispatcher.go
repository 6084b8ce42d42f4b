package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/mq"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/telemetry"
	"github.com/cenkalti/backoff/v4"
)

// Config — параметры Dispatcher.
type Config struct {
	Broker mq.Broker
	Logger *slog.Logger

	// MaxRetries — повторы публикации при ошибке брокера.
	MaxRetries uint64

	// InitialInterval — первая пауза между повторами.
	InitialInterval time.Duration
}

// Dispatcher публикует сообщения ядра. Немедленная публикация — это
// отложенная с нулевой задержкой, путь у них один.
type Dispatcher struct {
	broker          mq.Broker
	logger          *slog.Logger
	maxRetries      uint64
	initialInterval time.Duration
}

// New создаёт Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	return &Dispatcher{
		broker:          cfg.Broker,
		logger:          cfg.Logger.With("component", "dispatcher"),
		maxRetries:      cfg.MaxRetries,
		initialInterval: cfg.InitialInterval,
	}
}

// Publish публикует payload немедленно.
func (d *Dispatcher) Publish(ctx context.Context, topic string, msgType mq.MessageType, payload any) error {
	return d.PublishDelayed(ctx, topic, msgType, payload, 0)
}

// PublishDelayed публикует payload с задержкой, повторяя при ошибках брокера.
func (d *Dispatcher) PublishDelayed(ctx context.Context, topic string, msgType mq.MessageType, payload any, delay time.Duration) error {
	msg, err := mq.NewMessage(msgType, payload)
	if err != nil {
		return err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, d.maxRetries), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		return d.broker.PublishDelayed(ctx, topic, msg, delay)
	}, policy)
	if err != nil {
		return fmt.Errorf("publish %s after %d attempts: %w", topic, attempt, err)
	}

	telemetry.DispatchTotal.WithLabelValues(metricTopic(topic)).Inc()
	if attempt > 1 {
		d.logger.Info("published after retry", "topic", topic, "attempts", attempt)
	}
	return nil
}

func metricTopic(topic string) string {
	if mq.IsControlTopic(topic) {
		return "task.control"
	}
	return topic
}

// ScheduleTask ставит экземпляр в очередь на допуск.
func (d *Dispatcher) ScheduleTask(ctx context.Context, inst *domain.TaskInstance, delay time.Duration) error {
	req := domain.DispatchRequest{
		TaskID:     inst.ID,
		TraceID:    inst.TraceID,
		RoundIndex: inst.RoundIndex,
	}
	return d.PublishDelayed(ctx, mq.TopicTaskReady, mq.MessageTypeTaskReady, req, delay)
}

// DeliverTask отдаёт допущенный экземпляр воркерам.
func (d *Dispatcher) DeliverTask(ctx context.Context, inst *domain.TaskInstance) error {
	return d.Publish(ctx, mq.TopicTaskExecute, mq.MessageTypeTaskExecute, inst)
}

// EmitEvent публикует событие воркера.
func (d *Dispatcher) EmitEvent(ctx context.Context, evt domain.TaskEvent) error {
	return d.Publish(ctx, mq.TopicTaskEvents, mq.MessageTypeTaskEvent, evt)
}

// RouteControl отправляет управляющее сообщение исполнителю по адресу.
func (d *Dispatcher) RouteControl(ctx context.Context, address string, msg domain.ControlMessage) error {
	return d.Publish(ctx, mq.ControlTopic(address), mq.MessageTypeControl, msg)
}
