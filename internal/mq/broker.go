package mq

import (
	"context"
	"strings"
	"time"
)

// Топики.
const (
	// TopicTaskReady — запросы на допуск экземпляра (потребитель: Orchestrator).
	TopicTaskReady = "task.ready"

	// TopicTaskExecute — допущенные экземпляры (потребитель: Worker).
	TopicTaskExecute = "task.execute"

	// TopicTaskEvents — события воркеров (потребитель: Orchestrator).
	TopicTaskEvents = "task.events"

	controlTopicPrefix = "task.control."
)

// ControlTopic возвращает топик управляющих сообщений исполнителя.
func ControlTopic(address string) string {
	return controlTopicPrefix + address
}

// IsControlTopic проверяет, адресован ли топик конкретному исполнителю.
func IsControlTopic(topic string) bool {
	return strings.HasPrefix(topic, controlTopicPrefix)
}

// Handler — обработчик сообщения.
// Ошибка означает повторную доставку.
type Handler func(ctx context.Context, d *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	Topic   string
	Message *Message

	// Redelivered — сообщение уже доставлялось.
	Redelivered bool
}

// Broker — транспорт с отложенной публикацией.
//
// Доставка at-least-once: обработчик обязан быть идемпотентным.
type Broker interface {
	// PublishDelayed публикует сообщение, которое станет видно
	// подписчикам не раньше чем через delay. delay <= 0 — сразу.
	PublishDelayed(ctx context.Context, topic string, msg *Message, delay time.Duration) error

	// Subscribe обрабатывает сообщения топика, пока ctx не завершён.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	Close() error
}
