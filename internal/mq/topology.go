package mq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Exchanges.
const (
	ExchangeTasks   Exchange = "tower.tasks"
	ExchangeControl Exchange = "tower.control"
	ExchangeDLQ     Exchange = "tower.dlq"
)

// durableTopics — топики с постоянными очередями (имя очереди = топик).
var durableTopics = []string{TopicTaskReady, TopicTaskExecute, TopicTaskEvents}

// delayQueueExpiry — сколько неиспользуемая очередь задержки живёт после
// истечения TTL последнего сообщения.
const delayQueueExpiry = time.Minute

// exchangeFor возвращает обменник, в который маршрутизируется топик.
func exchangeFor(topic string) Exchange {
	if IsControlTopic(topic) {
		return ExchangeControl
	}
	return ExchangeTasks
}

// dlqName возвращает имя dead-letter очереди топика.
func dlqName(topic string) string {
	return "dlq." + topic
}

// delayQueueName возвращает имя TTL-очереди для пары (топик, задержка).
func delayQueueName(topic string, delay time.Duration) string {
	return fmt.Sprintf("tower.delay.%s.%d", topic, delay.Milliseconds())
}

// SetupTopology объявляет обменники, постоянные очереди и их DLQ.
func SetupTopology(conn *Connection) error {
	return conn.WithChannel(func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		return declareQueues(ch)
	})
}

func declareExchanges(ch *amqp.Channel) error {
	for _, ex := range []Exchange{ExchangeTasks, ExchangeControl, ExchangeDLQ} {
		err := ch.ExchangeDeclare(
			string(ex), // name
			"direct",   // type
			true,       // durable
			false,      // auto-deleted
			false,      // internal
			false,      // no-wait
			nil,        // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}
	return nil
}

func declareQueues(ch *amqp.Channel) error {
	for _, topic := range durableTopics {
		dlq := dlqName(topic)
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, topic, string(ExchangeDLQ), false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", dlq, err)
		}

		args := amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": topic,
		}
		if _, err := ch.QueueDeclare(topic, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", topic, err)
		}
		if err := ch.QueueBind(topic, topic, string(ExchangeTasks), false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", topic, err)
		}
	}
	return nil
}

// declareDelayQueue объявляет TTL-очередь без потребителей. Истёкшие
// сообщения уходят через dead-letter обратно в обменник топика.
func declareDelayQueue(ch *amqp.Channel, topic string, delay time.Duration) (string, error) {
	name := delayQueueName(topic, delay)
	args := amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    string(exchangeFor(topic)),
		"x-dead-letter-routing-key": topic,
		"x-expires":                 (delay + delayQueueExpiry).Milliseconds(),
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("declare delay queue %s: %w", name, err)
	}
	return name, nil
}

// declareControlQueue объявляет эксклюзивную очередь исполнителя.
// Очередь удаляется вместе с соединением.
func declareControlQueue(ch *amqp.Channel, topic string) error {
	if _, err := ch.QueueDeclare(topic, false, true, true, false, nil); err != nil {
		return fmt.Errorf("declare control queue %s: %w", topic, err)
	}
	if err := ch.QueueBind(topic, topic, string(ExchangeControl), false, nil); err != nil {
		return fmt.Errorf("bind control queue %s: %w", topic, err)
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Tower RabbitMQ Topology:

    tower.tasks (direct)
    ├── task.ready    [routing: task.ready]    Consumer: Orchestrator  DLQ: dlq.task.ready
    ├── task.execute  [routing: task.execute]  Consumer: Worker        DLQ: dlq.task.execute
    └── task.events   [routing: task.events]   Consumer: Orchestrator  DLQ: dlq.task.events

    tower.control (direct)
    └── task.control.{address}  exclusive, one per executor

    tower.delay.{topic}.{ms}  TTL queues, dead-letter into the topic exchange

    tower.dlq (direct)
    └── dlq.{topic}  manual processing
  `
}
