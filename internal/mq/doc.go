// Package mq — транспорт сообщений с отложенной публикацией.
//
// Структура:
//   - broker.go      — интерфейс Broker, топики, Delivery
//   - message.go     — JSON-конверт Message
//   - connection.go  — AMQP соединение (reconnect, graceful shutdown)
//   - topology.go    — exchanges, очереди, DLQ, очереди задержки
//   - consumer.go    — потребление топика из RabbitMQ
//   - amqp_broker.go — Broker поверх RabbitMQ
//   - memory.go      — Broker внутри процесса (watermill gochannel)
//
// Топики:
//   - task.ready          — экземпляр можно попробовать допустить
//   - task.execute        — допущенный экземпляр для воркера
//   - task.events         — события воркеров
//   - task.control.{addr} — управляющие сообщения конкретному исполнителю
package mq
