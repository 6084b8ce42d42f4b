// Package dispatch публикует сообщения ядра через mq.Broker: запросы на
// допуск (task.ready), допущенные экземпляры (task.execute), события
// воркеров (task.events) и управляющие сообщения исполнителям.
package dispatch
