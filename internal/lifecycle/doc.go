// Package lifecycle — Lifecycle Service, единственный писатель статусов
// экземпляров задач.
//
// Обязанности:
//   - создание trace (вручную и по тикам cron)
//   - применение событий воркеров с дедупликацией по eventId
//   - допуск экземпляров (task.ready → RUNNING → task.execute)
//   - регистрация детей при split и агрегация
//   - перевзвод LOOP и повторы после FAILED
//   - отмена, пауза и продолжение trace, resume конкретной задачи
//
// Переходы статусов:
//
//	PENDING → RUNNING → SUCCESS | FAILED | CANCELLED
//	PENDING → CANCELLED | SKIPPED | FAILED
//
// Обратные переходы существуют только как явные CAS: перевзвод LOOP
// (SUCCESS → PENDING, round+1), повтор (RUNNING → PENDING, retry_count+1),
// split (RUNNING → PENDING до завершения детей) и откат неудачной
// публикации при допуске.
package lifecycle
