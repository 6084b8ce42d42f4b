// Package repo реализует хранение ядра в PostgreSQL (pgx/v5).
//
// Структура:
//   - db.go              — пул соединений
//   - schema.go          — идемпотентная схема (EnsureSchema)
//   - store.go           — интерфейсы хранилищ для верхних слоёв
//   - definition_repo.go — task_definitions
//   - instance_repo.go   — task_instances: CAS-переходы, счётчик детей, отмена trace
//   - event_repo.go      — processed_events (дедупликация по eventId)
//   - trigger_repo.go    — cron_triggers
//
// In-memory реализация тех же интерфейсов для тестов — пакет repotest.
package repo
