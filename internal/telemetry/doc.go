// Package telemetry обеспечивает наблюдаемость ядра.
//
// Включает:
//   - logging.go — structured logging через slog (LOG_LEVEL, LOG_FORMAT)
//   - metrics.go — Prometheus счётчики: trace, допуски, события, агрегация,
//     перевзводы loop, резервное kv-хранилище
//
// Все процессы используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
