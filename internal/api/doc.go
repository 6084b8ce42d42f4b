// Package api содержит HTTP API ядра Tower.
//
// Структура:
//   - handler.go            — Handler с DI (команды ядра, репозитории, logger)
//   - routes.go             — регистрация маршрутов
//   - middleware.go         — middleware (recovery, metrics, logging)
//   - response.go           — JSON-ответы и отображение ошибок ядра на HTTP
//   - dto.go                — Data Transfer Objects (request/response)
//   - trace_handler.go      — обработчики для /traces
//   - task_handler.go       — обработчики для /tasks
//   - definition_handler.go — обработчики для /definitions
//
// Команды (start, cancel, split, resume) проходят через lifecycle.Service.
// Запросы читают репозитории напрямую и не видят состояния исполнителей.
package api
