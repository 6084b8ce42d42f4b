package worker

import "errors"

// Ошибки воркера.
var (
	// ErrExecutorNotFound — нет исполнителя для codeRef.
	ErrExecutorNotFound = errors.New("executor not found")

	// ErrExecutionTimeout — выполнение превысило timeout_sec.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrWorkerStopped — воркер остановлен во время выполнения.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrSplitUnavailable — воркеру не передан SplitRegistrar.
	ErrSplitUnavailable = errors.New("split registrar not configured")

	// ErrLeaseLost — аренда припаркованной задачи исчезла.
	ErrLeaseLost = errors.New("lease lost while paused")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")
)
