package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrAlreadyStarted — повторный вызов Start.
	ErrAlreadyStarted = errors.New("orchestrator already started")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
