package domain

// TaskStatus — статус экземпляра задачи.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → SUCCESS
//	                  ↘ FAILED
//	                  ↘ CANCELLED
//	(или) PENDING → CANCELLED | FAILED | SKIPPED
//
// Обратные переходы:
//   - SUCCESS → PENDING — перевзвод LOOP на следующий раунд (RoundIndex+1)
//   - RUNNING → PENDING — повтор после FAILED, ожидание детей после split,
//     откат допуска при ошибке публикации
type TaskStatus string

const (
	// TaskStatusPending — ожидает допуска (зависимости, задержка, дети).
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusRunning — допущен и отправлен воркеру.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusSuccess — успешно завершён.
	TaskStatusSuccess TaskStatus = "SUCCESS"

	// TaskStatusFailed — завершился ошибкой после всех повторов.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusCancelled — отменён сигналом трассы или воркером.
	TaskStatusCancelled TaskStatus = "CANCELLED"

	// TaskStatusSkipped — пропущен, потому что зависимость не может быть выполнена.
	TaskStatusSkipped TaskStatus = "SKIPPED"
)

// IsTerminal возвращает true, если статус финальный.
//
// SUCCESS для LOOP выглядит финальным, но может быть перевзведён.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// IsValid проверяет, что статус известен.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSuccess,
		TaskStatusFailed, TaskStatusCancelled, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление TaskStatus.
func (s TaskStatus) String() string {
	return string(s)
}

// NonTerminalStatuses — статусы, которые затрагивает массовая отмена трассы.
var NonTerminalStatuses = []TaskStatus{TaskStatusPending, TaskStatusRunning}
