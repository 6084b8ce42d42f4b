package lifecycle

import "errors"

// Ошибки Lifecycle Service.
var (
	// ErrValidation — некорректный запрос. Синхронная ошибка, не повторяется.
	ErrValidation = errors.New("validation error")

	// ErrTaskNotResumable — аренды задачи нет или она истекла.
	ErrTaskNotResumable = errors.New("task not resumable")

	// ErrTaskNotFound — экземпляр не найден.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTraceNotFound — trace не найден.
	ErrTraceNotFound = errors.New("trace not found")

	// ErrDefinitionNotFound — определение не найдено.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrInvalidState — операция недопустима в текущем статусе.
	ErrInvalidState = errors.New("invalid state")

	// ErrDuplicateTick — trace для этого тика cron уже создан.
	ErrDuplicateTick = errors.New("duplicate cron tick")
)
