// Package worker выполняет допущенные экземпляры задач.
//
// # Обзор
//
// Worker — stateless исполнитель системы Tower. Он не меняет состояние
// экземпляров напрямую: всё, что он знает о результате, уходит в ядро
// событиями через task.events.
//
//   - Получение экземпляров из task.execute
//   - Выбор исполнителя по codeRef и запуск с timeout_sec
//   - Отмена по флагу CANCEL trace (signals.Bus.Watch)
//   - Split: регистрация детей через SplitRegistrar
//   - Pause: аренда lease:{taskId} и ожидание RESUME на task.control.{address}
//
// # Исполнители
//
//	type Executor interface {
//	    Execute(ctx context.Context, exec *Execution) (*ExecutionResult, error)
//	}
//
// Встроенные:
//   - builtin.http — HTTP-запрос
//   - builtin.delay — задержка, опционально пауза до RESUME
//   - builtin.transform — параметры как outputs
//   - builtin.fanout — split на детей и агрегация их числа
//
// # Фазы
//
// Экземпляр, раздробившийся на детей, допускается повторно после их
// завершения. Execution.Phase() возвращает AGGREGATE для такого допуска.
//
// # События
//
//   - STARTED при начале выполнения
//   - PROGRESS (state=PAUSED) при паузе
//   - COMPLETED с output_ref и outputs
//   - FAILED с error и retry_delay_sec (экспоненциально от номера попытки)
//   - CANCELLED, если trace отменён
//
// После успешного split COMPLETED не отправляется.
package worker
