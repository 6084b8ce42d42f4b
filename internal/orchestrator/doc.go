// Package orchestrator запускает контур управления ядра.
//
// Orchestrator отвечает за:
//   - Допуск экземпляров из очереди task.ready
//   - Применение событий воркеров из очереди task.events
//   - Polling готовых экземпляров, если сообщения потерялись
//   - Восстановление родителей, застрявших в фазе агрегации
//
// Собственного состояния у оркестратора нет: все решения принимает
// lifecycle.Service через CAS в БД, поэтому копий может быть несколько.
package orchestrator
