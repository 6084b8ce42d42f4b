// Package domain содержит модели ядра оркестрации задач.
//
// Основные сущности:
//   - TaskDefinition — неизменяемый шаблон задачи (actorType, codeRef, режим планирования)
//   - TaskInstance   — узел дерева выполнения со статусом и счётчиками детей
//   - TaskEvent      — отчёт воркера (STARTED, PROGRESS, COMPLETED, FAILED, CANCELLED)
//   - SignalValue    — управляющий флаг trace (RUN, PAUSE, CANCEL)
//   - LeaseEntry     — адрес исполнителя припаркованной задачи
//
// Тип исполнителя — закрытое перечисление ActorType, поведение
// которого описано таблицей стратегий (ActorType.Behavior).
package domain
