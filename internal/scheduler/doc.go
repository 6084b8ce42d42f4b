// Package scheduler реализует генератор тиков CRON-определений.
//
// Scheduler периодически проверяет cron_triggers с истекшим next_due_at
// и для каждого тика запускает новый trace.
//
// Структура:
//   - scheduler.go — основная логика Scheduler (Tick, fire, Run)
//   - cron.go      — парсинг cron-выражений и вычисление следующего времени
//   - leader.go    — leader election через pg_try_advisory_lock
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Definitions: definitionRepo,
//	    Triggers:    triggerRepo,
//	    Starter:     lifecycleService,
//	    Logger:      logger,
//	})
//
//	lock := scheduler.NewAdvisoryLock(pool, scheduler.DefaultLockKey)
//	err := sched.Run(ctx, time.Second, lock)
//
// Тик выполняет только лидер. Если два лидера всё же запустят один тик,
// второй получит repo.ErrAlreadyExists от уникального индекса
// (definition_id, cron_trigger_time), и trace не задвоится.
package scheduler
