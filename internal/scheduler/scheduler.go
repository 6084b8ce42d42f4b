package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/telemetry"
	"github.com/google/uuid"
)

// DefaultInterval — период тиков планировщика.
const DefaultInterval = time.Second

// TickStarter создаёт trace для одного тика CRON-определения.
// Реализуется lifecycle.Service.
type TickStarter interface {
	StartCronTick(ctx context.Context, definitionID uuid.UUID, tick time.Time) (uuid.UUID, error)
}

// Scheduler — генератор тиков CRON-определений.
type Scheduler struct {
	definitions repo.DefinitionStore
	triggers    repo.TriggerStore
	starter     TickStarter
	logger      *slog.Logger
	batchSize   int
	now         func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	Definitions repo.DefinitionStore
	Triggers    repo.TriggerStore
	Starter     TickStarter
	Logger      *slog.Logger
	BatchSize   int // количество триггеров за один тик (default: 100)
	Now         func() time.Time
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		definitions: cfg.Definitions,
		triggers:    cfg.Triggers,
		starter:     cfg.Starter,
		logger:      logger.With("component", "scheduler"),
		batchSize:   batchSize,
		now:         now,
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Синхронизирует cron_triggers с CRON-определениями
// 2. Находит триггеры с истекшим next_due_at
// 3. Для каждого создаёт trace через StartCronTick
// 4. Сдвигает next_due_at на следующий тик после now
//
// Ошибки одного триггера не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now().UTC()

	if err := s.syncTriggers(ctx, now); err != nil {
		return err
	}

	due, err := s.triggers.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due triggers: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	s.logger.Debug("found due triggers", "count", len(due))

	var fired, duplicates int
	for i := range due {
		started, err := s.fire(ctx, &due[i], now)
		if err != nil {
			s.logger.Error("failed to fire trigger",
				"definition_id", due[i].DefinitionID,
				"error", err,
			)
			continue
		}
		if started {
			fired++
		} else {
			duplicates++
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(due),
		"fired", fired,
		"duplicates", duplicates,
	)
	return nil
}

// syncTriggers заводит триггеры для активных CRON-определений и
// удаляет триггеры выключенных.
func (s *Scheduler) syncTriggers(ctx context.Context, now time.Time) error {
	defs, err := s.definitions.List(ctx, repo.DefinitionFilter{ScheduleType: domain.ScheduleCron, Limit: 1000})
	if err != nil {
		return fmt.Errorf("list cron definitions: %w", err)
	}

	for i := range defs {
		def := &defs[i]
		if !def.IsActive {
			if err := s.triggers.Delete(ctx, def.ID); err != nil {
				s.logger.Warn("failed to delete trigger", "definition_id", def.ID, "error", err)
			}
			continue
		}
		next, err := NextDue(def.CronExpr, now)
		if err != nil {
			s.logger.Warn("invalid cron expression, definition skipped",
				"definition_id", def.ID,
				"cron_expr", def.CronExpr,
				"error", err,
			)
			continue
		}
		if err := s.triggers.Ensure(ctx, def.ID, next); err != nil {
			return err
		}
	}
	return nil
}

// fire запускает тик триггера. Возвращает false, если trace для этого
// тика уже был создан.
func (s *Scheduler) fire(ctx context.Context, tr *repo.CronTrigger, now time.Time) (bool, error) {
	def, err := s.definitions.GetByID(ctx, tr.DefinitionID)
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Warn("definition not found for trigger, removing", "definition_id", tr.DefinitionID)
		return false, s.triggers.Delete(ctx, tr.DefinitionID)
	}
	if err != nil {
		return false, fmt.Errorf("get definition: %w", err)
	}
	if !def.IsActive || def.ScheduleType != domain.ScheduleCron {
		return false, s.triggers.Delete(ctx, tr.DefinitionID)
	}

	tick := tr.NextDueAt.UTC()
	var traceID *uuid.UUID
	started := true

	id, err := s.starter.StartCronTick(ctx, def.ID, tick)
	switch {
	case errors.Is(err, repo.ErrAlreadyExists):
		// Тик уже запущен (например, прошлый лидер упал до RecordFire).
		s.logger.Debug("cron tick already started", "definition", def.Name, "tick", tick)
		telemetry.CronTicksTotal.WithLabelValues("duplicate").Inc()
		started = false
	case err != nil:
		telemetry.CronTicksTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("start cron tick: %w", err)
	default:
		traceID = &id
		telemetry.CronTicksTotal.WithLabelValues("fired").Inc()
		s.logger.Info("cron tick fired",
			"definition", def.Name,
			"tick", tick,
			"trace_id", id,
		)
	}

	// Пропущенные тики не догоняются: следующий считается от now.
	next, err := NextDue(def.CronExpr, now)
	if err != nil {
		return started, fmt.Errorf("next due: %w", err)
	}
	if err := s.triggers.RecordFire(ctx, def.ID, traceID, now, next); err != nil {
		return started, fmt.Errorf("record fire: %w", err)
	}
	return started, nil
}

// Locker — лидерская блокировка между копиями планировщика.
type Locker interface {
	// TryLock пытается стать лидером (или подтверждает лидерство).
	TryLock(ctx context.Context) (bool, error)

	// Unlock снимает лидерство.
	Unlock(ctx context.Context) error
}

// Run вызывает Tick каждые interval, пока ctx не завершён.
// С locker тик выполняет только лидер; nil — всегда.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, locker Locker) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	leader := locker == nil
	defer func() {
		if leader && locker != nil {
			if err := locker.Unlock(context.Background()); err != nil {
				s.logger.Warn("failed to release leader lock", "error", err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !leader {
			ok, err := locker.TryLock(ctx)
			if err != nil {
				s.logger.Warn("leader lock error", "error", err)
				continue
			}
			if !ok {
				continue
			}
			leader = true
			s.logger.Info("became scheduler leader")
		}

		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
	}
}
