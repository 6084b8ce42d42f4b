package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/aggregation"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lease"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/telemetry"
)

// Failure — содержимое события FAILED.
type Failure struct {
	Message string

	// RetryDelay — задержка перед повтором, которую выбрал воркер.
	RetryDelay time.Duration
}

// HandleEvent применяет событие воркера.
//
// Дубликаты по EventID отбрасываются. При системной ошибке запись о
// событии удаляется, чтобы повторная доставка обработала его заново.
// Ошибки после успешного перехода статуса только логируются: повтор
// того же события уже ничего не изменит.
func (s *Service) HandleEvent(ctx context.Context, evt domain.TaskEvent) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	first, err := s.events.TryRecord(ctx, &evt)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	if !first {
		telemetry.DuplicateEventsTotal.Inc()
		s.logger.Debug("duplicate event ignored", "event_id", evt.EventID, "task_id", evt.TaskID)
		return nil
	}
	telemetry.TaskEventsTotal.WithLabelValues(string(evt.EventType)).Inc()

	err = s.routeEvent(ctx, evt)
	if errors.Is(err, ErrTaskNotFound) {
		s.logger.Warn("event for unknown task", "event_id", evt.EventID, "task_id", evt.TaskID)
		return nil
	}
	if err != nil {
		if ferr := s.events.Forget(ctx, evt.EventID); ferr != nil {
			s.logger.Error("failed to forget event", "event_id", evt.EventID, "error", ferr)
		}
		return err
	}
	return nil
}

func (s *Service) routeEvent(ctx context.Context, evt domain.TaskEvent) error {
	switch evt.EventType {
	case domain.EventStarted:
		return s.HandleTaskStarted(ctx, evt.TaskID, evt.DispatchSeq)
	case domain.EventProgress:
		return s.HandleTaskProgress(ctx, evt.TaskID, evt.Payload)
	case domain.EventCompleted:
		return s.HandleTaskCompleted(ctx, evt.TaskID, evt.DispatchSeq, evt.PayloadString(domain.PayloadOutputRef))
	case domain.EventFailed:
		return s.HandleTaskFailed(ctx, evt.TaskID, evt.DispatchSeq, Failure{
			Message:    evt.PayloadString(domain.PayloadError),
			RetryDelay: evt.PayloadSeconds(domain.PayloadRetryDelaySec),
		})
	case domain.EventCancelled:
		return s.HandleTaskCancelled(ctx, evt.TaskID)
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, evt.EventType)
	}
}

func (s *Service) getInstance(ctx context.Context, id string) (*domain.TaskInstance, error) {
	inst, err := s.instances.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

// HandleTaskStarted фиксирует, что воркер взял экземпляр. Статус уже
// RUNNING с момента допуска, событие только проверяется и логируется.
func (s *Service) HandleTaskStarted(ctx context.Context, taskID string, seq int) error {
	inst, err := s.getInstance(ctx, taskID)
	if err != nil {
		return err
	}
	logger := telemetry.WithTaskID(s.logger, taskID)
	if inst.Status != domain.TaskStatusRunning || (seq != 0 && seq != inst.DispatchSeq) {
		logger.Debug("stale started event", "status", inst.Status, "seq", seq, "dispatch_seq", inst.DispatchSeq)
		return nil
	}
	logger.Debug("task started", "dispatch_seq", seq)
	return nil
}

// HandleTaskProgress обрабатывает промежуточный отчёт. Пока задача
// припаркована (state=PAUSED), её аренда продлевается.
func (s *Service) HandleTaskProgress(ctx context.Context, taskID string, payload map[string]any) error {
	state, _ := payload[domain.PayloadState].(string)
	logger := telemetry.WithTaskID(s.logger, taskID)
	if state != domain.ProgressStatePaused {
		logger.Debug("task progress", "state", state)
		return nil
	}

	err := s.leases.RefreshTTL(ctx, lease.TaskKey(taskID), s.leaseTTL)
	if errors.Is(err, lease.ErrNotFound) {
		logger.Warn("paused task has no lease")
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	logger.Info("task paused", "reason", payload[domain.PayloadReason])
	return nil
}

// HandleTaskCompleted переводит экземпляр в SUCCESS.
//
// Завершение фазы split (родитель уже ждёт детей) и события с устаревшим
// номером допуска игнорируются. Экземпляр LOOP с оставшимися раундами
// перевзводится вместо уведомления родителя.
func (s *Service) HandleTaskCompleted(ctx context.Context, taskID string, seq int, outputRef string) error {
	inst, err := s.getInstance(ctx, taskID)
	if err != nil {
		return err
	}
	logger := telemetry.WithTaskID(s.logger, taskID)

	if inst.Status == domain.TaskStatusPending && inst.SplitCount > 0 {
		logger.Debug("split phase acknowledged", "split_count", inst.SplitCount)
		return nil
	}

	ok, err := s.instances.MarkSucceeded(ctx, taskID, seq, outputRef)
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	if !ok {
		logger.Debug("stale completion ignored", "status", inst.Status, "seq", seq, "dispatch_seq", inst.DispatchSeq)
		return nil
	}
	telemetry.TasksFinishedTotal.WithLabelValues(string(domain.TaskStatusSuccess)).Inc()
	s.deleteLease(ctx, taskID)

	inst.Status = domain.TaskStatusSuccess
	inst.OutputRef = outputRef
	logger.Info("task succeeded", "round", inst.RoundIndex, "output_ref", outputRef)

	if inst.ScheduleType == domain.ScheduleLoop && s.rearmLoop(ctx, inst) {
		return nil
	}
	s.finalize(ctx, inst)
	return nil
}

// rearmLoop перевзводит экземпляр LOOP на следующий раунд. Возвращает
// false, если линия раундов закончена.
func (s *Service) rearmLoop(ctx context.Context, inst *domain.TaskInstance) bool {
	logger := telemetry.WithTaskID(s.logger, inst.ID)

	def, err := s.definitions.GetByID(ctx, inst.DefinitionID)
	if err != nil {
		logger.Error("failed to load loop definition", "error", err)
		return false
	}
	if def.LoopConfig == nil || inst.RoundIndex+1 >= def.LoopConfig.MaxRounds {
		logger.Info("loop finished", "rounds", inst.RoundIndex+1)
		return false
	}
	if s.cancelled(ctx, inst) {
		logger.Info("loop stopped by cancel", "round", inst.RoundIndex)
		return false
	}

	interval := def.LoopConfig.Interval()
	ok, err := s.instances.RearmLoop(ctx, inst.ID, inst.RoundIndex, s.clock().Add(interval))
	if err != nil {
		logger.Error("failed to rearm loop", "error", err)
		return false
	}
	if !ok {
		logger.Debug("loop already rearmed", "round", inst.RoundIndex)
		return true
	}
	telemetry.LoopRoundsTotal.Inc()

	next, err := s.getInstance(ctx, inst.ID)
	if err != nil {
		logger.Error("failed to reload rearmed loop", "error", err)
		return true
	}
	if err := s.dispatcher.ScheduleTask(ctx, next, interval); err != nil {
		logger.Warn("failed to schedule next round, relying on polling", "round", next.RoundIndex, "error", err)
	}
	logger.Info("loop rearmed", "round", next.RoundIndex, "interval", interval)
	return true
}

func (s *Service) cancelled(ctx context.Context, inst *domain.TaskInstance) bool {
	sig, err := s.signals.GetSignal(ctx, inst.TraceID)
	if err != nil {
		s.logger.Warn("failed to read trace signal", "trace_id", inst.TraceID, "error", err)
		return false
	}
	return sig == domain.SignalCancel
}

// HandleTaskFailed повторяет экземпляр, пока не исчерпан лимит, иначе
// переводит в FAILED и пропускает зависимых.
func (s *Service) HandleTaskFailed(ctx context.Context, taskID string, seq int, failure Failure) error {
	inst, err := s.getInstance(ctx, taskID)
	if err != nil {
		return err
	}
	logger := telemetry.WithTaskID(s.logger, taskID)

	if inst.Status == domain.TaskStatusRunning && inst.CanRetry() && !s.cancelled(ctx, inst) {
		availableAt := s.clock().Add(failure.RetryDelay)
		ok, err := s.instances.ResetForRetry(ctx, taskID, seq, failure.Message, availableAt)
		if err != nil {
			return fmt.Errorf("reset for retry: %w", err)
		}
		if ok {
			telemetry.RetriesTotal.Inc()
			s.deleteLease(ctx, taskID)
			logger.Info("task scheduled for retry",
				"attempt", inst.RetryCount+1,
				"max_retries", inst.MaxRetries,
				"delay", failure.RetryDelay,
				"error", failure.Message,
			)
			inst.Status = domain.TaskStatusPending
			inst.RetryCount++
			inst.AvailableAt = availableAt
			if err := s.dispatcher.ScheduleTask(ctx, inst, failure.RetryDelay); err != nil {
				logger.Warn("failed to schedule retry, relying on polling", "error", err)
			}
			return nil
		}
	}

	ok, err := s.instances.MarkFailed(ctx, taskID, seq, failure.Message)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if !ok {
		logger.Debug("stale failure ignored", "status", inst.Status, "seq", seq, "dispatch_seq", inst.DispatchSeq)
		return nil
	}
	telemetry.TasksFinishedTotal.WithLabelValues(string(domain.TaskStatusFailed)).Inc()
	s.deleteLease(ctx, taskID)
	logger.Warn("task failed", "error", failure.Message, "retries", inst.RetryCount)

	inst.Status = domain.TaskStatusFailed
	inst.ErrorMsg = failure.Message
	s.finalize(ctx, inst)
	return nil
}

// HandleTaskCancelled переводит экземпляр в CANCELLED.
func (s *Service) HandleTaskCancelled(ctx context.Context, taskID string) error {
	inst, err := s.getInstance(ctx, taskID)
	if err != nil {
		return err
	}
	ok, err := s.instances.MarkCancelled(ctx, taskID)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if !ok {
		s.logger.Debug("cancel of finished task ignored", "task_id", taskID, "status", inst.Status)
		return nil
	}
	s.afterCancelled(ctx, inst)
	return nil
}

func (s *Service) afterCancelled(ctx context.Context, inst *domain.TaskInstance) {
	telemetry.TasksFinishedTotal.WithLabelValues(string(domain.TaskStatusCancelled)).Inc()
	s.deleteLease(ctx, inst.ID)
	telemetry.WithTaskID(s.logger, inst.ID).Info("task cancelled")

	inst.Status = domain.TaskStatusCancelled
	s.finalize(ctx, inst)
}

// finalize выполняется ровно один раз после перехода экземпляра в
// финальный статус: освобождает или пропускает зависимых и уведомляет родителя.
func (s *Service) finalize(ctx context.Context, inst *domain.TaskInstance) {
	if inst.Status == domain.TaskStatusSuccess {
		s.releaseDependents(ctx, inst)
	} else {
		s.skipDependents(ctx, inst)
	}
	s.notifyParent(ctx, inst)
}

// releaseDependents ставит в очередь зависимых, у которых теперь
// выполнены все зависимости.
func (s *Service) releaseDependents(ctx context.Context, inst *domain.TaskInstance) {
	dependents, err := s.instances.ListDependents(ctx, inst.TraceID, inst.ID)
	if err != nil {
		s.logger.Error("failed to list dependents", "task_id", inst.ID, "error", err)
		return
	}
	for i := range dependents {
		dep := &dependents[i]
		ready, err := s.resolver.IsReady(ctx, dep)
		if err != nil {
			s.logger.Error("failed to check dependent", "task_id", dep.ID, "error", err)
			continue
		}
		if !ready {
			continue
		}
		if err := s.dispatcher.ScheduleTask(ctx, dep, 0); err != nil {
			s.logger.Warn("failed to schedule dependent, relying on polling", "task_id", dep.ID, "error", err)
		}
	}
}

// skipDependents переводит ожидающих зависимых в SKIPPED. Каждый
// пропущенный экземпляр пропускает своих зависимых и уведомляет родителя.
func (s *Service) skipDependents(ctx context.Context, inst *domain.TaskInstance) {
	dependents, err := s.instances.ListDependents(ctx, inst.TraceID, inst.ID)
	if err != nil {
		s.logger.Error("failed to list dependents", "task_id", inst.ID, "error", err)
		return
	}
	reason := fmt.Sprintf("dependency %s is %s", inst.ID, inst.Status)
	for i := range dependents {
		dep := &dependents[i]
		ok, err := s.instances.MarkSkipped(ctx, dep.ID, reason)
		if err != nil {
			s.logger.Error("failed to skip dependent", "task_id", dep.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		telemetry.TasksFinishedTotal.WithLabelValues(string(domain.TaskStatusSkipped)).Inc()
		telemetry.WithTaskID(s.logger, dep.ID).Info("task skipped", "reason", reason)

		dep.Status = domain.TaskStatusSkipped
		dep.ErrorMsg = reason
		s.finalize(ctx, dep)
	}
}

// notifyParent увеличивает счётчик родителя и применяет результат агрегации.
func (s *Service) notifyParent(ctx context.Context, inst *domain.TaskInstance) {
	if inst.IsRoot() {
		telemetry.WithTraceID(s.logger, inst.TraceID.String()).Info("trace finished", "status", inst.Status)
		return
	}
	out, err := s.counter.ChildFinished(ctx, *inst.ParentID)
	if err != nil {
		s.logger.Error("failed to notify parent", "task_id", inst.ID, "parent_id", *inst.ParentID, "error", err)
		return
	}
	s.applyAggregation(ctx, out)
}

// applyAggregation доводит переход родителя: активированный отдаётся
// воркерам, проваленный финализируется.
func (s *Service) applyAggregation(ctx context.Context, out aggregation.Outcome) {
	parent := out.Parent
	switch {
	case out.Activated:
		if err := s.deliver(ctx, parent); err != nil {
			s.logger.Warn("aggregator left for recovery", "task_id", parent.ID)
		}
	case out.Failed:
		telemetry.TasksFinishedTotal.WithLabelValues(string(domain.TaskStatusFailed)).Inc()
		s.deleteLease(ctx, parent.ID)
		s.finalize(ctx, parent)
	}
}

// deliver публикует допущенный экземпляр. Если публикация не удалась,
// допуск откатывается в PENDING.
func (s *Service) deliver(ctx context.Context, inst *domain.TaskInstance) error {
	err := s.dispatcher.DeliverTask(ctx, inst)
	if err == nil {
		return nil
	}
	logger := telemetry.WithTaskID(s.logger, inst.ID)
	logger.Warn("failed to deliver task, releasing admission", "dispatch_seq", inst.DispatchSeq, "error", err)
	if _, rerr := s.instances.ReleaseAdmission(ctx, inst.ID, inst.DispatchSeq); rerr != nil {
		logger.Error("failed to release admission", "error", rerr)
	}
	return fmt.Errorf("deliver task: %w", err)
}
