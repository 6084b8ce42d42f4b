package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/telemetry"
)

// Исходы допуска (метка метрики).
const (
	admitAdmitted    = "admitted"
	admitSkipped     = "skipped"
	admitCancelled   = "cancelled"
	admitPaused      = "paused"
	admitRescheduled = "rescheduled"
	admitBlocked     = "blocked"
	admitLost        = "lost"
	admitAggregated  = "aggregated"
)

// AdmitTask обрабатывает запрос task.ready: перепроверяет экземпляр, флаг
// trace и зависимости, затем CAS-ом переводит PENDING→RUNNING и отдаёт
// экземпляр воркерам.
//
// Устаревшие запросы (другой раунд, уже не PENDING) пропускаются без ошибки.
func (s *Service) AdmitTask(ctx context.Context, req domain.DispatchRequest) error {
	outcome, err := s.admit(ctx, req)
	telemetry.AdmissionsTotal.WithLabelValues(outcome).Inc()
	return err
}

func (s *Service) admit(ctx context.Context, req domain.DispatchRequest) (string, error) {
	inst, err := s.getInstance(ctx, req.TaskID)
	if errors.Is(err, ErrTaskNotFound) {
		s.logger.Warn("dispatch request for unknown task", "task_id", req.TaskID)
		return admitSkipped, nil
	}
	if err != nil {
		return admitSkipped, err
	}
	logger := telemetry.WithTaskID(s.logger, inst.ID)

	if inst.Status != domain.TaskStatusPending || inst.RoundIndex != req.RoundIndex {
		logger.Debug("stale dispatch request", "status", inst.Status, "round", inst.RoundIndex, "requested_round", req.RoundIndex)
		return admitSkipped, nil
	}
	if inst.AwaitingChildren() {
		logger.Debug("instance awaits children", "completed", inst.CompletedChildren, "split", inst.SplitCount)
		return admitSkipped, nil
	}

	sig, err := s.signals.GetSignal(ctx, inst.TraceID)
	if err != nil {
		return admitSkipped, err
	}
	switch sig {
	case domain.SignalCancel:
		ok, err := s.instances.MarkCancelled(ctx, inst.ID)
		if err != nil {
			return admitCancelled, fmt.Errorf("mark cancelled: %w", err)
		}
		if ok {
			s.afterCancelled(ctx, inst)
		}
		return admitCancelled, nil
	case domain.SignalPause:
		logger.Debug("trace paused, instance parked")
		return admitPaused, nil
	}

	if now := s.clock(); inst.AvailableAt.After(now) {
		delay := inst.AvailableAt.Sub(now)
		if err := s.dispatcher.ScheduleTask(ctx, inst, delay); err != nil {
			return admitRescheduled, err
		}
		logger.Debug("early dispatch request rescheduled", "delay", delay)
		return admitRescheduled, nil
	}

	if inst.InAggregationPhase() {
		// Повтор агрегирующей фазы: политика применяется заново.
		out, err := s.counter.Reevaluate(ctx, inst.ID)
		if err != nil {
			return admitAggregated, err
		}
		s.applyAggregation(ctx, out)
		return admitAggregated, nil
	}

	ready, err := s.resolver.IsReady(ctx, inst)
	if err != nil {
		return admitBlocked, err
	}
	if !ready {
		logger.Debug("dependencies not satisfied", "depends_on", inst.DependsOn)
		return admitBlocked, nil
	}

	seq, ok, err := s.instances.Admit(ctx, inst.ID, inst.RoundIndex)
	if err != nil {
		return admitLost, fmt.Errorf("admit: %w", err)
	}
	if !ok {
		logger.Debug("admission lost the race")
		return admitLost, nil
	}

	now := s.clock()
	inst.Status = domain.TaskStatusRunning
	inst.DispatchSeq = seq
	inst.StartedAt = &now

	if err := s.deliver(ctx, inst); err != nil {
		return admitLost, err
	}
	logger.Info("task admitted", "dispatch_seq", seq, "round", inst.RoundIndex, "attempt", inst.RetryCount)
	return admitAdmitted, nil
}
