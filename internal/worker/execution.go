package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lease"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lifecycle"
)

// Phase — фаза выполнения экземпляра.
type Phase string

const (
	// PhaseExecute — первый допуск: работа или split.
	PhaseExecute Phase = "EXECUTE"

	// PhaseAggregate — повторный допуск после завершения детей.
	PhaseAggregate Phase = "AGGREGATE"
)

// Execution — ручка, которую получает исполнитель.
type Execution struct {
	// Instance — снимок экземпляра на момент допуска.
	Instance domain.TaskInstance

	w      *Worker
	logger *slog.Logger

	mu    sync.Mutex
	split bool
}

func newExecution(w *Worker, inst *domain.TaskInstance, logger *slog.Logger) *Execution {
	return &Execution{Instance: *inst, w: w, logger: logger}
}

// Phase возвращает EXECUTE или AGGREGATE.
func (e *Execution) Phase() Phase {
	if e.Instance.InAggregationPhase() {
		return PhaseAggregate
	}
	return PhaseExecute
}

// Params возвращает входные параметры экземпляра.
func (e *Execution) Params() map[string]any {
	if e.Instance.InputParams == nil {
		return map[string]any{}
	}
	return e.Instance.InputParams
}

// Split регистрирует детей. После успешного split исполнитель должен
// вернуть управление: ядро повторно допустит экземпляр в фазе AGGREGATE.
func (e *Execution) Split(ctx context.Context, children []lifecycle.ChildSpec) ([]domain.TaskInstance, error) {
	if e.w.splitter == nil {
		return nil, ErrSplitUnavailable
	}
	registered, err := e.w.splitter.RegisterChildren(ctx, e.Instance.ID, children)
	if err != nil {
		return nil, fmt.Errorf("register children: %w", err)
	}

	e.mu.Lock()
	e.split = true
	e.mu.Unlock()

	e.logger.Info("task split", "children", len(registered))
	return registered, nil
}

func (e *Execution) didSplit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.split
}

// Pause паркует задачу до прихода RESUME и возвращает его параметры.
//
// На время паузы воркер держит аренду lease:{taskId} со своим адресом,
// чтобы ядро могло маршрутизировать RESUME.
func (e *Execution) Pause(ctx context.Context, reason string) (map[string]any, error) {
	taskID := e.Instance.ID
	key := lease.TaskKey(taskID)

	// Ожидание регистрируется до публикации аренды, чтобы не потерять быстрый RESUME.
	resumed := e.w.addWaiter(taskID)
	defer e.w.removeWaiter(taskID)

	if err := e.w.leases.Save(ctx, key, e.w.address, e.w.leaseTTL); err != nil {
		return nil, fmt.Errorf("save lease: %w", err)
	}
	defer e.w.deleteLease(key)

	e.w.emit(ctx, e.logger, domain.NewTaskEvent(domain.EventProgress, taskID, e.Instance.DispatchSeq, map[string]any{
		domain.PayloadState:  domain.ProgressStatePaused,
		domain.PayloadReason: reason,
	}))
	e.logger.Info("task paused", "reason", reason)

	keepCtx, stopKeepalive := context.WithCancel(ctx)
	defer stopKeepalive()
	lost := make(chan error, 1)
	go func() { lost <- e.w.leases.Keepalive(keepCtx, key, e.w.leaseTTL) }()

	select {
	case params := <-resumed:
		e.logger.Info("task resumed")
		return params, nil
	case err := <-lost:
		if errors.Is(err, lease.ErrNotFound) {
			return nil, ErrLeaseLost
		}
		if ctx.Err() == nil {
			return nil, fmt.Errorf("keepalive lease: %w", err)
		}
		return nil, context.Cause(ctx)
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Report отправляет промежуточный PROGRESS с произвольным payload.
func (e *Execution) Report(ctx context.Context, payload map[string]any) {
	e.w.emit(ctx, e.logger, domain.NewTaskEvent(domain.EventProgress, e.Instance.ID, e.Instance.DispatchSeq, payload))
}
