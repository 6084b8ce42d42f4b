package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/mq"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/signals"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/telemetry"
	"github.com/cenkalti/backoff/v4"
)

// handleTaskExecute принимает допущенный экземпляр и запускает его
// в отдельной горутине. Когда все слоты заняты, обработчик ждёт
// свободного, и брокер не отдаёт новых сообщений.
func (w *Worker) handleTaskExecute(ctx context.Context, delivery *mq.Delivery) error {
	inst, err := mq.ParsePayload[domain.TaskInstance](delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse task.execute payload", "message_id", delivery.Message.ID, "error", err)
		return nil
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	w.running.Add(1)
	go func() {
		defer w.running.Done()
		defer w.sem.Release(1)
		w.run(ctx, &inst)
	}()
	return nil
}

// handleControl обрабатывает управляющее сообщение для этого воркера.
func (w *Worker) handleControl(ctx context.Context, delivery *mq.Delivery) error {
	msg, err := mq.ParsePayload[domain.ControlMessage](delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse control payload", "message_id", delivery.Message.ID, "error", err)
		return nil
	}

	switch msg.Type {
	case domain.ControlResume:
		if !w.resume(msg.TaskID, msg.Params) {
			w.logger.Warn("resume for task not paused here", "task_id", msg.TaskID)
		}
	default:
		w.logger.Warn("unknown control message", "type", msg.Type, "task_id", msg.TaskID)
	}
	return nil
}

// run выполняет экземпляр и сообщает результат.
func (w *Worker) run(ctx context.Context, inst *domain.TaskInstance) {
	logger := telemetry.WithTaskID(w.logger, inst.ID).With(
		"trace_id", inst.TraceID,
		"code_ref", inst.CodeRef,
		"dispatch_seq", inst.DispatchSeq,
	)
	execution := newExecution(w, inst, logger)

	w.emit(ctx, logger, domain.NewTaskEvent(domain.EventStarted, inst.ID, inst.DispatchSeq, map[string]any{
		"worker": w.address,
		"phase":  string(execution.Phase()),
	}))
	logger.Info("task started", "phase", execution.Phase(), "attempt", inst.RetryCount)

	executor, err := w.registry.Get(inst.CodeRef)
	if err != nil {
		w.emitFailed(ctx, logger, inst, err.Error())
		return
	}

	execCtx := ctx
	if w.signals != nil {
		var stopWatch context.CancelFunc
		execCtx, stopWatch = w.signals.Watch(execCtx, inst.TraceID, w.watchInterval)
		defer stopWatch()
	}
	if timeout := inst.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeoutCause(execCtx, timeout, ErrExecutionTimeout)
		defer cancel()
	}

	start := time.Now()
	result, execErr := executor.Execute(execCtx, execution)
	cause := context.Cause(execCtx)
	telemetry.ExecutionDuration.WithLabelValues(inst.CodeRef).Observe(time.Since(start).Seconds())

	outcome := "completed"
	defer func() {
		telemetry.ExecutionsTotal.WithLabelValues(inst.CodeRef, outcome).Inc()
	}()

	switch {
	case errors.Is(cause, signals.ErrCancelled):
		outcome = "cancelled"
		logger.Info("task cancelled by trace signal")
		w.emit(ctx, logger, domain.NewTaskEvent(domain.EventCancelled, inst.ID, inst.DispatchSeq, nil))

	case errors.Is(cause, ErrExecutionTimeout):
		outcome = "timeout"
		w.emitFailed(ctx, logger, inst, fmt.Sprintf("%v after %s", ErrExecutionTimeout, inst.Timeout()))

	case ctx.Err() != nil:
		outcome = "interrupted"
		w.emitFailed(ctx, logger, inst, ErrWorkerStopped.Error())

	case execErr != nil:
		outcome = "failed"
		w.emitFailed(ctx, logger, inst, execErr.Error())

	case result != nil && result.Error != "":
		outcome = "failed"
		w.emitFailed(ctx, logger, inst, result.Error)

	case execution.didSplit():
		outcome = "split"
		// Ядро повторно допустит родителя, когда дети завершатся.
		logger.Info("split phase finished", "duration", time.Since(start))

	default:
		payload := map[string]any{}
		if result != nil {
			payload[domain.PayloadOutputRef] = result.OutputRef
			if len(result.Outputs) > 0 {
				payload["outputs"] = result.Outputs
			}
		}
		w.emit(ctx, logger, domain.NewTaskEvent(domain.EventCompleted, inst.ID, inst.DispatchSeq, payload))
		logger.Info("task succeeded", "duration", time.Since(start))
	}
}

func (w *Worker) emitFailed(ctx context.Context, logger *slog.Logger, inst *domain.TaskInstance, msg string) {
	delay := w.retryDelay(inst)
	logger.Warn("task failed", "error", msg, "retry_delay", delay)
	w.emit(ctx, logger, domain.NewTaskEvent(domain.EventFailed, inst.ID, inst.DispatchSeq, map[string]any{
		domain.PayloadError:         msg,
		domain.PayloadRetryDelaySec: delay.Seconds(),
	}))
}

// emit публикует событие. Событие о завершении должно уйти и после
// остановки воркера, поэтому отмена ctx не учитывается.
func (w *Worker) emit(ctx context.Context, logger *slog.Logger, evt domain.TaskEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultEmitTimeout)
	defer cancel()
	if err := w.events.EmitEvent(ctx, evt); err != nil {
		logger.Error("failed to emit event", "event_type", evt.EventType, "event_id", evt.EventID, "error", err)
	}
}

// retryDelay вычисляет задержку следующей попытки: экспоненциально от
// номера попытки. Если повторов не осталось, задержка не нужна.
func (w *Worker) retryDelay(inst *domain.TaskInstance) time.Duration {
	if !inst.CanRetry() {
		return 0
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.retryInitial
	exp.MaxInterval = w.retryMax
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	var delay time.Duration
	for i := 0; i <= inst.RetryCount; i++ {
		delay = exp.NextBackOff()
	}
	return delay
}
