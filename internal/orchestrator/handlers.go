package orchestrator

import (
	"context"
	"errors"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lifecycle"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/mq"
)

// handleTaskReady обрабатывает запрос на допуск экземпляра.
func (o *Orchestrator) handleTaskReady(ctx context.Context, delivery *mq.Delivery) error {
	req, err := mq.ParsePayload[domain.DispatchRequest](delivery.Message)
	if err != nil {
		// Повтор не исправит payload: сообщение отбрасывается.
		o.logger.Error("failed to parse task.ready payload", "message_id", delivery.Message.ID, "error", err)
		return nil
	}

	o.logger.Debug("received task.ready",
		"task_id", req.TaskID,
		"round", req.RoundIndex,
		"redelivered", delivery.Redelivered,
	)

	if err := o.core.AdmitTask(ctx, req); err != nil {
		o.logger.Error("failed to admit task", "task_id", req.TaskID, "error", err)
		return err
	}
	return nil
}

// handleTaskEvent обрабатывает событие воркера.
func (o *Orchestrator) handleTaskEvent(ctx context.Context, delivery *mq.Delivery) error {
	evt, err := mq.ParsePayload[domain.TaskEvent](delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse task event payload", "message_id", delivery.Message.ID, "error", err)
		return nil
	}

	o.logger.Debug("received task event",
		"event_id", evt.EventID,
		"event_type", evt.EventType,
		"task_id", evt.TaskID,
	)

	err = o.core.HandleEvent(ctx, evt)
	if errors.Is(err, lifecycle.ErrValidation) {
		o.logger.Warn("invalid task event dropped", "event_id", evt.EventID, "error", err)
		return nil
	}
	if err != nil {
		o.logger.Error("failed to handle task event",
			"event_id", evt.EventID,
			"task_id", evt.TaskID,
			"error", err,
		)
		return err
	}
	return nil
}
