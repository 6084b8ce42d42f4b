package worker

import (
	"context"
	"time"
)

// DelayExecutor — исполнитель builtin.delay.
//
// Ожидает duration_sec секунд (default: 1). Если задан pause_reason,
// после ожидания паркует задачу до RESUME и возвращает его параметры.
type DelayExecutor struct{}

// Execute выполняет задержку.
func (e *DelayExecutor) Execute(ctx context.Context, exec *Execution) (*ExecutionResult, error) {
	params := exec.Params()
	duration := getDuration(params, "duration_sec", time.Second)

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}

	outputs := map[string]any{"delayed_sec": duration.Seconds()}
	if reason := getString(params, "pause_reason", ""); reason != "" {
		resumed, err := exec.Pause(ctx, reason)
		if err != nil {
			return nil, err
		}
		outputs["resumed"] = resumed
	}
	return &ExecutionResult{Outputs: outputs}, nil
}
