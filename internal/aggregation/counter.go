package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/telemetry"
)

// Outcome — результат уведомления родителя о завершении ребёнка.
type Outcome struct {
	Progress repo.ChildProgress

	// Parent — родитель после перехода (только при достижении порога).
	Parent *domain.TaskInstance

	// Decision — решение политики (только при достижении порога).
	Decision Decision

	// Activated — этот вызов перевёл родителя в RUNNING для агрегации.
	Activated bool

	// Failed — этот вызов завершил родителя с ошибкой.
	Failed bool
}

// Counter — атомарный счётчик завершённых детей.
type Counter struct {
	instances   repo.InstanceStore
	definitions repo.DefinitionStore
	logger      *slog.Logger
}

// NewCounter создаёт Counter.
func NewCounter(instances repo.InstanceStore, definitions repo.DefinitionStore, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{
		instances:   instances,
		definitions: definitions,
		logger:      logger.With("component", "aggregation"),
	}
}

// Increment увеличивает completed_children родителя одним запросом.
//
// Инкремент сверх split_count не применяется: это аномалия (лишнее
// уведомление), она логируется и считается, но не ломает счётчик.
func (c *Counter) Increment(ctx context.Context, parentID string) (repo.ChildProgress, error) {
	progress, err := c.instances.IncrementCompletedChildren(ctx, parentID)
	if err != nil {
		return progress, fmt.Errorf("increment completed children: %w", err)
	}
	if progress.Clamped {
		telemetry.AggregationAnomaliesTotal.Inc()
		c.logger.Warn("completed children counter clamped",
			"parent_id", parentID,
			"completed", progress.Completed,
			"split", progress.Split,
		)
	}
	return progress, nil
}

// ChildFinished учитывает завершение ребёнка и, если это был последний,
// применяет политику агрегации родителя.
//
// Порог наблюдает ровно один вызов (тот, чей инкремент дал completed ==
// split), а переход родителя дополнительно защищён CAS.
func (c *Counter) ChildFinished(ctx context.Context, parentID string) (Outcome, error) {
	progress, err := c.Increment(ctx, parentID)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Progress: progress}
	if progress.Clamped || !progress.Reached() {
		return out, nil
	}
	return c.resolve(ctx, parentID, out)
}

// Reevaluate повторно применяет политику к родителю, который дождался
// детей, но так и не был переведён (сбой между инкрементом и CAS).
func (c *Counter) Reevaluate(ctx context.Context, parentID string) (Outcome, error) {
	return c.resolve(ctx, parentID, Outcome{})
}

func (c *Counter) resolve(ctx context.Context, parentID string, out Outcome) (Outcome, error) {
	parent, err := c.instances.GetByID(ctx, parentID)
	if err != nil {
		return out, fmt.Errorf("get parent: %w", err)
	}
	out.Progress = repo.ChildProgress{Completed: parent.CompletedChildren, Split: parent.SplitCount}
	if parent.Status != domain.TaskStatusPending || !parent.InAggregationPhase() {
		return out, nil
	}

	counts, err := c.instances.CountChildrenByStatus(ctx, parentID, parent.RoundIndex)
	if err != nil {
		return out, fmt.Errorf("count children: %w", err)
	}

	policy := domain.PolicyAllRequired
	def, err := c.definitions.GetByID(ctx, parent.DefinitionID)
	switch {
	case err == nil:
		policy = def.AggregationPolicy.OrDefault()
	case errors.Is(err, repo.ErrNotFound):
		c.logger.Warn("parent definition not found, using default policy", "parent_id", parentID)
	default:
		return out, fmt.Errorf("get parent definition: %w", err)
	}

	out.Decision = Decide(policy, counts, parent.SplitCount)
	logger := c.logger.With("parent_id", parentID, "policy", policy, "decision", out.Decision)

	switch out.Decision {
	case DecisionActivate:
		seq, ok, err := c.instances.ActivateAggregator(ctx, parentID)
		if err != nil {
			return out, fmt.Errorf("activate aggregator: %w", err)
		}
		if ok {
			out.Activated = true
			parent.Status = domain.TaskStatusRunning
			parent.DispatchSeq = seq
			logger.Info("aggregation activated", "dispatch_seq", seq)
		}
	case DecisionFail:
		msg := fmt.Sprintf("%d of %d children succeeded", counts[domain.TaskStatusSuccess], parent.SplitCount)
		ok, err := c.instances.MarkFailed(ctx, parentID, 0, msg)
		if err != nil {
			return out, fmt.Errorf("fail parent: %w", err)
		}
		if ok {
			out.Failed = true
			parent.Status = domain.TaskStatusFailed
			parent.ErrorMsg = msg
			logger.Info("aggregation failed parent", "counts", counts)
		}
	}

	if out.Activated || out.Failed {
		telemetry.AggregationActivationsTotal.WithLabelValues(string(out.Decision)).Inc()
	}
	out.Parent = parent
	return out, nil
}
