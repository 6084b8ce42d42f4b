package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/resolver"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/telemetry"
	"github.com/google/uuid"
)

// ChildSpec — описание ребёнка в запросе split.
type ChildSpec struct {
	// Key — локальное имя ребёнка в запросе (по умолчанию — его индекс).
	Key string `json:"key,omitempty"`

	DefinitionID uuid.UUID      `json:"definition_id"`
	Params       map[string]any `json:"params,omitempty"`

	// DependsOn — ключи братьев или id уже существующих экземпляров trace.
	DependsOn []string `json:"depends_on,omitempty"`
}

// RegisterChildren регистрирует детей RUNNING-родителя одним атомарным
// действием: дети сохраняются, split_count растёт, родитель уходит в
// PENDING ждать их завершения. Затем в очередь ставятся дети без
// невыполненных зависимостей.
func (s *Service) RegisterChildren(ctx context.Context, parentID string, specs []ChildSpec) ([]domain.TaskInstance, error) {
	parent, err := s.getInstance(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status != domain.TaskStatusRunning {
		return nil, fmt.Errorf("%w: parent is %s", ErrInvalidState, parent.Status)
	}
	if parent.InAggregationPhase() {
		return nil, fmt.Errorf("%w: parent is aggregating", ErrInvalidState)
	}
	if err := parent.ActorType.Behavior().ValidateSplit(len(specs)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidState, parent.ActorType, err)
	}

	children, err := s.buildChildren(ctx, parent, specs)
	if err != nil {
		return nil, err
	}

	_, err = s.instances.RegisterChildren(ctx, parentID, children)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrTaskNotFound
	case errors.Is(err, repo.ErrInvalidState):
		return nil, fmt.Errorf("%w: parent is no longer running", ErrInvalidState)
	case err != nil:
		return nil, fmt.Errorf("register children: %w", err)
	}

	logger := telemetry.WithTaskID(s.logger, parentID)
	logger.Info("children registered", "count", len(children))

	s.scheduleChildren(ctx, children)

	out := make([]domain.TaskInstance, len(children))
	for i, child := range children {
		out[i] = *child
	}
	return out, nil
}

// buildChildren проверяет описания и создаёт экземпляры в порядке запроса.
// Граф братьев проверяется на циклы до того, как выдаются id; ключи братьев
// в DependsOn заменяются их id вторым проходом.
func (s *Service) buildChildren(ctx context.Context, parent *domain.TaskInstance, specs []ChildSpec) ([]*domain.TaskInstance, error) {
	nodes := make([]resolver.Node, len(specs))
	byKey := make(map[string]*ChildSpec, len(specs))
	for i := range specs {
		if specs[i].Key == "" {
			specs[i].Key = strconv.Itoa(i)
		}
		nodes[i] = resolver.Node{Key: specs[i].Key, DependsOn: specs[i].DependsOn}
		byKey[specs[i].Key] = &specs[i]
	}
	if _, err := resolver.ValidateGraph(nodes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := s.checkExternalDeps(ctx, parent, specs, byKey); err != nil {
		return nil, err
	}

	now := s.clock()
	ids := make(map[string]string, len(specs))
	children := make([]*domain.TaskInstance, len(specs))
	for i, spec := range specs {
		def, err := s.activeDefinition(ctx, spec.DefinitionID)
		if err != nil {
			return nil, fmt.Errorf("child %q: %w", spec.Key, err)
		}
		children[i] = domain.NewChildInstance(parent, def, spec.Params, now)
		ids[spec.Key] = children[i].ID
	}

	for i, spec := range specs {
		for _, dep := range spec.DependsOn {
			if id, sibling := ids[dep]; sibling {
				dep = id
			}
			children[i].DependsOn = append(children[i].DependsOn, dep)
		}
	}
	return children, nil
}

// checkExternalDeps проверяет, что зависимости вне запроса — экземпляры того же trace.
func (s *Service) checkExternalDeps(ctx context.Context, parent *domain.TaskInstance, specs []ChildSpec, byKey map[string]*ChildSpec) error {
	var external []string
	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if _, sibling := byKey[dep]; !sibling {
				external = append(external, dep)
			}
		}
	}
	for _, id := range external {
		inst, err := s.instances.GetByID(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: dependency %q not found", ErrValidation, id)
		}
		if err != nil {
			return fmt.Errorf("get dependency: %w", err)
		}
		if inst.TraceID != parent.TraceID {
			return fmt.Errorf("%w: dependency %q belongs to another trace", ErrValidation, id)
		}
	}
	return nil
}

// scheduleChildren ставит в очередь готовых детей. Дети, чья внешняя
// зависимость уже провалена, сразу пропускаются. Флаг trace проверяется
// перед каждой публикацией.
func (s *Service) scheduleChildren(ctx context.Context, children []*domain.TaskInstance) {
	for _, child := range children {
		if s.cancelled(ctx, child) {
			s.logger.Info("trace cancelled, children left for cancellation", "task_id", child.ID)
			return
		}

		if len(child.DependsOn) > 0 {
			statuses, err := s.instances.StatusesByIDs(ctx, child.DependsOn)
			if err != nil {
				s.logger.Error("failed to load dependency statuses", "task_id", child.ID, "error", err)
				continue
			}
			if resolver.Blocked(child.DependsOn, statuses) {
				s.skipBlocked(ctx, child)
				continue
			}
		}

		ready, err := s.resolver.IsReady(ctx, child)
		if err != nil {
			s.logger.Error("failed to check child", "task_id", child.ID, "error", err)
			continue
		}
		if !ready {
			continue
		}
		if err := s.dispatcher.ScheduleTask(ctx, child, 0); err != nil {
			s.logger.Warn("failed to schedule child, relying on polling", "task_id", child.ID, "error", err)
		}
	}
}

func (s *Service) skipBlocked(ctx context.Context, child *domain.TaskInstance) {
	reason := "dependency already finished unsuccessfully"
	ok, err := s.instances.MarkSkipped(ctx, child.ID, reason)
	if err != nil {
		s.logger.Error("failed to skip child", "task_id", child.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	telemetry.TasksFinishedTotal.WithLabelValues(string(domain.TaskStatusSkipped)).Inc()
	child.Status = domain.TaskStatusSkipped
	child.ErrorMsg = reason
	s.finalize(ctx, child)
}
