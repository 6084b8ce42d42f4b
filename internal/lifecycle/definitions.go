package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/scheduler"
	"github.com/google/uuid"
)

// CreateDefinition проверяет и сохраняет новое определение.
func (s *Service) CreateDefinition(ctx context.Context, def *domain.TaskDefinition) (*domain.TaskDefinition, error) {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	def.CreatedAt = s.clock()
	def.AggregationPolicy = def.AggregationPolicy.OrDefault()

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if def.ScheduleType == domain.ScheduleCron {
		if err := scheduler.ValidateCronExpr(def.CronExpr); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	err := s.definitions.Create(ctx, def)
	if errors.Is(err, repo.ErrAlreadyExists) {
		return nil, fmt.Errorf("%w: definition %q already exists", ErrValidation, def.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("create definition: %w", err)
	}

	s.logger.Info("definition created",
		"definition_id", def.ID,
		"name", def.Name,
		"actor_type", def.ActorType,
		"schedule_type", def.ScheduleType,
	)
	return def, nil
}

// SetDefinitionActive включает или выключает определение. Выключенное
// определение не запускает новых trace, уже идущие не затрагиваются.
func (s *Service) SetDefinitionActive(ctx context.Context, id uuid.UUID, active bool) error {
	err := s.definitions.SetActive(ctx, id, active)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrDefinitionNotFound
	}
	if err != nil {
		return fmt.Errorf("set definition active: %w", err)
	}
	s.logger.Info("definition activity changed", "definition_id", id, "active", active)
	return nil
}
