package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefinitionRepo — репозиторий определений задач.
type DefinitionRepo struct {
	pool *pgxpool.Pool
}

// NewDefinitionRepo создаёт новый DefinitionRepo.
func NewDefinitionRepo(pool *pgxpool.Pool) *DefinitionRepo {
	return &DefinitionRepo{pool: pool}
}

const definitionColumns = `
	id, name, actor_type, code_ref, schedule_type, cron_expr, loop_config,
	default_params, aggregation_policy, timeout_sec, max_retries, is_active, created_at`

// Create сохраняет новое определение.
func (r *DefinitionRepo) Create(ctx context.Context, def *domain.TaskDefinition) error {
	paramsJSON, err := json.Marshal(def.DefaultParams)
	if err != nil {
		return fmt.Errorf("marshal default params: %w", err)
	}
	var loopJSON []byte
	if def.LoopConfig != nil {
		if loopJSON, err = json.Marshal(def.LoopConfig); err != nil {
			return fmt.Errorf("marshal loop config: %w", err)
		}
	}

	query := `
		INSERT INTO task_definitions (` + definitionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.pool.Exec(ctx, query,
		def.ID,
		def.Name,
		def.ActorType,
		def.CodeRef,
		def.ScheduleType,
		nullString(def.CronExpr),
		loopJSON,
		paramsJSON,
		def.AggregationPolicy.OrDefault(),
		def.TimeoutSec,
		def.MaxRetries,
		def.IsActive,
		def.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert task definition: %w", err)
	}
	return nil
}

// GetByID возвращает определение по ID.
func (r *DefinitionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.TaskDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM task_definitions WHERE id = $1`
	return scanDefinition(r.pool.QueryRow(ctx, query, id))
}

// GetByName возвращает определение по имени.
func (r *DefinitionRepo) GetByName(ctx context.Context, name string) (*domain.TaskDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM task_definitions WHERE name = $1`
	return scanDefinition(r.pool.QueryRow(ctx, query, name))
}

// List возвращает определения с фильтрацией.
func (r *DefinitionRepo) List(ctx context.Context, filter DefinitionFilter) ([]domain.TaskDefinition, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	query := `
		SELECT ` + definitionColumns + `
		FROM task_definitions
		WHERE ($1::text IS NULL OR schedule_type = $1)
		  AND (NOT $2 OR is_active)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(string(filter.ScheduleType)),
		filter.ActiveOnly,
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list task definitions: %w", err)
	}
	defer rows.Close()

	var defs []domain.TaskDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

// SetActive включает или выключает определение.
func (r *DefinitionRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	result, err := r.pool.Exec(ctx, `UPDATE task_definitions SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update task definition: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanDefinition сканирует одну строку в TaskDefinition.
func scanDefinition(row pgx.Row) (*domain.TaskDefinition, error) {
	var def domain.TaskDefinition
	var cronExpr *string
	var loopJSON, paramsJSON []byte

	err := row.Scan(
		&def.ID,
		&def.Name,
		&def.ActorType,
		&def.CodeRef,
		&def.ScheduleType,
		&cronExpr,
		&loopJSON,
		&paramsJSON,
		&def.AggregationPolicy,
		&def.TimeoutSec,
		&def.MaxRetries,
		&def.IsActive,
		&def.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task definition: %w", err)
	}

	if cronExpr != nil {
		def.CronExpr = *cronExpr
	}
	if loopJSON != nil {
		def.LoopConfig = &domain.LoopConfig{}
		if err := json.Unmarshal(loopJSON, def.LoopConfig); err != nil {
			return nil, fmt.Errorf("unmarshal loop config: %w", err)
		}
	}
	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &def.DefaultParams); err != nil {
			return nil, fmt.Errorf("unmarshal default params: %w", err)
		}
	}
	return &def, nil
}
