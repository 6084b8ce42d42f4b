package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TriggerRepo — состояние cron-триггеров определений.
type TriggerRepo struct {
	pool *pgxpool.Pool
}

// NewTriggerRepo создаёт новый TriggerRepo.
func NewTriggerRepo(pool *pgxpool.Pool) *TriggerRepo {
	return &TriggerRepo{pool: pool}
}

// Ensure создаёт триггер, если его ещё нет. Существующий не трогает.
func (r *TriggerRepo) Ensure(ctx context.Context, definitionID uuid.UUID, nextDueAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cron_triggers (definition_id, next_due_at)
		VALUES ($1, $2)
		ON CONFLICT (definition_id) DO NOTHING
	`, definitionID, nextDueAt)
	if err != nil {
		return fmt.Errorf("ensure cron trigger: %w", err)
	}
	return nil
}

// ListDue возвращает триггеры с истекшим next_due_at.
func (r *TriggerRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]CronTrigger, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT definition_id, next_due_at, last_fired_at, last_trace_id
		FROM cron_triggers
		WHERE next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due triggers: %w", err)
	}
	defer rows.Close()

	var triggers []CronTrigger
	for rows.Next() {
		var t CronTrigger
		if err := rows.Scan(&t.DefinitionID, &t.NextDueAt, &t.LastFiredAt, &t.LastTraceID); err != nil {
			return nil, fmt.Errorf("scan cron trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// RecordFire сохраняет результат тика и следующее время срабатывания.
func (r *TriggerRepo) RecordFire(ctx context.Context, definitionID uuid.UUID, traceID *uuid.UUID, firedAt, nextDueAt time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE cron_triggers
		SET last_fired_at = $2, last_trace_id = COALESCE($3, last_trace_id),
		    next_due_at = $4, updated_at = now()
		WHERE definition_id = $1
	`, definitionID, firedAt, traceID, nextDueAt)
	if err != nil {
		return fmt.Errorf("record cron fire: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет триггер (определение выключено или больше не CRON).
func (r *TriggerRepo) Delete(ctx context.Context, definitionID uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM cron_triggers WHERE definition_id = $1`, definitionID); err != nil {
		return fmt.Errorf("delete cron trigger: %w", err)
	}
	return nil
}
