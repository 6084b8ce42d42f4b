package repo

import (
	"context"
	"fmt"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRepo — журнал обработанных событий воркеров.
type EventRepo struct {
	pool *pgxpool.Pool
}

// NewEventRepo создаёт новый EventRepo.
func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// TryRecord атомарно записывает eventId. false — событие уже обрабатывалось.
func (r *EventRepo) TryRecord(ctx context.Context, evt *domain.TaskEvent) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id, task_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`, evt.EventID, evt.TaskID, evt.EventType)
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// Forget удаляет запись о событии.
func (r *EventRepo) Forget(ctx context.Context, eventID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM processed_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("forget event: %w", err)
	}
	return nil
}
