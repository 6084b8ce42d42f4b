package repo

import (
	"context"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/google/uuid"
)

// DefinitionStore — хранилище определений задач.
type DefinitionStore interface {
	Create(ctx context.Context, def *domain.TaskDefinition) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.TaskDefinition, error)
	GetByName(ctx context.Context, name string) (*domain.TaskDefinition, error)
	List(ctx context.Context, filter DefinitionFilter) ([]domain.TaskDefinition, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// InstanceStore — хранилище экземпляров задач.
//
// Все методы Mark*/Admit*/Reset*/Rearm* — CAS-переходы одним запросом:
// false означает, что строка уже не в ожидаемом состоянии.
type InstanceStore interface {
	Create(ctx context.Context, inst *domain.TaskInstance) error
	GetByID(ctx context.Context, id string) (*domain.TaskInstance, error)
	ListByTrace(ctx context.Context, filter InstanceFilter) ([]domain.TaskInstance, error)
	ListChildren(ctx context.Context, parentID string) ([]domain.TaskInstance, error)
	ListDependents(ctx context.Context, traceID uuid.UUID, id string) ([]domain.TaskInstance, error)
	ListPending(ctx context.Context, filter PendingFilter) ([]domain.TaskInstance, error)
	ListStalledAggregators(ctx context.Context, olderThan time.Time, limit int) ([]domain.TaskInstance, error)
	StatusesByIDs(ctx context.Context, ids []string) (map[string]domain.TaskStatus, error)
	CountChildrenByStatus(ctx context.Context, parentID string, round int) (map[domain.TaskStatus]int, error)

	RegisterChildren(ctx context.Context, parentID string, children []*domain.TaskInstance) (*domain.TaskInstance, error)

	Admit(ctx context.Context, id string, round int) (int, bool, error)
	ActivateAggregator(ctx context.Context, id string) (int, bool, error)
	ReleaseAdmission(ctx context.Context, id string, seq int) (bool, error)
	MarkSucceeded(ctx context.Context, id string, seq int, outputRef string) (bool, error)
	MarkFailed(ctx context.Context, id string, seq int, errMsg string) (bool, error)
	MarkCancelled(ctx context.Context, id string) (bool, error)
	MarkSkipped(ctx context.Context, id string, reason string) (bool, error)
	ResetForRetry(ctx context.Context, id string, seq int, errMsg string, availableAt time.Time) (bool, error)
	RearmLoop(ctx context.Context, id string, round int, availableAt time.Time) (bool, error)

	IncrementCompletedChildren(ctx context.Context, parentID string) (ChildProgress, error)
	CancelTrace(ctx context.Context, traceID uuid.UUID) ([]string, error)
}

// EventStore — журнал обработанных событий для дедупликации по eventId.
type EventStore interface {
	// TryRecord записывает событие и возвращает false, если оно уже было.
	TryRecord(ctx context.Context, evt *domain.TaskEvent) (bool, error)

	// Forget удаляет запись, чтобы повторная доставка обработала событие снова.
	Forget(ctx context.Context, eventID string) error
}

// TriggerStore — состояние cron-триггеров.
type TriggerStore interface {
	Ensure(ctx context.Context, definitionID uuid.UUID, nextDueAt time.Time) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]CronTrigger, error)
	RecordFire(ctx context.Context, definitionID uuid.UUID, traceID *uuid.UUID, firedAt, nextDueAt time.Time) error
	Delete(ctx context.Context, definitionID uuid.UUID) error
}

// DefinitionFilter — параметры фильтрации определений.
type DefinitionFilter struct {
	ScheduleType domain.ScheduleType
	ActiveOnly   bool
	Limit        int
	Offset       int
}

// InstanceFilter — параметры запроса экземпляров trace.
type InstanceFilter struct {
	TraceID uuid.UUID
	Status  domain.TaskStatus
	// Layer — уровень в дереве, nil — все уровни.
	Layer *int
	Limit int
}

// PendingFilter — параметры выборки кандидатов на допуск.
type PendingFilter struct {
	// TraceID — ограничить одним trace (nil — все).
	TraceID *uuid.UUID
	Now     time.Time
	Limit   int
}

// ChildProgress — результат атомарного инкремента счётчика детей.
type ChildProgress struct {
	Completed int
	Split     int
	// Clamped — инкремент превысил бы SplitCount, значение не изменено.
	Clamped bool
}

// Reached возвращает true, когда завершились все ожидаемые дети.
func (p ChildProgress) Reached() bool {
	return p.Split > 0 && p.Completed >= p.Split
}

// CronTrigger — состояние расписания одного CRON-определения.
type CronTrigger struct {
	DefinitionID uuid.UUID
	NextDueAt    time.Time
	LastFiredAt  *time.Time
	LastTraceID  *uuid.UUID
}
