// Package repotest содержит in-memory реализацию хранилищ repo для тестов.
//
// Store повторяет семантику SQL-запросов пакета repo: каждый метод
// выполняется под одним мьютексом, как одиночный UPDATE ... WHERE.
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/google/uuid"
)

// Store — общее in-memory состояние. Отдельные хранилища доступны
// через Definitions, Instances, Events и Triggers.
type Store struct {
	mu sync.Mutex

	definitions map[uuid.UUID]domain.TaskDefinition
	instances   map[string]*domain.TaskInstance
	events      map[string]struct{}
	triggers    map[uuid.UUID]repo.CronTrigger

	// Now — часы хранилища (аналог now() в БД).
	Now func() time.Time
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		definitions: make(map[uuid.UUID]domain.TaskDefinition),
		instances:   make(map[string]*domain.TaskInstance),
		events:      make(map[string]struct{}),
		triggers:    make(map[uuid.UUID]repo.CronTrigger),
		Now:         time.Now,
	}
}

// Definitions возвращает хранилище определений.
func (s *Store) Definitions() *DefinitionStore { return &DefinitionStore{s} }

// Instances возвращает хранилище экземпляров.
func (s *Store) Instances() *InstanceStore { return &InstanceStore{s} }

// Events возвращает журнал событий.
func (s *Store) Events() *EventStore { return &EventStore{s} }

// Triggers возвращает хранилище cron-триггеров.
func (s *Store) Triggers() *TriggerStore { return &TriggerStore{s} }

// AddDefinition сохраняет определение без проверок (для подготовки тестов).
func (s *Store) AddDefinition(def domain.TaskDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	s.definitions[def.ID] = def
}

var (
	_ repo.DefinitionStore = (*DefinitionStore)(nil)
	_ repo.InstanceStore   = (*InstanceStore)(nil)
	_ repo.EventStore      = (*EventStore)(nil)
	_ repo.TriggerStore    = (*TriggerStore)(nil)
)

// DefinitionStore — in-memory repo.DefinitionStore.
type DefinitionStore struct{ s *Store }

func (d *DefinitionStore) Create(ctx context.Context, def *domain.TaskDefinition) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, ok := d.s.definitions[def.ID]; ok {
		return repo.ErrAlreadyExists
	}
	for _, existing := range d.s.definitions {
		if existing.Name == def.Name {
			return repo.ErrAlreadyExists
		}
	}
	cp := *def
	cp.AggregationPolicy = cp.AggregationPolicy.OrDefault()
	d.s.definitions[def.ID] = cp
	return nil
}

func (d *DefinitionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.TaskDefinition, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	def, ok := d.s.definitions[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &def, nil
}

func (d *DefinitionStore) GetByName(ctx context.Context, name string) (*domain.TaskDefinition, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for _, def := range d.s.definitions {
		if def.Name == name {
			return &def, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (d *DefinitionStore) List(ctx context.Context, filter repo.DefinitionFilter) ([]domain.TaskDefinition, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var out []domain.TaskDefinition
	for _, def := range d.s.definitions {
		if filter.ScheduleType != "" && def.ScheduleType != filter.ScheduleType {
			continue
		}
		if filter.ActiveOnly && !def.IsActive {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (d *DefinitionStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	def, ok := d.s.definitions[id]
	if !ok {
		return repo.ErrNotFound
	}
	def.IsActive = active
	d.s.definitions[id] = def
	return nil
}

// EventStore — in-memory repo.EventStore.
type EventStore struct{ s *Store }

func (e *EventStore) TryRecord(ctx context.Context, evt *domain.TaskEvent) (bool, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if _, ok := e.s.events[evt.EventID]; ok {
		return false, nil
	}
	e.s.events[evt.EventID] = struct{}{}
	return true, nil
}

func (e *EventStore) Forget(ctx context.Context, eventID string) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	delete(e.s.events, eventID)
	return nil
}

// TriggerStore — in-memory repo.TriggerStore.
type TriggerStore struct{ s *Store }

func (t *TriggerStore) Ensure(ctx context.Context, definitionID uuid.UUID, nextDueAt time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.triggers[definitionID]; !ok {
		t.s.triggers[definitionID] = repo.CronTrigger{DefinitionID: definitionID, NextDueAt: nextDueAt}
	}
	return nil
}

func (t *TriggerStore) ListDue(ctx context.Context, now time.Time, limit int) ([]repo.CronTrigger, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []repo.CronTrigger
	for _, tr := range t.s.triggers {
		if !tr.NextDueAt.After(now) {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextDueAt.Before(out[j].NextDueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *TriggerStore) RecordFire(ctx context.Context, definitionID uuid.UUID, traceID *uuid.UUID, firedAt, nextDueAt time.Time) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tr, ok := t.s.triggers[definitionID]
	if !ok {
		return repo.ErrNotFound
	}
	fired := firedAt
	tr.LastFiredAt = &fired
	if traceID != nil {
		id := *traceID
		tr.LastTraceID = &id
	}
	tr.NextDueAt = nextDueAt
	t.s.triggers[definitionID] = tr
	return nil
}

func (t *TriggerStore) Delete(ctx context.Context, definitionID uuid.UUID) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	delete(t.s.triggers, definitionID)
	return nil
}

// Trigger возвращает состояние триггера (для проверок в тестах).
func (t *TriggerStore) Trigger(definitionID uuid.UUID) (repo.CronTrigger, bool) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tr, ok := t.s.triggers[definitionID]
	return tr, ok
}
