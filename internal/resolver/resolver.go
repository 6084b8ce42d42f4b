package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/gammazero/toposort"
	"github.com/google/uuid"
)

// DefaultBatchSize — сколько кандидатов читается за один проход.
const DefaultBatchSize = 100

var (
	// ErrCycle — граф зависимостей содержит цикл.
	ErrCycle = errors.New("dependency cycle")

	// ErrSelfDependency — узел зависит сам от себя.
	ErrSelfDependency = errors.New("self dependency")
)

// Resolver определяет, какие PENDING-экземпляры готовы к допуску.
//
// Чтение снимочное: статус зависимостей может измениться сразу после
// проверки, поэтому окончательное решение принимает CAS при допуске.
type Resolver struct {
	instances repo.InstanceStore
	batchSize int
	now       func() time.Time
}

// New создаёт Resolver.
func New(instances repo.InstanceStore, batchSize int, now func() time.Time) *Resolver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{instances: instances, batchSize: batchSize, now: now}
}

// FindReadyTasks возвращает готовые экземпляры всех trace.
func (r *Resolver) FindReadyTasks(ctx context.Context) ([]domain.TaskInstance, error) {
	return r.find(ctx, nil)
}

// FindReadyInTrace возвращает готовые экземпляры одного trace.
func (r *Resolver) FindReadyInTrace(ctx context.Context, traceID uuid.UUID) ([]domain.TaskInstance, error) {
	return r.find(ctx, &traceID)
}

func (r *Resolver) find(ctx context.Context, traceID *uuid.UUID) ([]domain.TaskInstance, error) {
	candidates, err := r.instances.ListPending(ctx, repo.PendingFilter{
		TraceID: traceID,
		Now:     r.now(),
		Limit:   r.batchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	var depIDs []string
	seen := make(map[string]struct{})
	for _, inst := range candidates {
		for _, dep := range inst.DependsOn {
			if _, ok := seen[dep]; !ok {
				seen[dep] = struct{}{}
				depIDs = append(depIDs, dep)
			}
		}
	}

	statuses := map[string]domain.TaskStatus{}
	if len(depIDs) > 0 {
		if statuses, err = r.instances.StatusesByIDs(ctx, depIDs); err != nil {
			return nil, fmt.Errorf("load dependency statuses: %w", err)
		}
	}

	ready := make([]domain.TaskInstance, 0, len(candidates))
	for _, inst := range candidates {
		if dependenciesMet(inst.DependsOn, statuses) {
			ready = append(ready, inst)
		}
	}
	return ready, nil
}

// IsReady проверяет один экземпляр: PENDING, не ждёт детей, срок наступил,
// все зависимости в SUCCESS.
func (r *Resolver) IsReady(ctx context.Context, inst *domain.TaskInstance) (bool, error) {
	if inst.Status != domain.TaskStatusPending || inst.SplitCount > 0 {
		return false, nil
	}
	if inst.AvailableAt.After(r.now()) {
		return false, nil
	}
	if len(inst.DependsOn) == 0 {
		return true, nil
	}
	statuses, err := r.instances.StatusesByIDs(ctx, inst.DependsOn)
	if err != nil {
		return false, fmt.Errorf("load dependency statuses: %w", err)
	}
	return dependenciesMet(inst.DependsOn, statuses), nil
}

// Blocked возвращает true, если одна из зависимостей уже не сможет
// завершиться успешно.
func Blocked(deps []string, statuses map[string]domain.TaskStatus) bool {
	for _, dep := range deps {
		switch statuses[dep] {
		case domain.TaskStatusFailed, domain.TaskStatusCancelled, domain.TaskStatusSkipped:
			return true
		}
	}
	return false
}

func dependenciesMet(deps []string, statuses map[string]domain.TaskStatus) bool {
	for _, dep := range deps {
		if statuses[dep] != domain.TaskStatusSuccess {
			return false
		}
	}
	return true
}

// Node — вершина графа зависимостей между братьями.
type Node struct {
	Key       string
	DependsOn []string
}

// ValidateGraph проверяет граф братьев и возвращает ключи в порядке
// топологической сортировки. Зависимости на ключи вне nodes считаются
// внешними (уже существующие экземпляры) и в сортировке не участвуют.
func ValidateGraph(nodes []Node) ([]string, error) {
	keys := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.Key == "" {
			return nil, fmt.Errorf("empty node key")
		}
		if _, dup := keys[n.Key]; dup {
			return nil, fmt.Errorf("duplicate node key %q", n.Key)
		}
		keys[n.Key] = struct{}{}
	}

	var edges []toposort.Edge
	for _, n := range nodes {
		edges = append(edges, toposort.Edge{nil, n.Key})
		for _, dep := range n.DependsOn {
			if dep == n.Key {
				return nil, fmt.Errorf("%w: %q", ErrSelfDependency, n.Key)
			}
			if _, sibling := keys[dep]; sibling {
				edges = append(edges, toposort.Edge{dep, n.Key})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}

	order := make([]string, 0, len(nodes))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(string))
		}
	}
	if len(order) != len(nodes) {
		return nil, ErrCycle
	}
	return order, nil
}
