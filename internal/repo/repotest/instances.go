package repotest

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/google/uuid"
)

// InstanceStore — in-memory repo.InstanceStore.
type InstanceStore struct{ s *Store }

func clone(inst *domain.TaskInstance) *domain.TaskInstance {
	cp := *inst
	cp.DependsOn = slices.Clone(inst.DependsOn)
	return &cp
}

func (st *InstanceStore) Create(ctx context.Context, inst *domain.TaskInstance) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return st.insertLocked(inst)
}

func (st *InstanceStore) insertLocked(inst *domain.TaskInstance) error {
	if _, ok := st.s.instances[inst.ID]; ok {
		return repo.ErrAlreadyExists
	}
	if inst.ParentID == nil && inst.CronTriggerTime != nil {
		for _, other := range st.s.instances {
			if other.ParentID == nil && other.CronTriggerTime != nil &&
				other.DefinitionID == inst.DefinitionID &&
				other.CronTriggerTime.Equal(*inst.CronTriggerTime) {
				return repo.ErrAlreadyExists
			}
		}
	}
	st.s.instances[inst.ID] = clone(inst)
	return nil
}

func (st *InstanceStore) GetByID(ctx context.Context, id string) (*domain.TaskInstance, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	inst, ok := st.s.instances[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return clone(inst), nil
}

func (st *InstanceStore) selectLocked(pred func(*domain.TaskInstance) bool, less func(a, b *domain.TaskInstance) bool, limit int) []domain.TaskInstance {
	var matched []*domain.TaskInstance
	for _, inst := range st.s.instances {
		if pred(inst) {
			matched = append(matched, inst)
		}
	}
	if less == nil {
		less = func(a, b *domain.TaskInstance) bool { return a.ID < b.ID }
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]domain.TaskInstance, 0, len(matched))
	for _, inst := range matched {
		out = append(out, *clone(inst))
	}
	return out
}

func (st *InstanceStore) ListByTrace(ctx context.Context, filter repo.InstanceFilter) ([]domain.TaskInstance, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return st.selectLocked(func(inst *domain.TaskInstance) bool {
		if inst.TraceID != filter.TraceID {
			return false
		}
		if filter.Status != "" && inst.Status != filter.Status {
			return false
		}
		if filter.Layer != nil && inst.Depth != *filter.Layer {
			return false
		}
		return true
	}, func(a, b *domain.TaskInstance) bool { return a.NodePath < b.NodePath }, filter.Limit), nil
}

func (st *InstanceStore) ListChildren(ctx context.Context, parentID string) ([]domain.TaskInstance, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return st.selectLocked(func(inst *domain.TaskInstance) bool {
		return inst.ParentID != nil && *inst.ParentID == parentID
	}, nil, 0), nil
}

func (st *InstanceStore) ListDependents(ctx context.Context, traceID uuid.UUID, id string) ([]domain.TaskInstance, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return st.selectLocked(func(inst *domain.TaskInstance) bool {
		return inst.TraceID == traceID && inst.Status == domain.TaskStatusPending &&
			slices.Contains(inst.DependsOn, id)
	}, nil, 0), nil
}

func (st *InstanceStore) ListPending(ctx context.Context, filter repo.PendingFilter) ([]domain.TaskInstance, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	now := filter.Now
	if now.IsZero() {
		now = st.s.Now()
	}
	return st.selectLocked(func(inst *domain.TaskInstance) bool {
		if filter.TraceID != nil && inst.TraceID != *filter.TraceID {
			return false
		}
		return inst.Status == domain.TaskStatusPending && !inst.AvailableAt.After(now) && inst.SplitCount == 0
	}, func(a, b *domain.TaskInstance) bool {
		if !a.AvailableAt.Equal(b.AvailableAt) {
			return a.AvailableAt.Before(b.AvailableAt)
		}
		return a.ID < b.ID
	}, filter.Limit), nil
}

func (st *InstanceStore) ListStalledAggregators(ctx context.Context, olderThan time.Time, limit int) ([]domain.TaskInstance, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return st.selectLocked(func(inst *domain.TaskInstance) bool {
		return inst.Status == domain.TaskStatusPending && inst.InAggregationPhase() &&
			inst.UpdatedAt.Before(olderThan)
	}, nil, limit), nil
}

func (st *InstanceStore) StatusesByIDs(ctx context.Context, ids []string) (map[string]domain.TaskStatus, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	out := make(map[string]domain.TaskStatus, len(ids))
	for _, id := range ids {
		if inst, ok := st.s.instances[id]; ok {
			out[id] = inst.Status
		}
	}
	return out, nil
}

func (st *InstanceStore) CountChildrenByStatus(ctx context.Context, parentID string, round int) (map[domain.TaskStatus]int, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	counts := make(map[domain.TaskStatus]int)
	for _, inst := range st.s.instances {
		if inst.ParentID != nil && *inst.ParentID == parentID && inst.ParentRound == round {
			counts[inst.Status]++
		}
	}
	return counts, nil
}

func (st *InstanceStore) RegisterChildren(ctx context.Context, parentID string, children []*domain.TaskInstance) (*domain.TaskInstance, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	parent, ok := st.s.instances[parentID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if parent.Status != domain.TaskStatusRunning {
		return nil, repo.ErrInvalidState
	}
	for _, child := range children {
		if _, ok := st.s.instances[child.ID]; ok {
			return nil, repo.ErrAlreadyExists
		}
	}
	for _, child := range children {
		st.s.instances[child.ID] = clone(child)
	}
	parent.SplitCount += len(children)
	parent.Status = domain.TaskStatusPending
	parent.UpdatedAt = st.s.Now()
	return clone(parent), nil
}

// update применяет fn к экземпляру, если pred истинен. Аналог UPDATE ... WHERE.
func (st *InstanceStore) update(id string, pred func(*domain.TaskInstance) bool, fn func(*domain.TaskInstance)) bool {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	inst, ok := st.s.instances[id]
	if !ok || !pred(inst) {
		return false
	}
	fn(inst)
	inst.UpdatedAt = st.s.Now()
	return true
}

func seqMatches(inst *domain.TaskInstance, seq int) bool {
	return seq == 0 || inst.DispatchSeq == seq
}

func (st *InstanceStore) start(inst *domain.TaskInstance) {
	now := st.s.Now()
	inst.Status = domain.TaskStatusRunning
	inst.DispatchSeq++
	inst.StartedAt = &now
}

func (st *InstanceStore) finish(inst *domain.TaskInstance, status domain.TaskStatus) {
	now := st.s.Now()
	inst.Status = status
	inst.FinishedAt = &now
}

func (st *InstanceStore) Admit(ctx context.Context, id string, round int) (int, bool, error) {
	var seq int
	ok := st.update(id, func(inst *domain.TaskInstance) bool {
		return inst.Status == domain.TaskStatusPending && inst.RoundIndex == round &&
			inst.SplitCount == 0 && !inst.AvailableAt.After(st.s.Now())
	}, func(inst *domain.TaskInstance) {
		st.start(inst)
		seq = inst.DispatchSeq
	})
	return seq, ok, nil
}

func (st *InstanceStore) ActivateAggregator(ctx context.Context, id string) (int, bool, error) {
	var seq int
	ok := st.update(id, func(inst *domain.TaskInstance) bool {
		return inst.Status == domain.TaskStatusPending && inst.InAggregationPhase()
	}, func(inst *domain.TaskInstance) {
		st.start(inst)
		seq = inst.DispatchSeq
	})
	return seq, ok, nil
}

func (st *InstanceStore) ReleaseAdmission(ctx context.Context, id string, seq int) (bool, error) {
	return st.update(id, func(inst *domain.TaskInstance) bool {
		return inst.Status == domain.TaskStatusRunning && inst.DispatchSeq == seq
	}, func(inst *domain.TaskInstance) {
		inst.Status = domain.TaskStatusPending
		inst.StartedAt = nil
	}), nil
}

func (st *InstanceStore) MarkSucceeded(ctx context.Context, id string, seq int, outputRef string) (bool, error) {
	return st.update(id, func(inst *domain.TaskInstance) bool {
		return inst.Status == domain.TaskStatusRunning && seqMatches(inst, seq)
	}, func(inst *domain.TaskInstance) {
		st.finish(inst, domain.TaskStatusSuccess)
		inst.OutputRef = outputRef
		inst.ErrorMsg = ""
	}), nil
}

func isActive(inst *domain.TaskInstance) bool {
	return inst.Status == domain.TaskStatusPending || inst.Status == domain.TaskStatusRunning
}

func (st *InstanceStore) MarkFailed(ctx context.Context, id string, seq int, errMsg string) (bool, error) {
	return st.update(id, func(inst *domain.TaskInstance) bool {
		return isActive(inst) && seqMatches(inst, seq)
	}, func(inst *domain.TaskInstance) {
		st.finish(inst, domain.TaskStatusFailed)
		inst.ErrorMsg = errMsg
	}), nil
}

func (st *InstanceStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return st.update(id, isActive, func(inst *domain.TaskInstance) {
		st.finish(inst, domain.TaskStatusCancelled)
	}), nil
}

func (st *InstanceStore) MarkSkipped(ctx context.Context, id string, reason string) (bool, error) {
	return st.update(id, func(inst *domain.TaskInstance) bool {
		return inst.Status == domain.TaskStatusPending
	}, func(inst *domain.TaskInstance) {
		st.finish(inst, domain.TaskStatusSkipped)
		inst.ErrorMsg = reason
	}), nil
}

func (st *InstanceStore) ResetForRetry(ctx context.Context, id string, seq int, errMsg string, availableAt time.Time) (bool, error) {
	return st.update(id, func(inst *domain.TaskInstance) bool {
		return inst.Status == domain.TaskStatusRunning && seqMatches(inst, seq) && inst.CanRetry()
	}, func(inst *domain.TaskInstance) {
		inst.Status = domain.TaskStatusPending
		inst.RetryCount++
		inst.ErrorMsg = errMsg
		inst.AvailableAt = availableAt
		inst.StartedAt = nil
	}), nil
}

func (st *InstanceStore) RearmLoop(ctx context.Context, id string, round int, availableAt time.Time) (bool, error) {
	return st.update(id, func(inst *domain.TaskInstance) bool {
		return inst.Status == domain.TaskStatusSuccess && inst.ScheduleType == domain.ScheduleLoop &&
			inst.RoundIndex == round
	}, func(inst *domain.TaskInstance) {
		inst.Status = domain.TaskStatusPending
		inst.RoundIndex++
		inst.RetryCount = 0
		inst.SplitCount = 0
		inst.CompletedChildren = 0
		inst.AvailableAt = availableAt
		inst.StartedAt = nil
		inst.FinishedAt = nil
	}), nil
}

func (st *InstanceStore) IncrementCompletedChildren(ctx context.Context, parentID string) (repo.ChildProgress, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	inst, ok := st.s.instances[parentID]
	if !ok {
		return repo.ChildProgress{}, repo.ErrNotFound
	}
	if inst.CompletedChildren >= inst.SplitCount {
		return repo.ChildProgress{Completed: inst.CompletedChildren, Split: inst.SplitCount, Clamped: true}, nil
	}
	inst.CompletedChildren++
	inst.UpdatedAt = st.s.Now()
	return repo.ChildProgress{Completed: inst.CompletedChildren, Split: inst.SplitCount}, nil
}

func (st *InstanceStore) CancelTrace(ctx context.Context, traceID uuid.UUID) ([]string, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	var ids []string
	for _, inst := range st.s.instances {
		if inst.TraceID == traceID && isActive(inst) {
			st.finish(inst, domain.TaskStatusCancelled)
			inst.UpdatedAt = st.s.Now()
			ids = append(ids, inst.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Put сохраняет экземпляр как есть (для подготовки тестов).
func (st *InstanceStore) Put(inst *domain.TaskInstance) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	st.s.instances[inst.ID] = clone(inst)
}

// ByPathPrefix возвращает экземпляры поддерева по префиксу NodePath.
func (st *InstanceStore) ByPathPrefix(prefix string) []domain.TaskInstance {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	return st.selectLocked(func(inst *domain.TaskInstance) bool {
		return strings.HasPrefix(inst.NodePath, prefix)
	}, nil, 0)
}
