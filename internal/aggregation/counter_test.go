package aggregation

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo/repotest"
	"github.com/google/uuid"
)

func setup(t *testing.T, policy domain.AggregationPolicy, children []domain.TaskStatus) (*Counter, *repotest.Store, string) {
	t.Helper()
	store := repotest.New()

	def := domain.TaskDefinition{
		ID:                uuid.New(),
		Name:              "parent",
		ActorType:         domain.ActorAgent,
		ScheduleType:      domain.ScheduleOnce,
		AggregationPolicy: policy,
		IsActive:          true,
	}
	store.AddDefinition(def)

	trace := uuid.New()
	parent := &domain.TaskInstance{
		ID:           "parent",
		TraceID:      trace,
		DefinitionID: def.ID,
		Status:       domain.TaskStatusPending,
		NodePath:     "parent",
		SplitCount:   len(children),
	}
	store.Instances().Put(parent)

	parentID := parent.ID
	for i, status := range children {
		id := fmt.Sprintf("child-%d", i)
		store.Instances().Put(&domain.TaskInstance{
			ID:       id,
			TraceID:  trace,
			ParentID: &parentID,
			Status:   status,
			NodePath: "parent/" + id,
			Depth:    1,
		})
	}

	return NewCounter(store.Instances(), store.Definitions(), nil), store, parentID
}

// --- Decide Tests ---

func TestDecide(t *testing.T) {
	mixed := map[domain.TaskStatus]int{domain.TaskStatusSuccess: 2, domain.TaskStatusFailed: 1}
	allOK := map[domain.TaskStatus]int{domain.TaskStatusSuccess: 3}
	none := map[domain.TaskStatus]int{domain.TaskStatusFailed: 2, domain.TaskStatusSkipped: 2}

	tests := []struct {
		policy domain.AggregationPolicy
		counts map[domain.TaskStatus]int
		split  int
		want   Decision
	}{
		{"", allOK, 3, DecisionActivate},
		{domain.PolicyAllRequired, mixed, 3, DecisionFail},
		{domain.PolicyBestEffort, none, 4, DecisionActivate},
		{domain.PolicyMajority, mixed, 3, DecisionActivate},
		{domain.PolicyMajority, map[domain.TaskStatus]int{domain.TaskStatusSuccess: 2}, 4, DecisionFail},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("%s/%d", tt.policy, tt.split)
		t.Run(name, func(t *testing.T) {
			if got := Decide(tt.policy, tt.counts, tt.split); got != tt.want {
				t.Errorf("Decide = %s, want %s", got, tt.want)
			}
		})
	}
}

// --- ChildFinished Tests ---

func TestChildFinished_ActivatesOnLastChild(t *testing.T) {
	statuses := []domain.TaskStatus{domain.TaskStatusSuccess, domain.TaskStatusSuccess}
	counter, store, parentID := setup(t, domain.PolicyAllRequired, statuses)
	ctx := context.Background()

	out, err := counter.ChildFinished(ctx, parentID)
	if err != nil {
		t.Fatalf("ChildFinished: %v", err)
	}
	if out.Activated || out.Progress.Completed != 1 {
		t.Fatalf("first child: unexpected outcome %+v", out)
	}

	out, err = counter.ChildFinished(ctx, parentID)
	if err != nil {
		t.Fatalf("ChildFinished: %v", err)
	}
	if !out.Activated || out.Decision != DecisionActivate {
		t.Fatalf("last child: expected activation, got %+v", out)
	}

	parent, _ := store.Instances().GetByID(ctx, parentID)
	if parent.Status != domain.TaskStatusRunning || parent.DispatchSeq != 1 {
		t.Errorf("parent = %s seq %d, want RUNNING seq 1", parent.Status, parent.DispatchSeq)
	}
}

func TestChildFinished_FailsParentUnderAllRequired(t *testing.T) {
	counter, store, parentID := setup(t, "", []domain.TaskStatus{domain.TaskStatusFailed})

	out, err := counter.ChildFinished(context.Background(), parentID)
	if err != nil {
		t.Fatalf("ChildFinished: %v", err)
	}
	if !out.Failed || out.Activated {
		t.Fatalf("expected parent failure, got %+v", out)
	}
	parent, _ := store.Instances().GetByID(context.Background(), parentID)
	if parent.Status != domain.TaskStatusFailed {
		t.Errorf("parent status = %s, want FAILED", parent.Status)
	}
}

func TestChildFinished_ClampsExtraNotification(t *testing.T) {
	counter, store, parentID := setup(t, domain.PolicyBestEffort, []domain.TaskStatus{domain.TaskStatusSuccess})
	ctx := context.Background()

	if _, err := counter.ChildFinished(ctx, parentID); err != nil {
		t.Fatalf("ChildFinished: %v", err)
	}
	out, err := counter.ChildFinished(ctx, parentID)
	if err != nil {
		t.Fatalf("ChildFinished: %v", err)
	}
	if !out.Progress.Clamped || out.Activated {
		t.Errorf("expected clamped outcome, got %+v", out)
	}
	parent, _ := store.Instances().GetByID(ctx, parentID)
	if parent.CompletedChildren != 1 {
		t.Errorf("completed_children = %d, want 1", parent.CompletedChildren)
	}
}

func TestChildFinished_ConcurrentCompletions(t *testing.T) {
	const n = 64
	statuses := make([]domain.TaskStatus, n)
	for i := range statuses {
		statuses[i] = domain.TaskStatusSuccess
	}
	counter, store, parentID := setup(t, domain.PolicyAllRequired, statuses)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		activated int
		reached   int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := counter.ChildFinished(context.Background(), parentID)
			if err != nil {
				t.Errorf("ChildFinished: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if out.Activated {
				activated++
			}
			if out.Decision != "" {
				reached++
			}
		}()
	}
	wg.Wait()

	if activated != 1 {
		t.Errorf("activated = %d, want exactly 1", activated)
	}
	if reached != 1 {
		t.Errorf("threshold observed %d times, want 1", reached)
	}
	parent, _ := store.Instances().GetByID(context.Background(), parentID)
	if parent.CompletedChildren != n || parent.Status != domain.TaskStatusRunning {
		t.Errorf("parent = %d/%d %s", parent.CompletedChildren, parent.SplitCount, parent.Status)
	}
}

func TestReevaluate_RecoversStalledParent(t *testing.T) {
	counter, _, parentID := setup(t, domain.PolicyAllRequired, []domain.TaskStatus{domain.TaskStatusSuccess})
	ctx := context.Background()

	// Инкремент прошёл, активация потеряна.
	if _, err := counter.Increment(ctx, parentID); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	out, err := counter.Reevaluate(ctx, parentID)
	if err != nil {
		t.Fatalf("Reevaluate: %v", err)
	}
	if !out.Activated {
		t.Errorf("expected activation, got %+v", out)
	}

	out, err = counter.Reevaluate(ctx, parentID)
	if err != nil {
		t.Fatalf("Reevaluate: %v", err)
	}
	if out.Activated {
		t.Error("second reevaluation must not activate again")
	}
}
