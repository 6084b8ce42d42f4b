package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo/repotest"
	"github.com/google/uuid"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func instance(id string, traceID uuid.UUID, status domain.TaskStatus, deps ...string) *domain.TaskInstance {
	return &domain.TaskInstance{
		ID:          id,
		TraceID:     traceID,
		Status:      status,
		NodePath:    id,
		DependsOn:   deps,
		AvailableAt: testNow.Add(-time.Minute),
	}
}

func newResolver(instances ...*domain.TaskInstance) *Resolver {
	store := repotest.New()
	store.Now = func() time.Time { return testNow }
	for _, inst := range instances {
		store.Instances().Put(inst)
	}
	return New(store.Instances(), 0, func() time.Time { return testNow })
}

func ids(list []domain.TaskInstance) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, inst := range list {
		out[inst.ID] = true
	}
	return out
}

// --- FindReadyTasks Tests ---

func TestFindReadyTasks_DependencyGating(t *testing.T) {
	trace := uuid.New()
	r := newResolver(
		instance("a", trace, domain.TaskStatusSuccess),
		instance("b", trace, domain.TaskStatusRunning),
		instance("free", trace, domain.TaskStatusPending),
		instance("after-a", trace, domain.TaskStatusPending, "a"),
		instance("after-b", trace, domain.TaskStatusPending, "b"),
		instance("after-both", trace, domain.TaskStatusPending, "a", "b"),
		instance("after-missing", trace, domain.TaskStatusPending, "ghost"),
	)

	ready, err := r.FindReadyTasks(context.Background())
	if err != nil {
		t.Fatalf("FindReadyTasks: %v", err)
	}

	got := ids(ready)
	want := map[string]bool{"free": true, "after-a": true}
	if len(got) != len(want) {
		t.Fatalf("ready = %v, want %v", got, want)
	}
	for id := range want {
		if !got[id] {
			t.Errorf("expected %s to be ready", id)
		}
	}
}

func TestFindReadyTasks_SkipsDelayedAndSplitting(t *testing.T) {
	trace := uuid.New()
	delayed := instance("delayed", trace, domain.TaskStatusPending)
	delayed.AvailableAt = testNow.Add(time.Minute)
	waiting := instance("waiting", trace, domain.TaskStatusPending)
	waiting.SplitCount = 2

	r := newResolver(delayed, waiting)
	ready, err := r.FindReadyTasks(context.Background())
	if err != nil {
		t.Fatalf("FindReadyTasks: %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("expected nothing ready, got %v", ids(ready))
	}
}

func TestFindReadyInTrace(t *testing.T) {
	t1, t2 := uuid.New(), uuid.New()
	r := newResolver(
		instance("x", t1, domain.TaskStatusPending),
		instance("y", t2, domain.TaskStatusPending),
	)

	ready, err := r.FindReadyInTrace(context.Background(), t2)
	if err != nil {
		t.Fatalf("FindReadyInTrace: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "y" {
		t.Errorf("ready = %v, want [y]", ids(ready))
	}
}

// --- IsReady Tests ---

func TestIsReady(t *testing.T) {
	trace := uuid.New()
	done := instance("done", trace, domain.TaskStatusSuccess)
	failed := instance("failed", trace, domain.TaskStatusFailed)
	r := newResolver(done, failed)

	future := instance("future", trace, domain.TaskStatusPending)
	future.AvailableAt = testNow.Add(time.Hour)

	tests := []struct {
		name string
		inst *domain.TaskInstance
		want bool
	}{
		{"no deps", instance("n", trace, domain.TaskStatusPending), true},
		{"dep success", instance("n", trace, domain.TaskStatusPending, "done"), true},
		{"dep failed", instance("n", trace, domain.TaskStatusPending, "failed"), false},
		{"not pending", instance("n", trace, domain.TaskStatusRunning), false},
		{"not yet available", future, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.IsReady(context.Background(), tt.inst)
			if err != nil {
				t.Fatalf("IsReady: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsReady = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBlocked(t *testing.T) {
	statuses := map[string]domain.TaskStatus{
		"ok":      domain.TaskStatusSuccess,
		"running": domain.TaskStatusRunning,
		"skipped": domain.TaskStatusSkipped,
	}
	if Blocked([]string{"ok", "running"}, statuses) {
		t.Error("running dependency must not block")
	}
	if !Blocked([]string{"ok", "skipped"}, statuses) {
		t.Error("skipped dependency must block")
	}
}

// --- ValidateGraph Tests ---

func TestValidateGraph(t *testing.T) {
	tests := []struct {
		name    string
		nodes   []Node
		wantErr error
	}{
		{
			name:  "chain",
			nodes: []Node{{Key: "a"}, {Key: "b", DependsOn: []string{"a"}}, {Key: "c", DependsOn: []string{"b"}}},
		},
		{
			name:  "external dependency",
			nodes: []Node{{Key: "a", DependsOn: []string{"01HEXISTING"}}},
		},
		{
			name:    "cycle",
			nodes:   []Node{{Key: "a", DependsOn: []string{"b"}}, {Key: "b", DependsOn: []string{"a"}}},
			wantErr: ErrCycle,
		},
		{
			name:    "self",
			nodes:   []Node{{Key: "a", DependsOn: []string{"a"}}},
			wantErr: ErrSelfDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := ValidateGraph(tt.nodes)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(order) != len(tt.nodes) {
				t.Fatalf("order = %v", order)
			}
			pos := make(map[string]int)
			for i, k := range order {
				pos[k] = i
			}
			for _, n := range tt.nodes {
				for _, dep := range n.DependsOn {
					if p, ok := pos[dep]; ok && p > pos[n.Key] {
						t.Errorf("%s sorted before its dependency %s", n.Key, dep)
					}
				}
			}
		})
	}
}

func TestValidateGraph_DuplicateKey(t *testing.T) {
	if _, err := ValidateGraph([]Node{{Key: "a"}, {Key: "a"}}); err == nil {
		t.Error("expected error for duplicate key")
	}
}
