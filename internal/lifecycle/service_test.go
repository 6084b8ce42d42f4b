package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lease"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/google/uuid"
)

// --- StartNewTrace Tests ---

func TestStartNewTrace(t *testing.T) {
	h := newHarness(t)
	defID := h.define("report", domain.ActorExecution, domain.ScheduleOnce, func(d *domain.TaskDefinition) {
		d.DefaultParams = map[string]any{"region": "eu", "limit": 10}
	})

	traceID, err := h.svc.StartNewTrace(context.Background(), defID, map[string]any{"limit": 5})
	if err != nil {
		t.Fatalf("StartNewTrace: %v", err)
	}

	list, _ := h.store.Instances().ListByTrace(context.Background(), repo.InstanceFilter{TraceID: traceID})
	if len(list) != 1 {
		t.Fatalf("trace has %d instances, want 1", len(list))
	}
	root := list[0]
	if root.Status != domain.TaskStatusPending || root.RoundIndex != 0 || !root.IsRoot() {
		t.Errorf("unexpected root: %+v", root)
	}
	if root.InputParams["region"] != "eu" || root.InputParams["limit"] != 5 {
		t.Errorf("params not merged: %v", root.InputParams)
	}
	if ids := h.disp.scheduledIDs(); len(ids) != 1 || ids[0] != root.ID {
		t.Errorf("scheduled = %v, want [%s]", ids, root.ID)
	}
}

func TestStartNewTrace_Validation(t *testing.T) {
	h := newHarness(t)
	inactive := h.define("off", domain.ActorExecution, domain.ScheduleOnce, func(d *domain.TaskDefinition) {
		d.IsActive = false
	})

	tests := []struct {
		name  string
		defID uuid.UUID
	}{
		{"unknown definition", uuid.New()},
		{"inactive definition", inactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.StartNewTrace(context.Background(), tt.defID, nil)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestStartCronTick_Duplicate(t *testing.T) {
	h := newHarness(t)
	defID := h.define("nightly", domain.ActorExecution, domain.ScheduleCron, func(d *domain.TaskDefinition) {
		d.CronExpr = "0 3 * * *"
	})
	tick := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)

	first, err := h.svc.StartCronTick(context.Background(), defID, tick)
	if err != nil {
		t.Fatalf("StartCronTick: %v", err)
	}
	_, err = h.svc.StartCronTick(context.Background(), defID, tick)
	if !errors.Is(err, ErrDuplicateTick) || !errors.Is(err, repo.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrDuplicateTick", err)
	}

	next, err := h.svc.StartCronTick(context.Background(), defID, tick.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("next tick: %v", err)
	}
	if next == first {
		t.Error("each tick must get its own trace")
	}
}

// --- AdmitTask Tests ---

func TestAdmitTask_AdmitsOnce(t *testing.T) {
	h := newHarness(t)
	root := h.start(t, h.define("job", domain.ActorExecution, domain.ScheduleOnce))

	inst := h.admit(t, root.ID)
	if inst.Status != domain.TaskStatusRunning || inst.DispatchSeq != 1 {
		t.Fatalf("after admit: %s seq %d", inst.Status, inst.DispatchSeq)
	}

	h.admit(t, root.ID)
	if n := h.disp.deliveredCount(root.ID); n != 1 {
		t.Errorf("delivered %d times, want 1", n)
	}
}

func TestAdmitTask_PublishFailureReleasesAdmission(t *testing.T) {
	h := newHarness(t)
	root := h.start(t, h.define("job", domain.ActorExecution, domain.ScheduleOnce))
	h.disp.failDeliver = true

	err := h.svc.AdmitTask(context.Background(), domain.DispatchRequest{TaskID: root.ID, TraceID: root.TraceID})
	if !errors.Is(err, errBrokerDown) {
		t.Fatalf("err = %v, want broker error", err)
	}
	assertStatus(t, h, root.ID, domain.TaskStatusPending)

	h.disp.failDeliver = false
	if inst := h.admit(t, root.ID); inst.Status != domain.TaskStatusRunning || inst.DispatchSeq != 2 {
		t.Errorf("readmit: %s seq %d", inst.Status, inst.DispatchSeq)
	}
}

func TestAdmitTask_StaleRound(t *testing.T) {
	h := newHarness(t)
	root := h.start(t, h.define("job", domain.ActorExecution, domain.ScheduleOnce))

	err := h.svc.AdmitTask(context.Background(), domain.DispatchRequest{TaskID: root.ID, TraceID: root.TraceID, RoundIndex: 7})
	if err != nil {
		t.Fatalf("AdmitTask: %v", err)
	}
	assertStatus(t, h, root.ID, domain.TaskStatusPending)
}

// --- Dependency gating ---

func TestDependencyGating(t *testing.T) {
	h := newHarness(t)
	leaf := h.define("leaf", domain.ActorExecution, domain.ScheduleOnce)
	root := h.start(t, h.define("planner", domain.ActorAgent, domain.ScheduleOnce))
	h.disp.reset()

	children := h.split(t, root.ID,
		ChildSpec{Key: "fetch", DefinitionID: leaf},
		ChildSpec{Key: "parse", DefinitionID: leaf, DependsOn: []string{"fetch"}},
	)
	fetch, parse := children[0], children[1]
	if len(parse.DependsOn) != 1 || parse.DependsOn[0] != fetch.ID {
		t.Fatalf("sibling key not resolved: %v", parse.DependsOn)
	}

	scheduled := h.disp.scheduledIDs()
	if !contains(scheduled, fetch.ID) || contains(scheduled, parse.ID) {
		t.Fatalf("scheduled = %v, want only fetch", scheduled)
	}

	// Запрос для parse до завершения fetch не допускается.
	h.admit(t, parse.ID)
	assertStatus(t, h, parse.ID, domain.TaskStatusPending)

	h.admit(t, fetch.ID)
	h.complete(t, fetch.ID)
	if !contains(h.disp.scheduledIDs(), parse.ID) {
		t.Fatal("parse must be released after fetch succeeded")
	}
	if inst := h.admit(t, parse.ID); inst.Status != domain.TaskStatusRunning {
		t.Errorf("parse status = %s, want RUNNING", inst.Status)
	}
}

// --- Idempotency ---

func TestHandleEvent_Idempotent(t *testing.T) {
	h := newHarness(t)
	leaf := h.define("leaf", domain.ActorExecution, domain.ScheduleOnce)
	root := h.start(t, h.define("planner", domain.ActorAgent, domain.ScheduleOnce))
	children := h.split(t, root.ID, ChildSpec{DefinitionID: leaf}, ChildSpec{DefinitionID: leaf})

	child := h.admit(t, children[0].ID)
	evt := domain.NewTaskEvent(domain.EventCompleted, child.ID, child.DispatchSeq, nil)
	h.event(t, evt)
	h.event(t, evt)

	parent := h.get(t, root.ID)
	if parent.CompletedChildren != 1 {
		t.Errorf("completed_children = %d, want 1", parent.CompletedChildren)
	}
}

func TestHandleEvent_InvalidEvent(t *testing.T) {
	h := newHarness(t)
	err := h.svc.HandleEvent(context.Background(), domain.TaskEvent{EventID: "e1", EventType: "BOGUS", TaskID: "t"})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

// --- Loop ---

func TestLoopCardinality(t *testing.T) {
	h := newHarness(t)
	root := h.start(t, h.define("poll", domain.ActorExecution, domain.ScheduleLoop, withLoop(3, 30)))

	var rounds []int
	for i := 0; i < 5; i++ {
		inst := h.get(t, root.ID)
		if inst.Status != domain.TaskStatusPending {
			break
		}
		h.clock.Advance(30 * time.Second)
		inst = h.admit(t, root.ID)
		if inst.Status != domain.TaskStatusRunning {
			t.Fatalf("round %d not admitted: %s", inst.RoundIndex, inst.Status)
		}
		rounds = append(rounds, inst.RoundIndex)
		h.complete(t, root.ID)
	}

	if len(rounds) != 3 || rounds[0] != 0 || rounds[1] != 1 || rounds[2] != 2 {
		t.Fatalf("rounds = %v, want [0 1 2]", rounds)
	}
	final := h.get(t, root.ID)
	if final.Status != domain.TaskStatusSuccess || final.RoundIndex != 2 {
		t.Errorf("final = %s round %d", final.Status, final.RoundIndex)
	}

	var delays []time.Duration
	for _, s := range h.disp.scheduled {
		delays = append(delays, s.Delay)
	}
	if len(delays) != 3 || delays[1] != 30*time.Second || delays[2] != 30*time.Second {
		t.Errorf("schedule delays = %v, want [0 30s 30s]", delays)
	}
}

func TestLoop_ParentNotifiedOnce(t *testing.T) {
	h := newHarness(t)
	loop := h.define("tick", domain.ActorExecution, domain.ScheduleLoop, withLoop(2, 0))
	root := h.start(t, h.define("planner", domain.ActorAgent, domain.ScheduleOnce))
	children := h.split(t, root.ID, ChildSpec{DefinitionID: loop}, ChildSpec{DefinitionID: h.define("leaf", domain.ActorExecution, domain.ScheduleOnce)})

	h.admit(t, children[0].ID)
	h.complete(t, children[0].ID)
	if got := h.get(t, root.ID).CompletedChildren; got != 0 {
		t.Fatalf("parent notified after first round: %d", got)
	}
	h.admit(t, children[0].ID)
	h.complete(t, children[0].ID)
	if got := h.get(t, root.ID).CompletedChildren; got != 1 {
		t.Errorf("completed_children = %d after loop end, want 1", got)
	}
}

// --- Cancellation ---

func TestCancelTrace(t *testing.T) {
	h := newHarness(t)
	leaf := h.define("leaf", domain.ActorExecution, domain.ScheduleOnce)
	root := h.start(t, h.define("planner", domain.ActorAgent, domain.ScheduleOnce))
	children := h.split(t, root.ID, ChildSpec{DefinitionID: leaf}, ChildSpec{DefinitionID: leaf})
	h.admit(t, children[0].ID)

	n, err := h.svc.CancelTrace(context.Background(), root.TraceID)
	if err != nil {
		t.Fatalf("CancelTrace: %v", err)
	}
	if n != 3 {
		t.Errorf("cancelled = %d, want 3", n)
	}
	for _, id := range []string{root.ID, children[0].ID, children[1].ID} {
		assertStatus(t, h, id, domain.TaskStatusCancelled)
	}

	sig, _ := h.signals.GetSignal(context.Background(), root.TraceID)
	if sig != domain.SignalCancel {
		t.Errorf("signal = %s, want CANCEL", sig)
	}

	// Поздний COMPLETED от воркера не воскрешает экземпляр.
	h.complete(t, children[0].ID)
	assertStatus(t, h, children[0].ID, domain.TaskStatusCancelled)

	if _, err := h.svc.ResumeTrace(context.Background(), root.TraceID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ResumeTrace after cancel: err = %v, want ErrInvalidState", err)
	}
}

func TestCancelTrace_NotFound(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.CancelTrace(context.Background(), uuid.New()); !errors.Is(err, ErrTraceNotFound) {
		t.Errorf("err = %v, want ErrTraceNotFound", err)
	}
}

func TestAdmitTask_CancelSignalCancelsInstance(t *testing.T) {
	h := newHarness(t)
	root := h.start(t, h.define("job", domain.ActorExecution, domain.ScheduleOnce))
	if err := h.signals.SetSignal(context.Background(), root.TraceID, domain.SignalCancel, 0); err != nil {
		t.Fatal(err)
	}
	h.admit(t, root.ID)
	assertStatus(t, h, root.ID, domain.TaskStatusCancelled)
	if h.disp.deliveredCount(root.ID) != 0 {
		t.Error("cancelled instance must not be delivered")
	}
}

func TestLoop_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	root := h.start(t, h.define("poll", domain.ActorExecution, domain.ScheduleLoop, withLoop(10, 0)))
	h.admit(t, root.ID)
	if err := h.signals.SetSignal(context.Background(), root.TraceID, domain.SignalCancel, 0); err != nil {
		t.Fatal(err)
	}
	h.complete(t, root.ID)

	final := h.get(t, root.ID)
	if final.Status != domain.TaskStatusSuccess || final.RoundIndex != 0 {
		t.Errorf("loop continued after cancel: %s round %d", final.Status, final.RoundIndex)
	}
}

// --- Pause / resume ---

func TestPauseResumeTrace(t *testing.T) {
	h := newHarness(t)
	root := h.start(t, h.define("job", domain.ActorExecution, domain.ScheduleOnce))

	if err := h.svc.PauseTrace(context.Background(), root.TraceID); err != nil {
		t.Fatalf("PauseTrace: %v", err)
	}
	h.admit(t, root.ID)
	assertStatus(t, h, root.ID, domain.TaskStatusPending)

	h.disp.reset()
	n, err := h.svc.ResumeTrace(context.Background(), root.TraceID)
	if err != nil {
		t.Fatalf("ResumeTrace: %v", err)
	}
	if n != 1 || !contains(h.disp.scheduledIDs(), root.ID) {
		t.Errorf("resume scheduled %d (%v)", n, h.disp.scheduledIDs())
	}
	if inst := h.admit(t, root.ID); inst.Status != domain.TaskStatusRunning {
		t.Errorf("status after resume = %s", inst.Status)
	}
}

func TestResumeTask_RoutesToLeaseHolder(t *testing.T) {
	h := newHarness(t)
	root := h.start(t, h.define("approval", domain.ActorExecution, domain.ScheduleOnce))
	h.admit(t, root.ID)
	ctx := context.Background()

	// Воркер припарковал задачу.
	if err := h.leases.Save(ctx, lease.TaskKey(root.ID), "worker-42", 0); err != nil {
		t.Fatal(err)
	}
	h.event(t, domain.NewTaskEvent(domain.EventProgress, root.ID, 1, map[string]any{
		domain.PayloadState: domain.ProgressStatePaused,
	}))

	addr, err := h.svc.ResumeTask(ctx, root.ID, map[string]any{"approved": true})
	if err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	if addr != "worker-42" {
		t.Errorf("address = %s, want worker-42", addr)
	}
	if len(h.disp.controls) != 1 {
		t.Fatalf("controls = %d, want 1", len(h.disp.controls))
	}
	ctrl := h.disp.controls[0]
	if ctrl.Address != "worker-42" || ctrl.Msg.Type != domain.ControlResume || ctrl.Msg.Params["approved"] != true {
		t.Errorf("unexpected control: %+v", ctrl)
	}
}

func TestResumeTask_ExpiredLease(t *testing.T) {
	h := newHarness(t)
	root := h.start(t, h.define("approval", domain.ActorExecution, domain.ScheduleOnce))
	ctx := context.Background()

	if err := h.leases.Save(ctx, lease.TaskKey(root.ID), "worker-42", 0); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(2 * time.Minute)

	_, err := h.svc.ResumeTask(ctx, root.ID, nil)
	if !errors.Is(err, ErrTaskNotResumable) {
		t.Errorf("err = %v, want ErrTaskNotResumable", err)
	}
	if len(h.disp.controls) != 0 {
		t.Error("nothing must be routed for an expired lease")
	}
}

func TestResumeTask_UnknownTask(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.ResumeTask(context.Background(), domain.NewInstanceIDAt(h.clock.Now()), nil)
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
	if errors.Is(err, ErrTaskNotResumable) {
		t.Error("unknown task must not be reported as not resumable")
	}
}

func TestResumeTask_NoLease(t *testing.T) {
	h := newHarness(t)
	root := h.start(t, h.define("approval", domain.ActorExecution, domain.ScheduleOnce))
	h.admit(t, root.ID)

	_, err := h.svc.ResumeTask(context.Background(), root.ID, nil)
	if !errors.Is(err, ErrTaskNotResumable) {
		t.Errorf("err = %v, want ErrTaskNotResumable", err)
	}
	if errors.Is(err, ErrTaskNotFound) {
		t.Error("existing task without lease must not be reported as not found")
	}
}

func TestHandleProgress_PausedRefreshesLease(t *testing.T) {
	h := newHarness(t)
	root := h.start(t, h.define("approval", domain.ActorExecution, domain.ScheduleOnce))
	ctx := context.Background()

	if err := h.leases.Save(ctx, lease.TaskKey(root.ID), "worker-1", 0); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(50 * time.Second)
	refreshedAt := h.clock.Now().UTC()
	h.event(t, domain.NewTaskEvent(domain.EventProgress, root.ID, 0, map[string]any{
		domain.PayloadState: domain.ProgressStatePaused,
	}))
	h.clock.Advance(50 * time.Second)

	entry, err := h.leases.Lookup(ctx, lease.TaskKey(root.ID))
	if err != nil {
		t.Fatalf("lease must survive after refresh: %v", err)
	}
	if !entry.LastHeartbeat.Equal(refreshedAt) || !entry.ExpiresAt.Equal(refreshedAt.Add(time.Minute)) {
		t.Errorf("lease entry not refreshed: heartbeat %s expires %s", entry.LastHeartbeat, entry.ExpiresAt)
	}
}
