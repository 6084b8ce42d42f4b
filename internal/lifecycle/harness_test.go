package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/kvstore"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lease"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo/repotest"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/signals"
	"github.com/google/uuid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scheduledTask struct {
	TaskID string
	Round  int
	Delay  time.Duration
}

type routedControl struct {
	Address string
	Msg     domain.ControlMessage
}

// recordingDispatcher запоминает все публикации.
type recordingDispatcher struct {
	mu          sync.Mutex
	scheduled   []scheduledTask
	delivered   []domain.TaskInstance
	controls    []routedControl
	failDeliver bool
}

var errBrokerDown = errors.New("broker down")

func (d *recordingDispatcher) ScheduleTask(ctx context.Context, inst *domain.TaskInstance, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduled = append(d.scheduled, scheduledTask{TaskID: inst.ID, Round: inst.RoundIndex, Delay: delay})
	return nil
}

func (d *recordingDispatcher) DeliverTask(ctx context.Context, inst *domain.TaskInstance) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failDeliver {
		return errBrokerDown
	}
	d.delivered = append(d.delivered, *inst)
	return nil
}

func (d *recordingDispatcher) RouteControl(ctx context.Context, address string, msg domain.ControlMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.controls = append(d.controls, routedControl{Address: address, Msg: msg})
	return nil
}

func (d *recordingDispatcher) scheduledIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, len(d.scheduled))
	for i, s := range d.scheduled {
		ids[i] = s.TaskID
	}
	return ids
}

func (d *recordingDispatcher) deliveredCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, inst := range d.delivered {
		if inst.ID == id {
			n++
		}
	}
	return n
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduled = nil
	d.delivered = nil
	d.controls = nil
}

type harness struct {
	svc     *Service
	store   *repotest.Store
	disp    *recordingDispatcher
	leases  *lease.Registry
	signals *signals.Bus
	clock   *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}

	store := repotest.New()
	store.Now = clock.Now

	kv := kvstore.NewMemoryStore(0, kvstore.WithClock(clock.Now))
	t.Cleanup(func() { kv.Close() })

	leases := lease.NewRegistry(lease.Config{Store: kv, TTL: time.Minute, Now: clock.Now})
	bus := signals.NewBus(kv, 0, nil)
	disp := &recordingDispatcher{}

	svc := New(Config{
		Definitions: store.Definitions(),
		Instances:   store.Instances(),
		Events:      store.Events(),
		Dispatcher:  disp,
		Leases:      leases,
		Signals:     bus,
		LeaseTTL:    time.Minute,
		Now:         clock.Now,
	})

	return &harness{svc: svc, store: store, disp: disp, leases: leases, signals: bus, clock: clock}
}

func (h *harness) define(name string, actor domain.ActorType, schedule domain.ScheduleType, opts ...func(*domain.TaskDefinition)) uuid.UUID {
	def := domain.TaskDefinition{
		ID:           uuid.New(),
		Name:         name,
		ActorType:    actor,
		CodeRef:      "code." + name,
		ScheduleType: schedule,
		IsActive:     true,
	}
	for _, opt := range opts {
		opt(&def)
	}
	h.store.AddDefinition(def)
	return def.ID
}

func withRetries(n int) func(*domain.TaskDefinition) {
	return func(d *domain.TaskDefinition) { d.MaxRetries = n }
}

func withPolicy(p domain.AggregationPolicy) func(*domain.TaskDefinition) {
	return func(d *domain.TaskDefinition) { d.AggregationPolicy = p }
}

func withLoop(rounds, intervalSec int) func(*domain.TaskDefinition) {
	return func(d *domain.TaskDefinition) {
		d.LoopConfig = &domain.LoopConfig{MaxRounds: rounds, IntervalSec: intervalSec}
	}
}

func (h *harness) get(t *testing.T, id string) *domain.TaskInstance {
	t.Helper()
	inst, err := h.store.Instances().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return inst
}

func (h *harness) start(t *testing.T, defID uuid.UUID) *domain.TaskInstance {
	t.Helper()
	traceID, err := h.svc.StartNewTrace(context.Background(), defID, nil)
	if err != nil {
		t.Fatalf("StartNewTrace: %v", err)
	}
	layer := 0
	roots, err := h.store.Instances().ListByTrace(context.Background(), repo.InstanceFilter{TraceID: traceID, Layer: &layer})
	if err != nil || len(roots) != 1 {
		t.Fatalf("root lookup: %v (%d roots)", err, len(roots))
	}
	return &roots[0]
}

func (h *harness) admit(t *testing.T, id string) *domain.TaskInstance {
	t.Helper()
	inst := h.get(t, id)
	req := domain.DispatchRequest{TaskID: id, TraceID: inst.TraceID, RoundIndex: inst.RoundIndex}
	if err := h.svc.AdmitTask(context.Background(), req); err != nil {
		t.Fatalf("AdmitTask %s: %v", id, err)
	}
	return h.get(t, id)
}

func (h *harness) event(t *testing.T, evt domain.TaskEvent) {
	t.Helper()
	if err := h.svc.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("HandleEvent %s %s: %v", evt.EventType, evt.TaskID, err)
	}
}

func (h *harness) complete(t *testing.T, id string) {
	t.Helper()
	inst := h.get(t, id)
	h.event(t, domain.NewTaskEvent(domain.EventCompleted, id, inst.DispatchSeq, map[string]any{
		domain.PayloadOutputRef: "ref-" + id,
	}))
}

func (h *harness) fail(t *testing.T, id string, retryDelaySec float64) {
	t.Helper()
	inst := h.get(t, id)
	h.event(t, domain.NewTaskEvent(domain.EventFailed, id, inst.DispatchSeq, map[string]any{
		domain.PayloadError:         "boom",
		domain.PayloadRetryDelaySec: retryDelaySec,
	}))
}

// split допускает родителя и регистрирует детей.
func (h *harness) split(t *testing.T, parentID string, specs ...ChildSpec) []domain.TaskInstance {
	t.Helper()
	if h.get(t, parentID).Status != domain.TaskStatusRunning {
		h.admit(t, parentID)
	}
	children, err := h.svc.RegisterChildren(context.Background(), parentID, specs)
	if err != nil {
		t.Fatalf("RegisterChildren: %v", err)
	}
	return children
}

func assertStatus(t *testing.T, h *harness, id string, want domain.TaskStatus) {
	t.Helper()
	if got := h.get(t, id).Status; got != want {
		t.Errorf("%s status = %s, want %s", id, got, want)
	}
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
