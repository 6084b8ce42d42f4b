package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/dispatch"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/kvstore"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lease"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lifecycle"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/mq"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo/repotest"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/signals"
	"github.com/google/uuid"
)

// fakeCore записывает вызовы и возвращает заданные ошибки.
type fakeCore struct {
	mu        sync.Mutex
	admitted  []domain.DispatchRequest
	events    []domain.TaskEvent
	recovered int

	admitErr func(n int) error
	eventErr error
}

func (c *fakeCore) AdmitTask(ctx context.Context, req domain.DispatchRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admitted = append(c.admitted, req)
	if c.admitErr != nil {
		return c.admitErr(len(c.admitted))
	}
	return nil
}

func (c *fakeCore) HandleEvent(ctx context.Context, evt domain.TaskEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return c.eventErr
}

func (c *fakeCore) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recovered++
	return 0, nil
}

func (c *fakeCore) counts() (admitted, events, recovered int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.admitted), len(c.events), c.recovered
}

type staticReady struct{ instances []domain.TaskInstance }

func (r staticReady) FindReadyTasks(ctx context.Context) ([]domain.TaskInstance, error) {
	return r.instances, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func startOrchestrator(t *testing.T, core Core, ready ReadyFinder, broker mq.Broker) *Orchestrator {
	t.Helper()
	o := New(Config{
		Core:             core,
		Ready:            ready,
		Broker:           broker,
		PollInterval:     time.Hour,
		RecoveryInterval: time.Hour,
	})
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(o.Stop)
	// Подписки gochannel регистрируются асинхронно.
	time.Sleep(50 * time.Millisecond)
	return o
}

func publish(t *testing.T, broker mq.Broker, topic string, msgType mq.MessageType, payload any) {
	t.Helper()
	msg, err := mq.NewMessage(msgType, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := broker.PublishDelayed(context.Background(), topic, msg, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

// --- Lifecycle Tests ---

func TestOrchestrator_StartStop(t *testing.T) {
	broker := mq.NewMemoryBroker(nil, 0)
	defer broker.Close()

	o := New(Config{Core: &fakeCore{}, Ready: staticReady{}, Broker: broker})
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := o.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start: err = %v, want ErrAlreadyStarted", err)
	}

	o.Stop()
	if !o.IsStopped() {
		t.Error("IsStopped should be true after Stop")
	}
	if err := o.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
	if err := o.Start(context.Background()); !errors.Is(err, ErrOrchestratorStopped) {
		t.Errorf("Start after Stop: err = %v, want ErrOrchestratorStopped", err)
	}
	o.Stop()
}

func TestOrchestrator_DefaultConfig(t *testing.T) {
	o := New(Config{})
	if o.pollInterval != defaultPollInterval {
		t.Errorf("pollInterval = %v, want %v", o.pollInterval, defaultPollInterval)
	}
	if o.recoveryInterval != defaultRecoveryInterval {
		t.Errorf("recoveryInterval = %v, want %v", o.recoveryInterval, defaultRecoveryInterval)
	}
	if o.stallThreshold != defaultStallThreshold {
		t.Errorf("stallThreshold = %v, want %v", o.stallThreshold, defaultStallThreshold)
	}
}

// --- Handler Tests ---

func TestOrchestrator_AdmitsFromQueue(t *testing.T) {
	broker := mq.NewMemoryBroker(nil, 10*time.Millisecond)
	defer broker.Close()
	core := &fakeCore{}
	startOrchestrator(t, core, staticReady{}, broker)

	req := domain.DispatchRequest{TaskID: "t-1", TraceID: uuid.New(), RoundIndex: 2}
	publish(t, broker, mq.TopicTaskReady, mq.MessageTypeTaskReady, req)

	waitFor(t, "admission", func() bool { n, _, _ := core.counts(); return n == 1 })
	core.mu.Lock()
	got := core.admitted[0]
	core.mu.Unlock()
	if got != req {
		t.Errorf("admitted %+v, want %+v", got, req)
	}
}

func TestOrchestrator_AdmitErrorRedelivers(t *testing.T) {
	broker := mq.NewMemoryBroker(nil, 10*time.Millisecond)
	defer broker.Close()
	core := &fakeCore{admitErr: func(n int) error {
		if n == 1 {
			return errors.New("db unavailable")
		}
		return nil
	}}
	startOrchestrator(t, core, staticReady{}, broker)

	publish(t, broker, mq.TopicTaskReady, mq.MessageTypeTaskReady, domain.DispatchRequest{TaskID: "t-1"})
	waitFor(t, "redelivery", func() bool { n, _, _ := core.counts(); return n == 2 })
}

func TestOrchestrator_InvalidEventDropped(t *testing.T) {
	broker := mq.NewMemoryBroker(nil, 10*time.Millisecond)
	defer broker.Close()
	core := &fakeCore{eventErr: fmt.Errorf("%w: bad event", lifecycle.ErrValidation)}
	startOrchestrator(t, core, staticReady{}, broker)

	publish(t, broker, mq.TopicTaskEvents, mq.MessageTypeTaskEvent, domain.TaskEvent{EventID: "e-1", TaskID: "t-1"})
	waitFor(t, "event", func() bool { _, n, _ := core.counts(); return n == 1 })

	time.Sleep(50 * time.Millisecond)
	if _, n, _ := core.counts(); n != 1 {
		t.Errorf("invalid event handled %d times, want 1", n)
	}
}

func TestOrchestrator_PollAndRecover(t *testing.T) {
	broker := mq.NewMemoryBroker(nil, 0)
	defer broker.Close()
	core := &fakeCore{}
	ready := staticReady{instances: []domain.TaskInstance{
		{ID: "a", TraceID: uuid.New()},
		{ID: "b", TraceID: uuid.New(), RoundIndex: 1},
	}}

	o := New(Config{Core: core, Ready: ready, Broker: broker, PollInterval: time.Hour, RecoveryInterval: time.Hour})
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer o.Stop()

	// Первый проход выполняется сразу при старте.
	waitFor(t, "poll and recovery", func() bool {
		admitted, _, recovered := core.counts()
		return admitted == 2 && recovered == 1
	})
	core.mu.Lock()
	defer core.mu.Unlock()
	if core.admitted[1].TaskID != "b" || core.admitted[1].RoundIndex != 1 {
		t.Errorf("unexpected request: %+v", core.admitted[1])
	}
}

// --- End-to-end ---

func TestOrchestrator_RunsTraceToCompletion(t *testing.T) {
	ctx := context.Background()
	broker := mq.NewMemoryBroker(nil, 10*time.Millisecond)
	defer broker.Close()

	store := repotest.New()
	kv := kvstore.NewMemoryStore(0)
	defer kv.Close()
	disp := dispatch.New(dispatch.Config{Broker: broker})
	svc := lifecycle.New(lifecycle.Config{
		Definitions: store.Definitions(),
		Instances:   store.Instances(),
		Events:      store.Events(),
		Dispatcher:  disp,
		Leases:      lease.NewRegistry(lease.Config{Store: kv}),
		Signals:     signals.NewBus(kv, 0, nil),
	})

	// Воркер завершает каждый полученный экземпляр.
	wctx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go broker.Subscribe(wctx, mq.TopicTaskExecute, func(ctx context.Context, d *mq.Delivery) error {
		inst, err := mq.ParsePayload[domain.TaskInstance](d.Message)
		if err != nil {
			return err
		}
		return disp.EmitEvent(ctx, domain.NewTaskEvent(domain.EventCompleted, inst.ID, inst.DispatchSeq, map[string]any{
			domain.PayloadOutputRef: "s3://out/" + inst.ID,
		}))
	})

	startOrchestrator(t, svc, svc.Resolver(), broker)

	def := domain.TaskDefinition{
		ID:           uuid.New(),
		Name:         "report",
		ActorType:    domain.ActorExecution,
		CodeRef:      "reports.build",
		ScheduleType: domain.ScheduleOnce,
		IsActive:     true,
	}
	store.AddDefinition(def)

	traceID, err := svc.StartNewTrace(ctx, def.ID, nil)
	if err != nil {
		t.Fatalf("StartNewTrace: %v", err)
	}

	waitFor(t, "trace success", func() bool {
		list := store.Instances().ByPathPrefix("")
		for _, inst := range list {
			if inst.TraceID == traceID {
				return inst.Status == domain.TaskStatusSuccess
			}
		}
		return false
	})
}
