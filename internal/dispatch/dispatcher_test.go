package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/mq"
	"github.com/google/uuid"
)

type published struct {
	topic string
	msg   *mq.Message
	delay time.Duration
}

// flakyBroker отказывает первые failures раз.
type flakyBroker struct {
	mu        sync.Mutex
	failures  int
	attempts  int
	published []published
}

func (b *flakyBroker) PublishDelayed(ctx context.Context, topic string, msg *mq.Message, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.attempts <= b.failures {
		return mq.ErrNotConnected
	}
	b.published = append(b.published, published{topic: topic, msg: msg, delay: delay})
	return nil
}

func (b *flakyBroker) Subscribe(ctx context.Context, topic string, handler mq.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *flakyBroker) Close() error { return nil }

func newDispatcher(b mq.Broker) *Dispatcher {
	return New(Config{Broker: b, InitialInterval: time.Millisecond})
}

func TestScheduleTask(t *testing.T) {
	b := &flakyBroker{}
	d := newDispatcher(b)
	inst := &domain.TaskInstance{ID: "01H", TraceID: uuid.New(), RoundIndex: 2}

	if err := d.ScheduleTask(context.Background(), inst, 5*time.Second); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}

	if len(b.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(b.published))
	}
	p := b.published[0]
	if p.topic != mq.TopicTaskReady || p.delay != 5*time.Second {
		t.Errorf("topic=%s delay=%v", p.topic, p.delay)
	}
	req, err := mq.ParsePayload[domain.DispatchRequest](p.msg)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if req.TaskID != inst.ID || req.TraceID != inst.TraceID || req.RoundIndex != 2 {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestPublish_RetriesTransientFailures(t *testing.T) {
	b := &flakyBroker{failures: 2}
	d := newDispatcher(b)

	if err := d.EmitEvent(context.Background(), domain.NewTaskEvent(domain.EventStarted, "t1", 1, nil)); err != nil {
		t.Fatalf("EmitEvent: %v", err)
	}
	if b.attempts != 3 || len(b.published) != 1 {
		t.Errorf("attempts=%d published=%d", b.attempts, len(b.published))
	}
}

func TestPublish_GivesUp(t *testing.T) {
	b := &flakyBroker{failures: 100}
	d := newDispatcher(b)

	err := d.DeliverTask(context.Background(), &domain.TaskInstance{ID: "t1"})
	if !errors.Is(err, mq.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if b.attempts != 4 {
		t.Errorf("attempts = %d, want 4", b.attempts)
	}
}

func TestRouteControl_ThroughMemoryBroker(t *testing.T) {
	b := mq.NewMemoryBroker(nil, 0)
	defer b.Close()
	d := newDispatcher(b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan domain.ControlMessage, 1)
	go b.Subscribe(ctx, mq.ControlTopic("worker-7"), func(ctx context.Context, del *mq.Delivery) error {
		msg, err := mq.ParsePayload[domain.ControlMessage](del.Message)
		if err != nil {
			return err
		}
		got <- msg
		return nil
	})
	time.Sleep(20 * time.Millisecond)

	ctrl := domain.ControlMessage{Type: domain.ControlResume, TaskID: "t1", Params: map[string]any{"answer": "yes"}}
	if err := d.RouteControl(ctx, "worker-7", ctrl); err != nil {
		t.Fatalf("RouteControl: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Type != domain.ControlResume || msg.TaskID != "t1" || msg.Params["answer"] != "yes" {
			t.Errorf("unexpected control message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("control message not delivered")
	}
}
