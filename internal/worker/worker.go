package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lease"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lifecycle"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/mq"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/signals"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Default configuration values.
const (
	defaultConcurrency  = 4
	defaultRetryInitial = time.Second
	defaultRetryMax     = 5 * time.Minute
	defaultEmitTimeout  = 10 * time.Second
)

// EventEmitter публикует события воркера (dispatch.Dispatcher).
type EventEmitter interface {
	EmitEvent(ctx context.Context, evt domain.TaskEvent) error
}

// LeaseKeeper — аренды припаркованных задач (lease.Registry).
type LeaseKeeper interface {
	Save(ctx context.Context, key, address string, ttl time.Duration) error
	Keepalive(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SignalWatcher отменяет контекст по флагу CANCEL (signals.Bus).
type SignalWatcher interface {
	Watch(ctx context.Context, traceID uuid.UUID, interval time.Duration) (context.Context, context.CancelFunc)
}

// SplitRegistrar регистрирует детей (lifecycle.Service или HTTP-клиент API).
type SplitRegistrar interface {
	RegisterChildren(ctx context.Context, parentID string, specs []lifecycle.ChildSpec) ([]domain.TaskInstance, error)
}

// Worker выполняет допущенные экземпляры.
//
// Worker — stateless компонент, который:
//   - Получает экземпляры из task.execute
//   - Находит исполнителя по codeRef и запускает его с таймаутом
//   - Следит за флагом CANCEL trace
//   - Отправляет события STARTED / PROGRESS / COMPLETED / FAILED / CANCELLED
//   - Получает RESUME для припаркованных задач на своём управляющем топике
//
// Workers масштабируются горизонтально: каждый экземпляр имеет свой адрес.
type Worker struct {
	address  string
	broker   mq.Broker
	events   EventEmitter
	leases   LeaseKeeper
	signals  SignalWatcher
	splitter SplitRegistrar
	registry *Registry

	sem           *semaphore.Weighted
	concurrency   int
	leaseTTL      time.Duration
	watchInterval time.Duration
	retryInitial  time.Duration
	retryMax      time.Duration

	waitersMu sync.Mutex
	waiters   map[string]chan map[string]any

	logger  *slog.Logger
	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running sync.WaitGroup
	stopped bool
}

// Config — конфигурация Worker.
type Config struct {
	// Address — адрес воркера для управляющих сообщений (default: worker-{uuid}).
	Address string

	Broker   mq.Broker
	Events   EventEmitter
	Leases   LeaseKeeper
	Signals  SignalWatcher  // опционально
	Splitter SplitRegistrar // опционально

	// Registry — реестр исполнителей (если nil — используется NewRegistry()).
	Registry *Registry

	// Concurrency — сколько экземпляров выполняется одновременно (default: 4).
	Concurrency int

	// LeaseTTL — TTL аренды на время паузы (default: lease.DefaultTTL).
	LeaseTTL time.Duration

	// WatchInterval — период проверки флага trace (default: signals.DefaultWatchInterval).
	WatchInterval time.Duration

	// RetryInitialInterval и RetryMaxInterval — границы retry_delay_sec (default: 1s, 5m).
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	if cfg.Address == "" {
		cfg.Address = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lease.DefaultTTL
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = signals.DefaultWatchInterval
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = defaultRetryInitial
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = defaultRetryMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Worker{
		address:       cfg.Address,
		broker:        cfg.Broker,
		events:        cfg.Events,
		leases:        cfg.Leases,
		signals:       cfg.Signals,
		splitter:      cfg.Splitter,
		registry:      cfg.Registry,
		sem:           semaphore.NewWeighted(int64(cfg.Concurrency)),
		concurrency:   cfg.Concurrency,
		leaseTTL:      cfg.LeaseTTL,
		watchInterval: cfg.WatchInterval,
		retryInitial:  cfg.RetryInitialInterval,
		retryMax:      cfg.RetryMaxInterval,
		waiters:       make(map[string]chan map[string]any),
		logger:        cfg.Logger.With("component", "worker", "address", cfg.Address),
	}
}

// Address возвращает адрес воркера.
func (w *Worker) Address() string {
	return w.address
}

// Registry возвращает реестр исполнителей.
func (w *Worker) Registry() *Registry {
	return w.registry
}

// Start запускает Worker.
//
// Запускает:
//   - Consumer для task.execute
//   - Consumer для управляющего топика task.control.{address}
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrWorkerStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	w.cancel = cancel
	w.group = g

	w.logger.Info("starting worker", "concurrency", w.concurrency)

	g.Go(func() error {
		return w.subscribe(gctx, mq.TopicTaskExecute, w.handleTaskExecute)
	})
	g.Go(func() error {
		return w.subscribe(gctx, mq.ControlTopic(w.address), w.handleControl)
	})

	w.logger.Info("worker started")
	return nil
}

func (w *Worker) subscribe(ctx context.Context, topic string, handler mq.Handler) error {
	err := w.broker.Subscribe(ctx, topic, handler)
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("consumer error", "topic", topic, "error", err)
		return err
	}
	return nil
}

// Stop останавливает Worker и ждёт завершения текущих выполнений.
// Прерванные выполнения сообщают FAILED, чтобы ядро могло их повторить.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	cancel, g := w.cancel, w.group
	w.mu.Unlock()

	w.logger.Info("stopping worker...")
	if cancel != nil {
		cancel()
	}
	if g != nil {
		if err := g.Wait(); err != nil {
			w.logger.Warn("consumer stopped with error", "error", err)
		}
	}
	w.running.Wait()
	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

func (w *Worker) addWaiter(taskID string) <-chan map[string]any {
	w.waitersMu.Lock()
	defer w.waitersMu.Unlock()
	ch := make(chan map[string]any, 1)
	w.waiters[taskID] = ch
	return ch
}

func (w *Worker) removeWaiter(taskID string) {
	w.waitersMu.Lock()
	defer w.waitersMu.Unlock()
	delete(w.waiters, taskID)
}

// resume передаёт параметры RESUME припаркованной задаче.
// Возвращает false, если задача здесь не ждёт.
func (w *Worker) resume(taskID string, params map[string]any) bool {
	w.waitersMu.Lock()
	defer w.waitersMu.Unlock()
	ch, ok := w.waiters[taskID]
	if !ok {
		return false
	}
	select {
	case ch <- params:
	default:
		// Повторный RESUME, первый ещё не забран.
	}
	return true
}

func (w *Worker) deleteLease(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultEmitTimeout)
	defer cancel()
	if err := w.leases.Delete(ctx, key); err != nil {
		w.logger.Warn("failed to delete lease", "key", key, "error", err)
	}
}
