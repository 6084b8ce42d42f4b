package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/mq"
	"golang.org/x/sync/errgroup"
)

// Default configuration values.
const (
	defaultPollInterval     = 10 * time.Second
	defaultRecoveryInterval = 30 * time.Second
	defaultStallThreshold   = time.Minute
)

// Core — операции ядра, которые вызывает оркестратор.
// Реализуется lifecycle.Service.
type Core interface {
	AdmitTask(ctx context.Context, req domain.DispatchRequest) error
	HandleEvent(ctx context.Context, evt domain.TaskEvent) error
	RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error)
}

// ReadyFinder — поиск экземпляров, готовых к допуску.
// Реализуется resolver.Resolver.
type ReadyFinder interface {
	FindReadyTasks(ctx context.Context) ([]domain.TaskInstance, error)
}

// Orchestrator — контур управления.
//
// Orchestrator:
//   - Получает запросы на допуск из task.ready (event-driven)
//   - Получает события воркеров из task.events
//   - Периодически ищет готовые экземпляры в БД (polling fallback)
//   - Периодически доводит зависшие агрегации
type Orchestrator struct {
	core   Core
	ready  ReadyFinder
	broker mq.Broker

	pollInterval     time.Duration
	recoveryInterval time.Duration
	stallThreshold   time.Duration

	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	stopped bool
}

// Config — конфигурация Orchestrator.
type Config struct {
	Core   Core
	Ready  ReadyFinder
	Broker mq.Broker

	// PollInterval — интервал polling (default: 10s).
	PollInterval time.Duration

	// RecoveryInterval — интервал проверки зависших агрегаций (default: 30s).
	RecoveryInterval time.Duration

	// StallThreshold — сколько родитель может ждать активации (default: 1m).
	StallThreshold time.Duration

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = defaultRecoveryInterval
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = defaultStallThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Orchestrator{
		core:             cfg.Core,
		ready:            cfg.Ready,
		broker:           cfg.Broker,
		pollInterval:     cfg.PollInterval,
		recoveryInterval: cfg.RecoveryInterval,
		stallThreshold:   cfg.StallThreshold,
		logger:           cfg.Logger.With("component", "orchestrator"),
	}
}

// Start запускает подписки и фоновые циклы.
//
// Запускает:
//   - Consumer для task.ready
//   - Consumer для task.events
//   - Polling горутину для fallback
//   - Горутину восстановления агрегаций
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrOrchestratorStopped
	}
	if o.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	o.cancel = cancel
	o.group = g
	o.started = true

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"recovery_interval", o.recoveryInterval,
	)

	g.Go(func() error {
		return o.subscribe(gctx, mq.TopicTaskReady, o.handleTaskReady)
	})
	g.Go(func() error {
		return o.subscribe(gctx, mq.TopicTaskEvents, o.handleTaskEvent)
	})
	g.Go(func() error {
		o.every(gctx, o.pollInterval, o.poll)
		return nil
	})
	g.Go(func() error {
		o.every(gctx, o.recoveryInterval, o.recoverStalled)
		return nil
	})

	o.logger.Info("orchestrator started")
	return nil
}

func (o *Orchestrator) subscribe(ctx context.Context, topic string, handler mq.Handler) error {
	err := o.broker.Subscribe(ctx, topic, handler)
	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error("consumer error", "topic", topic, "error", err)
		return err
	}
	return nil
}

// Wait блокируется до остановки всех горутин и возвращает первую ошибку подписки.
func (o *Orchestrator) Wait() error {
	o.mu.Lock()
	g := o.group
	o.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop останавливает Orchestrator и ждёт завершения горутин.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	cancel := o.cancel
	o.mu.Unlock()

	o.logger.Info("stopping orchestrator...")
	if cancel != nil {
		cancel()
	}
	if err := o.Wait(); err != nil {
		o.logger.Warn("orchestrator stopped with error", "error", err)
	}
	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// every вызывает fn сразу и затем с интервалом, пока ctx не завершён.
func (o *Orchestrator) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// poll допускает готовые экземпляры, запросы для которых могли потеряться.
func (o *Orchestrator) poll(ctx context.Context) {
	instances, err := o.ready.FindReadyTasks(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("failed to find ready tasks", "error", err)
		}
		return
	}
	if len(instances) == 0 {
		return
	}

	o.logger.Debug("poll found ready tasks", "count", len(instances))

	for i := range instances {
		inst := &instances[i]
		req := domain.DispatchRequest{TaskID: inst.ID, TraceID: inst.TraceID, RoundIndex: inst.RoundIndex}
		if err := o.core.AdmitTask(ctx, req); err != nil {
			o.logger.Error("failed to admit task from poll", "task_id", inst.ID, "error", err)
		}
	}
}

// recoverStalled доводит родителей, чья активация не дошла до воркеров.
func (o *Orchestrator) recoverStalled(ctx context.Context) {
	n, err := o.core.RecoverStalled(ctx, o.stallThreshold)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("failed to recover stalled aggregations", "error", err)
		}
		return
	}
	if n > 0 {
		o.logger.Info("stalled aggregations recovered", "count", n)
	}
}
