package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/aggregation"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lease"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/repo"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/resolver"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/telemetry"
	"github.com/google/uuid"
)

// TaskDispatcher — публикация сообщений ядра.
type TaskDispatcher interface {
	ScheduleTask(ctx context.Context, inst *domain.TaskInstance, delay time.Duration) error
	DeliverTask(ctx context.Context, inst *domain.TaskInstance) error
	RouteControl(ctx context.Context, address string, msg domain.ControlMessage) error
}

// LeaseRegistry — адресная книга исполнителей.
type LeaseRegistry interface {
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	RefreshTTL(ctx context.Context, key string, ttl time.Duration) error
}

// SignalBus — управляющие флаги trace.
type SignalBus interface {
	SetSignal(ctx context.Context, traceID uuid.UUID, value domain.SignalValue, ttl time.Duration) error
	GetSignal(ctx context.Context, traceID uuid.UUID) (domain.SignalValue, error)
	Clear(ctx context.Context, traceID uuid.UUID) error
}

// Config — зависимости Service.
type Config struct {
	Definitions repo.DefinitionStore
	Instances   repo.InstanceStore
	Events      repo.EventStore

	Dispatcher TaskDispatcher
	Leases     LeaseRegistry
	Signals    SignalBus

	// LeaseTTL — на сколько продлевается аренда припаркованной задачи
	// при событии PROGRESS (по умолчанию lease.DefaultTTL).
	LeaseTTL time.Duration

	// BatchSize — размер выборки для поиска готовых экземпляров и зависших родителей.
	BatchSize int

	Logger *slog.Logger
	Now    func() time.Time
}

// Service — единственный писатель статусов экземпляров.
//
// Все переходы — CAS в хранилище, поэтому несколько копий Service
// могут работать параллельно без общей блокировки.
type Service struct {
	definitions repo.DefinitionStore
	instances   repo.InstanceStore
	events      repo.EventStore

	dispatcher TaskDispatcher
	leases     LeaseRegistry
	signals    SignalBus

	resolver *resolver.Resolver
	counter  *aggregation.Counter

	leaseTTL  time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

// New создаёт Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = lease.DefaultTTL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = resolver.DefaultBatchSize
	}
	logger := cfg.Logger.With("component", "lifecycle")

	return &Service{
		definitions: cfg.Definitions,
		instances:   cfg.Instances,
		events:      cfg.Events,
		dispatcher:  cfg.Dispatcher,
		leases:      cfg.Leases,
		signals:     cfg.Signals,
		resolver:    resolver.New(cfg.Instances, cfg.BatchSize, cfg.Now),
		counter:     aggregation.NewCounter(cfg.Instances, cfg.Definitions, cfg.Logger),
		leaseTTL:    cfg.LeaseTTL,
		batchSize:   cfg.BatchSize,
		logger:      logger,
		now:         cfg.Now,
	}
}

// Resolver возвращает резолвер зависимостей (для polling-цикла оркестратора).
func (s *Service) Resolver() *resolver.Resolver {
	return s.resolver
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// StartNewTrace создаёт trace из определения и ставит корень в очередь.
func (s *Service) StartNewTrace(ctx context.Context, definitionID uuid.UUID, params map[string]any) (uuid.UUID, error) {
	def, err := s.activeDefinition(ctx, definitionID)
	if err != nil {
		return uuid.Nil, err
	}
	root, err := s.startTrace(ctx, def, params, nil)
	if err != nil {
		return uuid.Nil, err
	}
	return root.TraceID, nil
}

// StartCronTick создаёт trace для одного тика CRON-определения.
// Повтор того же тика возвращает ErrDuplicateTick.
func (s *Service) StartCronTick(ctx context.Context, definitionID uuid.UUID, tick time.Time) (uuid.UUID, error) {
	def, err := s.activeDefinition(ctx, definitionID)
	if err != nil {
		return uuid.Nil, err
	}
	if def.ScheduleType != domain.ScheduleCron {
		return uuid.Nil, fmt.Errorf("%w: definition %s is not CRON", ErrValidation, def.Name)
	}
	tick = tick.UTC()
	root, err := s.startTrace(ctx, def, nil, &tick)
	if err != nil {
		return uuid.Nil, err
	}
	return root.TraceID, nil
}

func (s *Service) activeDefinition(ctx context.Context, id uuid.UUID) (*domain.TaskDefinition, error) {
	def, err := s.definitions.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: definition %s not found", ErrValidation, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	if !def.IsActive {
		return nil, fmt.Errorf("%w: definition %s is inactive", ErrValidation, def.Name)
	}
	return def, nil
}

func (s *Service) startTrace(ctx context.Context, def *domain.TaskDefinition, params map[string]any, tick *time.Time) (*domain.TaskInstance, error) {
	if _, err := json.Marshal(params); err != nil {
		return nil, fmt.Errorf("%w: params: %v", ErrValidation, err)
	}

	now := s.clock()
	root := domain.NewRootInstance(def, uuid.New(), params, now)
	if tick != nil {
		root.CronTriggerTime = tick
	}

	err := s.instances.Create(ctx, root)
	if errors.Is(err, repo.ErrAlreadyExists) && tick != nil {
		return nil, fmt.Errorf("%w: %s at %s: %w", ErrDuplicateTick, def.Name, tick.Format(time.RFC3339), repo.ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("create root instance: %w", err)
	}
	telemetry.TracesStartedTotal.WithLabelValues(string(def.ScheduleType)).Inc()

	logger := telemetry.WithTraceID(s.logger, root.TraceID.String())
	logger.Info("trace started",
		"definition", def.Name,
		"root_id", root.ID,
		"schedule_type", def.ScheduleType,
	)

	// Корень уже сохранён: если брокер недоступен, его подберёт polling.
	if err := s.dispatcher.ScheduleTask(ctx, root, 0); err != nil {
		logger.Warn("failed to schedule root, relying on polling", "root_id", root.ID, "error", err)
	}
	return root, nil
}

// CancelTrace отменяет все активные экземпляры trace и возвращает их количество.
//
// Флаг CANCEL ставится до перевода статусов, чтобы исполнители, которые
// ещё работают, увидели его при ближайшей проверке.
func (s *Service) CancelTrace(ctx context.Context, traceID uuid.UUID) (int, error) {
	if err := s.ensureTrace(ctx, traceID); err != nil {
		return 0, err
	}
	if err := s.signals.SetSignal(ctx, traceID, domain.SignalCancel, 0); err != nil {
		return 0, err
	}

	ids, err := s.instances.CancelTrace(ctx, traceID)
	if err != nil {
		return 0, fmt.Errorf("cancel trace instances: %w", err)
	}
	for _, id := range ids {
		s.deleteLease(ctx, id)
	}

	telemetry.TracesCancelledTotal.Inc()
	telemetry.TasksFinishedTotal.WithLabelValues(string(domain.TaskStatusCancelled)).Add(float64(len(ids)))
	telemetry.WithTraceID(s.logger, traceID.String()).Info("trace cancelled", "cancelled", len(ids))
	return len(ids), nil
}

// PauseTrace ставит флаг PAUSE: новые экземпляры trace не допускаются.
// Уже работающие исполнители продолжают работу.
func (s *Service) PauseTrace(ctx context.Context, traceID uuid.UUID) error {
	if err := s.ensureTrace(ctx, traceID); err != nil {
		return err
	}
	if err := s.ensureNotCancelled(ctx, traceID); err != nil {
		return err
	}
	return s.signals.SetSignal(ctx, traceID, domain.SignalPause, 0)
}

// ResumeTrace снимает флаг и заново ставит в очередь готовые экземпляры trace.
func (s *Service) ResumeTrace(ctx context.Context, traceID uuid.UUID) (int, error) {
	if err := s.ensureTrace(ctx, traceID); err != nil {
		return 0, err
	}
	if err := s.ensureNotCancelled(ctx, traceID); err != nil {
		return 0, err
	}
	if err := s.signals.Clear(ctx, traceID); err != nil {
		return 0, err
	}

	ready, err := s.resolver.FindReadyInTrace(ctx, traceID)
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for i := range ready {
		if err := s.dispatcher.ScheduleTask(ctx, &ready[i], 0); err != nil {
			s.logger.Warn("failed to schedule instance on resume", "task_id", ready[i].ID, "error", err)
			continue
		}
		scheduled++
	}
	telemetry.WithTraceID(s.logger, traceID.String()).Info("trace resumed", "scheduled", scheduled)
	return scheduled, nil
}

func (s *Service) ensureTrace(ctx context.Context, traceID uuid.UUID) error {
	list, err := s.instances.ListByTrace(ctx, repo.InstanceFilter{TraceID: traceID, Limit: 1})
	if err != nil {
		return fmt.Errorf("list trace: %w", err)
	}
	if len(list) == 0 {
		return ErrTraceNotFound
	}
	return nil
}

func (s *Service) ensureNotCancelled(ctx context.Context, traceID uuid.UUID) error {
	sig, err := s.signals.GetSignal(ctx, traceID)
	if err != nil {
		return err
	}
	if sig == domain.SignalCancel {
		return fmt.Errorf("%w: trace is cancelled", ErrInvalidState)
	}
	return nil
}

// ResumeTask маршрутизирует RESUME исполнителю, который держит аренду задачи.
// Возвращает адрес исполнителя. Неизвестная задача — ErrTaskNotFound,
// задача без живой аренды — ErrTaskNotResumable.
func (s *Service) ResumeTask(ctx context.Context, taskID string, params map[string]any) (string, error) {
	if _, err := s.getInstance(ctx, taskID); err != nil {
		return "", err
	}

	address, err := s.leases.Get(ctx, lease.TaskKey(taskID))
	if errors.Is(err, lease.ErrNotFound) {
		telemetry.ResumesTotal.WithLabelValues("not_resumable").Inc()
		return "", fmt.Errorf("%w: no lease for task %s", ErrTaskNotResumable, taskID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup lease: %w", err)
	}

	msg := domain.ControlMessage{Type: domain.ControlResume, TaskID: taskID, Params: params}
	if err := s.dispatcher.RouteControl(ctx, address, msg); err != nil {
		telemetry.ResumesTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("route resume: %w", err)
	}

	telemetry.ResumesTotal.WithLabelValues("routed").Inc()
	telemetry.WithTaskID(s.logger, taskID).Info("resume routed", "address", address)
	return address, nil
}

// RecoverStalled повторно применяет политику агрегации к родителям, которые
// дождались детей, но не были переведены дальше дольше olderThan.
func (s *Service) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	stalled, err := s.instances.ListStalledAggregators(ctx, s.clock().Add(-olderThan), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stalled aggregators: %w", err)
	}

	recovered := 0
	for _, parent := range stalled {
		out, err := s.counter.Reevaluate(ctx, parent.ID)
		if err != nil {
			s.logger.Error("failed to reevaluate parent", "task_id", parent.ID, "error", err)
			continue
		}
		if out.Activated || out.Failed {
			recovered++
			s.logger.Warn("recovered stalled aggregation", "task_id", parent.ID, "decision", out.Decision)
		}
		s.applyAggregation(ctx, out)
	}
	return recovered, nil
}

func (s *Service) deleteLease(ctx context.Context, taskID string) {
	if err := s.leases.Delete(ctx, lease.TaskKey(taskID)); err != nil {
		s.logger.Warn("failed to delete lease", "task_id", taskID, "error", err)
	}
}
