package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidDefinition — определение задачи не прошло проверку.
var ErrInvalidDefinition = errors.New("invalid task definition")

// ScheduleType — режим планирования определения.
type ScheduleType string

const (
	// ScheduleOnce — однократный запуск.
	ScheduleOnce ScheduleType = "ONCE"

	// ScheduleCron — новый trace на каждый тик cron.
	ScheduleCron ScheduleType = "CRON"

	// ScheduleLoop — один trace, ограниченное число раундов.
	ScheduleLoop ScheduleType = "LOOP"
)

// IsValid проверяет, что режим известен.
func (s ScheduleType) IsValid() bool {
	switch s {
	case ScheduleOnce, ScheduleCron, ScheduleLoop:
		return true
	default:
		return false
	}
}

// AggregationPolicy — правило активации родителя, когда все дети завершились.
type AggregationPolicy string

const (
	// PolicyAllRequired — все дети должны завершиться SUCCESS, иначе родитель FAILED.
	PolicyAllRequired AggregationPolicy = "ALL_REQUIRED"

	// PolicyBestEffort — родитель активируется при любом исходе детей.
	PolicyBestEffort AggregationPolicy = "BEST_EFFORT"

	// PolicyMajority — нужно строго больше половины успешных детей.
	PolicyMajority AggregationPolicy = "MAJORITY"
)

// OrDefault возвращает ALL_REQUIRED для пустой политики.
func (p AggregationPolicy) OrDefault() AggregationPolicy {
	if p == "" {
		return PolicyAllRequired
	}
	return p
}

// IsValid проверяет, что политика известна (пустая допустима).
func (p AggregationPolicy) IsValid() bool {
	switch p {
	case "", PolicyAllRequired, PolicyBestEffort, PolicyMajority:
		return true
	default:
		return false
	}
}

// LoopConfig — параметры режима LOOP.
type LoopConfig struct {
	// MaxRounds — сколько раундов выполнить (раунды 0..MaxRounds-1).
	MaxRounds int `json:"max_rounds" yaml:"max_rounds"`

	// IntervalSec — пауза между раундами.
	IntervalSec int `json:"interval_sec" yaml:"interval_sec"`
}

// Interval возвращает паузу между раундами.
func (c LoopConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// TaskDefinition — неизменяемый шаблон задачи.
//
// Создаётся администратором, во время работы только читается.
// Единственное изменяемое поле — IsActive. Определения не удаляются,
// пока на них ссылаются экземпляры.
type TaskDefinition struct {
	// ID — уникальный идентификатор определения.
	ID uuid.UUID `json:"id"`

	// Name — человекочитаемое уникальное имя.
	Name string `json:"name"`

	// ActorType — тип исполнителя (AGENT, GROUP_AGGREGATOR, ...).
	ActorType ActorType `json:"actor_type"`

	// CodeRef — непрозрачная ссылка на внешнюю исполняемую логику.
	// Ядро её не интерпретирует, воркер ищет по ней исполнителя.
	CodeRef string `json:"code_ref"`

	// ScheduleType — ONCE, CRON или LOOP.
	ScheduleType ScheduleType `json:"schedule_type"`

	// CronExpr — cron-выражение (только для CRON).
	CronExpr string `json:"cron_expr,omitempty"`

	// LoopConfig — параметры цикла (только для LOOP).
	LoopConfig *LoopConfig `json:"loop_config,omitempty"`

	// DefaultParams — параметры по умолчанию, поверх которых накладываются параметры запуска.
	DefaultParams map[string]any `json:"default_params,omitempty"`

	// AggregationPolicy — как родитель реагирует на неуспешных детей.
	AggregationPolicy AggregationPolicy `json:"aggregation_policy,omitempty"`

	// TimeoutSec — лимит выполнения одной попытки (0 — без лимита).
	TimeoutSec int `json:"timeout_sec"`

	// MaxRetries — сколько раз можно повторить после FAILED.
	MaxRetries int `json:"max_retries"`

	// IsActive — можно ли запускать новые trace.
	IsActive bool `json:"is_active"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// Validate проверяет структурную корректность определения.
// Синтаксис cron-выражения проверяется отдельно (scheduler.ValidateCronExpr).
func (d *TaskDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if d.CodeRef == "" {
		return fmt.Errorf("%w: code_ref is required", ErrInvalidDefinition)
	}
	if !d.ActorType.IsValid() {
		return fmt.Errorf("%w: unknown actor_type %q", ErrInvalidDefinition, d.ActorType)
	}
	if !d.ScheduleType.IsValid() {
		return fmt.Errorf("%w: unknown schedule_type %q", ErrInvalidDefinition, d.ScheduleType)
	}
	if !d.AggregationPolicy.IsValid() {
		return fmt.Errorf("%w: unknown aggregation_policy %q", ErrInvalidDefinition, d.AggregationPolicy)
	}
	if d.TimeoutSec < 0 || d.MaxRetries < 0 {
		return fmt.Errorf("%w: timeout_sec and max_retries must not be negative", ErrInvalidDefinition)
	}

	switch d.ScheduleType {
	case ScheduleCron:
		if d.CronExpr == "" {
			return fmt.Errorf("%w: cron_expr is required for CRON", ErrInvalidDefinition)
		}
	case ScheduleLoop:
		if d.LoopConfig == nil || d.LoopConfig.MaxRounds < 1 {
			return fmt.Errorf("%w: loop_config.max_rounds must be >= 1 for LOOP", ErrInvalidDefinition)
		}
		if d.LoopConfig.IntervalSec < 0 {
			return fmt.Errorf("%w: loop_config.interval_sec must not be negative", ErrInvalidDefinition)
		}
	}
	return nil
}

// MergeParams накладывает параметры запуска на DefaultParams.
// Исходные map не изменяются.
func (d *TaskDefinition) MergeParams(params map[string]any) map[string]any {
	merged := make(map[string]any, len(d.DefaultParams)+len(params))
	for k, v := range d.DefaultParams {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}
