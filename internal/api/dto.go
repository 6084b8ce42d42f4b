package api

import (
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/lifecycle"
	"github.com/google/uuid"
)

// Trace DTOs

// StartTraceRequest — запрос на запуск trace. Поля запуска и ответа
// в camelCase: так их ждут внешние клиенты Command API.
type StartTraceRequest struct {
	DefinitionID uuid.UUID      `json:"definitionId"`
	Params       map[string]any `json:"params,omitempty"`
}

// StartTraceResponse — ответ с новым trace.
type StartTraceResponse struct {
	TraceID uuid.UUID `json:"traceId"`
}

// CancelTraceResponse — итог отмены trace.
type CancelTraceResponse struct {
	TraceID   uuid.UUID `json:"trace_id"`
	Status    string    `json:"status"`
	Cancelled int       `json:"cancelled"`
}

// TraceSignalResponse — итог pause/resume trace.
type TraceSignalResponse struct {
	TraceID   uuid.UUID `json:"trace_id"`
	Signal    string    `json:"signal"`
	Scheduled int       `json:"scheduled,omitempty"`
}

// Task DTOs

// RegisterChildrenRequest — запрос на split.
type RegisterChildrenRequest struct {
	Children []lifecycle.ChildSpec `json:"children"`
}

// ResumeTaskRequest — параметры продолжения припаркованной задачи.
type ResumeTaskRequest struct {
	Params map[string]any `json:"params,omitempty"`
}

// ResumeTaskResponse — куда был отправлен RESUME.
type ResumeTaskResponse struct {
	TaskID  string `json:"task_id"`
	Address string `json:"address"`
}

// TaskResponse — проекция экземпляра задачи.
type TaskResponse struct {
	ID                string              `json:"id"`
	TraceID           uuid.UUID           `json:"trace_id"`
	ParentID          *string             `json:"parent_id,omitempty"`
	DefinitionID      uuid.UUID           `json:"definition_id"`
	ActorType         domain.ActorType    `json:"actor_type"`
	ScheduleType      domain.ScheduleType `json:"schedule_type"`
	Status            domain.TaskStatus   `json:"status"`
	RoundIndex        int                 `json:"round_index"`
	Depth             int                 `json:"depth"`
	NodePath          string              `json:"node_path"`
	DependsOn         []string            `json:"depends_on,omitempty"`
	SplitCount        int                 `json:"split_count"`
	CompletedChildren int                 `json:"completed_children"`
	RetryCount        int                 `json:"retry_count"`
	DispatchSeq       int                 `json:"dispatch_seq"`
	InputParams       map[string]any      `json:"input_params,omitempty"`
	OutputRef         string              `json:"output_ref,omitempty"`
	ErrorMsg          string              `json:"error_msg,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	FinishedAt        *time.Time          `json:"finished_at,omitempty"`
}

// TaskFromDomain конвертирует domain.TaskInstance в TaskResponse.
func TaskFromDomain(t domain.TaskInstance) TaskResponse {
	return TaskResponse{
		ID:                t.ID,
		TraceID:           t.TraceID,
		ParentID:          t.ParentID,
		DefinitionID:      t.DefinitionID,
		ActorType:         t.ActorType,
		ScheduleType:      t.ScheduleType,
		Status:            t.Status,
		RoundIndex:        t.RoundIndex,
		Depth:             t.Depth,
		NodePath:          t.NodePath,
		DependsOn:         t.DependsOn,
		SplitCount:        t.SplitCount,
		CompletedChildren: t.CompletedChildren,
		RetryCount:        t.RetryCount,
		DispatchSeq:       t.DispatchSeq,
		InputParams:       t.InputParams,
		OutputRef:         t.OutputRef,
		ErrorMsg:          t.ErrorMsg,
		CreatedAt:         t.CreatedAt,
		StartedAt:         t.StartedAt,
		FinishedAt:        t.FinishedAt,
	}
}

func tasksFromDomain(list []domain.TaskInstance) []TaskResponse {
	result := make([]TaskResponse, len(list))
	for i, t := range list {
		result[i] = TaskFromDomain(t)
	}
	return result
}

// Definition DTOs

// CreateDefinitionRequest — запрос на создание определения.
type CreateDefinitionRequest struct {
	Name              string                   `json:"name"`
	ActorType         domain.ActorType         `json:"actor_type"`
	CodeRef           string                   `json:"code_ref"`
	ScheduleType      domain.ScheduleType      `json:"schedule_type"`
	CronExpr          string                   `json:"cron_expr,omitempty"`
	LoopConfig        *domain.LoopConfig       `json:"loop_config,omitempty"`
	DefaultParams     map[string]any           `json:"default_params,omitempty"`
	AggregationPolicy domain.AggregationPolicy `json:"aggregation_policy,omitempty"`
	TimeoutSec        int                      `json:"timeout_sec,omitempty"`
	MaxRetries        int                      `json:"max_retries,omitempty"`
	IsActive          *bool                    `json:"is_active,omitempty"`
}

// ToDomain конвертирует запрос в domain.TaskDefinition. Определение
// активно, если is_active не указан.
func (r CreateDefinitionRequest) ToDomain() *domain.TaskDefinition {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return &domain.TaskDefinition{
		Name:              r.Name,
		ActorType:         r.ActorType,
		CodeRef:           r.CodeRef,
		ScheduleType:      r.ScheduleType,
		CronExpr:          r.CronExpr,
		LoopConfig:        r.LoopConfig,
		DefaultParams:     r.DefaultParams,
		AggregationPolicy: r.AggregationPolicy,
		TimeoutSec:        r.TimeoutSec,
		MaxRetries:        r.MaxRetries,
		IsActive:          active,
	}
}

// SetActiveRequest — включение или выключение определения.
type SetActiveRequest struct {
	IsActive *bool `json:"is_active"`
}
