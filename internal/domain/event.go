package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType — тип события от воркера.
type EventType string

const (
	EventStarted   EventType = "STARTED"
	EventProgress  EventType = "PROGRESS"
	EventCompleted EventType = "COMPLETED"
	EventFailed    EventType = "FAILED"
	EventCancelled EventType = "CANCELLED"
)

// Ключи payload событий.
const (
	PayloadOutputRef     = "output_ref"
	PayloadError         = "error"
	PayloadRetryDelaySec = "retry_delay_sec"
	PayloadState         = "state"
	PayloadReason        = "reason"

	// ProgressStatePaused — значение PayloadState, когда исполнитель припарковал задачу.
	ProgressStatePaused = "PAUSED"
)

// TaskEvent — отчёт воркера о задаче.
//
// Доставка at-least-once, дубликаты отбрасываются по EventID.
type TaskEvent struct {
	// EventID — ключ идемпотентности.
	EventID string `json:"event_id"`

	// EventType — STARTED, PROGRESS, COMPLETED, FAILED или CANCELLED.
	EventType EventType `json:"event_type"`

	// TaskID — экземпляр, к которому относится событие.
	TaskID string `json:"task_id"`

	// DispatchSeq — номер допуска, который выполнял воркер (0 — без проверки).
	DispatchSeq int `json:"dispatch_seq,omitempty"`

	// Payload — непрозрачные данные события.
	Payload map[string]any `json:"payload,omitempty"`

	// OccurredAt — время события на стороне воркера.
	OccurredAt time.Time `json:"occurred_at"`
}

// NewTaskEvent создаёт событие с новым EventID.
func NewTaskEvent(eventType EventType, taskID string, seq int, payload map[string]any) TaskEvent {
	return TaskEvent{
		EventID:     uuid.NewString(),
		EventType:   eventType,
		TaskID:      taskID,
		DispatchSeq: seq,
		Payload:     payload,
		OccurredAt:  time.Now().UTC(),
	}
}

// Validate проверяет обязательные поля.
func (e *TaskEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	switch e.EventType {
	case EventStarted, EventProgress, EventCompleted, EventFailed, EventCancelled:
		return nil
	default:
		return fmt.Errorf("unknown event_type %q", e.EventType)
	}
}

// PayloadString возвращает строковое значение из payload.
func (e *TaskEvent) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return ""
}

// PayloadSeconds возвращает длительность из числового значения payload (JSON number).
func (e *TaskEvent) PayloadSeconds(key string) time.Duration {
	if e.Payload == nil {
		return 0
	}
	switch v := e.Payload[key].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}

// SignalValue — управляющий флаг trace.
type SignalValue string

const (
	SignalRun    SignalValue = "RUN"
	SignalPause  SignalValue = "PAUSE"
	SignalCancel SignalValue = "CANCEL"
)

// IsValid проверяет, что значение известно.
func (s SignalValue) IsValid() bool {
	switch s {
	case SignalRun, SignalPause, SignalCancel:
		return true
	default:
		return false
	}
}

// LeaseEntry — привязка логического ключа к адресу исполнителя.
type LeaseEntry struct {
	// Key — логический ключ (id задачи или tenant+node).
	Key string `json:"key"`

	// Address — непрозрачный адрес исполнителя.
	Address string `json:"address"`

	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// DispatchRequest — сообщение task.ready: экземпляр можно попробовать допустить.
type DispatchRequest struct {
	TaskID     string    `json:"task_id"`
	TraceID    uuid.UUID `json:"trace_id"`
	RoundIndex int       `json:"round_index"`
}

// ControlType — тип управляющего сообщения исполнителю.
type ControlType string

const (
	// ControlResume — продолжить припаркованную задачу.
	ControlResume ControlType = "RESUME"
)

// ControlMessage — сообщение, адресованное конкретному исполнителю.
type ControlMessage struct {
	Type   ControlType    `json:"type"`
	TaskID string         `json:"task_id"`
	Params map[string]any `json:"params,omitempty"`
}
