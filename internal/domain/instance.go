package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskInstance — изменяемый узел дерева выполнения.
//
// Экземпляр создаётся:
// - Lifecycle Service при старте trace (корень)
// - по запросу воркера на split (дети)
//
// Дерево хранится строками с ParentID и материализованным NodePath,
// живых указателей между узлами нет. Экземпляры никогда не удаляются.
type TaskInstance struct {
	// ID — ULID, глобально уникален и сортируется по времени создания.
	ID string `json:"id"`

	// TraceID — линия выполнения: одна на тик cron, одна на все раунды loop.
	TraceID uuid.UUID `json:"trace_id"`

	// ParentID — родитель (nil для корня). Родитель владеет ребёнком
	// только для агрегации.
	ParentID *string `json:"parent_id,omitempty"`

	// ParentRound — раунд родителя, в котором зарегистрирован ребёнок.
	ParentRound int `json:"parent_round,omitempty"`

	// DefinitionID — ссылка на TaskDefinition (jobId).
	DefinitionID uuid.UUID `json:"definition_id"`

	// ActorType — копия из определения.
	ActorType ActorType `json:"actor_type"`

	// ScheduleType — копия из определения.
	ScheduleType ScheduleType `json:"schedule_type"`

	// CodeRef — копия из определения, по ней воркер выбирает исполнителя.
	CodeRef string `json:"code_ref"`

	// RoundIndex — номер раунда, растёт монотонно (имеет смысл только для LOOP).
	RoundIndex int `json:"round_index"`

	// Status — текущий статус.
	Status TaskStatus `json:"status"`

	// NodePath — материализованный путь "rootID/childID/...".
	NodePath string `json:"node_path"`

	// Depth — уровень в дереве (корень — 0).
	Depth int `json:"depth"`

	// DependsOn — id экземпляров, которые должны быть SUCCESS до допуска.
	DependsOn []string `json:"depends_on,omitempty"`

	// SplitCount — сколько детей ожидается.
	SplitCount int `json:"split_count"`

	// CompletedChildren — сколько детей достигли финального статуса.
	// Инвариант: CompletedChildren <= SplitCount.
	CompletedChildren int `json:"completed_children"`

	// RetryCount — сколько повторов уже выполнено.
	RetryCount int `json:"retry_count"`

	// MaxRetries — копия из определения.
	MaxRetries int `json:"max_retries"`

	// TimeoutSec — копия из определения.
	TimeoutSec int `json:"timeout_sec"`

	// DispatchSeq — номер допуска. Растёт при каждом переходе в RUNNING,
	// события с устаревшим номером игнорируются.
	DispatchSeq int `json:"dispatch_seq"`

	// InputParams — входные параметры (DefaultParams + параметры запуска).
	InputParams map[string]any `json:"input_params,omitempty"`

	// OutputRef — ссылка на результат, которую вернул воркер.
	OutputRef string `json:"output_ref,omitempty"`

	// ErrorMsg — текст последней ошибки.
	ErrorMsg string `json:"error_msg,omitempty"`

	// CronTriggerTime — время тика cron, породившего trace.
	CronTriggerTime *time.Time `json:"cron_trigger_time,omitempty"`

	// AvailableAt — не допускать раньше этого времени (задержка loop/retry).
	AvailableAt time.Time `json:"available_at"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt — время последнего допуска.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время перехода в финальный статус.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRootInstance создаёт корневой экземпляр trace в статусе PENDING.
func NewRootInstance(def *TaskDefinition, traceID uuid.UUID, params map[string]any, now time.Time) *TaskInstance {
	id := NewInstanceIDAt(now)
	inst := newInstance(def, id, traceID, params, now)
	inst.NodePath = id
	if def.ScheduleType == ScheduleCron {
		t := now
		inst.CronTriggerTime = &t
	}
	return inst
}

// NewChildInstance создаёт дочерний экземпляр под parent.
//
// Дети всегда однократные или циклические: cron порождает только корни.
func NewChildInstance(parent *TaskInstance, def *TaskDefinition, params map[string]any, now time.Time) *TaskInstance {
	id := NewInstanceIDAt(now)
	inst := newInstance(def, id, parent.TraceID, params, now)
	parentID := parent.ID
	inst.ParentID = &parentID
	inst.ParentRound = parent.RoundIndex
	inst.NodePath = parent.NodePath + "/" + id
	inst.Depth = parent.Depth + 1
	if inst.ScheduleType == ScheduleCron {
		inst.ScheduleType = ScheduleOnce
	}
	return inst
}

func newInstance(def *TaskDefinition, id string, traceID uuid.UUID, params map[string]any, now time.Time) *TaskInstance {
	return &TaskInstance{
		ID:           id,
		TraceID:      traceID,
		DefinitionID: def.ID,
		ActorType:    def.ActorType,
		ScheduleType: def.ScheduleType,
		CodeRef:      def.CodeRef,
		Status:       TaskStatusPending,
		MaxRetries:   def.MaxRetries,
		TimeoutSec:   def.TimeoutSec,
		InputParams:  def.MergeParams(params),
		AvailableAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsRoot возвращает true для корня дерева.
func (t *TaskInstance) IsRoot() bool {
	return t.ParentID == nil
}

// AwaitingChildren возвращает true, пока не все дети завершились.
func (t *TaskInstance) AwaitingChildren() bool {
	return t.SplitCount > 0 && t.CompletedChildren < t.SplitCount
}

// InAggregationPhase возвращает true, если экземпляр дробился и дети уже завершены.
func (t *TaskInstance) InAggregationPhase() bool {
	return t.SplitCount > 0 && t.CompletedChildren >= t.SplitCount
}

// CanRetry возвращает true, если лимит повторов не исчерпан.
func (t *TaskInstance) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// Timeout возвращает лимит выполнения одной попытки.
func (t *TaskInstance) Timeout() time.Duration {
	return time.Duration(t.TimeoutSec) * time.Second
}

// Ancestors возвращает id предков из NodePath, начиная с корня.
func (t *TaskInstance) Ancestors() []string {
	parts := strings.Split(t.NodePath, "/")
	if len(parts) <= 1 {
		return nil
	}
	return parts[:len(parts)-1]
}

// Duration возвращает продолжительность последнего допуска.
func (t *TaskInstance) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}
