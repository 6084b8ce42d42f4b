package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InstanceRepo — репозиторий экземпляров задач.
//
// Все изменения статуса — одиночные UPDATE с условием на текущий статус.
// Чтение-изменение-запись на стороне приложения не используется.
type InstanceRepo struct {
	pool *pgxpool.Pool
}

// NewInstanceRepo создаёт новый InstanceRepo.
func NewInstanceRepo(pool *pgxpool.Pool) *InstanceRepo {
	return &InstanceRepo{pool: pool}
}

const instanceColumns = `
	id, trace_id, parent_id, parent_round, definition_id, actor_type, schedule_type, code_ref,
	round_index, status, node_path, depth, depends_on, split_count, completed_children,
	retry_count, max_retries, timeout_sec, dispatch_seq, input_params, output_ref, error_msg,
	cron_trigger_time, available_at, created_at, started_at, finished_at, updated_at`

const insertInstanceSQL = `
	INSERT INTO task_instances (` + instanceColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
	        $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
`

// Create сохраняет новый экземпляр.
// Повторный тик cron для того же определения возвращает ErrAlreadyExists.
func (r *InstanceRepo) Create(ctx context.Context, inst *domain.TaskInstance) error {
	args, err := instanceArgs(inst)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, insertInstanceSQL, args...)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert task instance: %w", err)
	}
	return nil
}

// GetByID возвращает экземпляр по ID.
func (r *InstanceRepo) GetByID(ctx context.Context, id string) (*domain.TaskInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM task_instances WHERE id = $1`
	return scanInstance(r.pool.QueryRow(ctx, query, id))
}

// ListByTrace возвращает экземпляры trace с фильтром по статусу и уровню.
func (r *InstanceRepo) ListByTrace(ctx context.Context, filter InstanceFilter) ([]domain.TaskInstance, error) {
	if filter.Limit <= 0 {
		filter.Limit = 1000
	}
	query := `
		SELECT ` + instanceColumns + `
		FROM task_instances
		WHERE trace_id = $1
		  AND ($2::text IS NULL OR status = $2)
		  AND ($3::int IS NULL OR depth = $3)
		ORDER BY node_path ASC
		LIMIT $4
	`
	return r.queryInstances(ctx, "list trace instances", query,
		filter.TraceID, nullString(string(filter.Status)), filter.Layer, filter.Limit)
}

// ListChildren возвращает прямых детей.
func (r *InstanceRepo) ListChildren(ctx context.Context, parentID string) ([]domain.TaskInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM task_instances WHERE parent_id = $1 ORDER BY id`
	return r.queryInstances(ctx, "list children", query, parentID)
}

// ListDependents возвращает PENDING экземпляры trace, которые ждут id.
func (r *InstanceRepo) ListDependents(ctx context.Context, traceID uuid.UUID, id string) ([]domain.TaskInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM task_instances
		WHERE trace_id = $1 AND status = 'PENDING' AND $2 = ANY(depends_on)
		ORDER BY id
	`
	return r.queryInstances(ctx, "list dependents", query, traceID, id)
}

// ListPending возвращает кандидатов на допуск: PENDING, задержка истекла,
// дети (если были) завершены.
func (r *InstanceRepo) ListPending(ctx context.Context, filter PendingFilter) ([]domain.TaskInstance, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Now.IsZero() {
		filter.Now = time.Now()
	}
	query := `
		SELECT ` + instanceColumns + `
		FROM task_instances
		WHERE status = 'PENDING'
		  AND available_at <= $1
		  AND split_count = 0
		  AND ($2::uuid IS NULL OR trace_id = $2)
		ORDER BY available_at ASC, id ASC
		LIMIT $3
	`
	return r.queryInstances(ctx, "list pending instances", query, filter.Now, filter.TraceID, filter.Limit)
}

// ListStalledAggregators возвращает родителей, у которых все дети
// завершились, но активация не произошла.
func (r *InstanceRepo) ListStalledAggregators(ctx context.Context, olderThan time.Time, limit int) ([]domain.TaskInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + instanceColumns + `
		FROM task_instances
		WHERE status = 'PENDING'
		  AND split_count > 0
		  AND completed_children >= split_count
		  AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return r.queryInstances(ctx, "list stalled aggregators", query, olderThan, limit)
}

// StatusesByIDs возвращает текущие статусы экземпляров (снимок).
func (r *InstanceRepo) StatusesByIDs(ctx context.Context, ids []string) (map[string]domain.TaskStatus, error) {
	result := make(map[string]domain.TaskStatus, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, status FROM task_instances WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var status domain.TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		result[id] = status
	}
	return result, rows.Err()
}

// CountChildrenByStatus считает детей родителя, зарегистрированных в раунде round.
func (r *InstanceRepo) CountChildrenByStatus(ctx context.Context, parentID string, round int) (map[domain.TaskStatus]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM task_instances
		WHERE parent_id = $1 AND parent_round = $2
		GROUP BY status
	`, parentID, round)
	if err != nil {
		return nil, fmt.Errorf("count children: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status domain.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan child count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// RegisterChildren в одной транзакции добавляет детей, увеличивает
// split_count родителя и переводит его RUNNING → PENDING (ожидание детей).
//
// Возвращает ErrInvalidState, если родитель не RUNNING.
func (r *InstanceRepo) RegisterChildren(ctx context.Context, parentID string, children []*domain.TaskInstance) (*domain.TaskInstance, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status domain.TaskStatus
	err = tx.QueryRow(ctx, `SELECT status FROM task_instances WHERE id = $1 FOR UPDATE`, parentID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock parent: %w", err)
	}
	if status != domain.TaskStatusRunning {
		return nil, ErrInvalidState
	}

	batch := &pgx.Batch{}
	for _, child := range children {
		args, err := instanceArgs(child)
		if err != nil {
			return nil, err
		}
		batch.Queue(insertInstanceSQL, args...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("insert children: %w", err)
	}

	parent, err := scanInstance(tx.QueryRow(ctx, `
		UPDATE task_instances
		SET split_count = split_count + $2, status = 'PENDING', updated_at = now()
		WHERE id = $1
		RETURNING `+instanceColumns, parentID, len(children)))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return parent, nil
}

// Admit допускает экземпляр: PENDING → RUNNING для указанного раунда.
// Возвращает новый DispatchSeq.
func (r *InstanceRepo) Admit(ctx context.Context, id string, round int) (int, bool, error) {
	return r.casReturningSeq(ctx, "admit", `
		UPDATE task_instances
		SET status = 'RUNNING', dispatch_seq = dispatch_seq + 1,
		    started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'PENDING' AND round_index = $2
		  AND split_count = 0 AND available_at <= now()
		RETURNING dispatch_seq
	`, id, round)
}

// ActivateAggregator переводит родителя PENDING → RUNNING, когда все дети завершены.
// Только один из конкурирующих вызовов получит true.
func (r *InstanceRepo) ActivateAggregator(ctx context.Context, id string) (int, bool, error) {
	return r.casReturningSeq(ctx, "activate aggregator", `
		UPDATE task_instances
		SET status = 'RUNNING', dispatch_seq = dispatch_seq + 1,
		    started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
		  AND split_count > 0 AND completed_children >= split_count
		RETURNING dispatch_seq
	`, id)
}

// ReleaseAdmission откатывает допуск RUNNING → PENDING, если публикация не удалась.
func (r *InstanceRepo) ReleaseAdmission(ctx context.Context, id string, seq int) (bool, error) {
	return r.cas(ctx, "release admission", `
		UPDATE task_instances
		SET status = 'PENDING', started_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'RUNNING' AND dispatch_seq = $2
	`, id, seq)
}

// MarkSucceeded переводит RUNNING → SUCCESS.
// seq = 0 отключает проверку номера допуска.
func (r *InstanceRepo) MarkSucceeded(ctx context.Context, id string, seq int, outputRef string) (bool, error) {
	return r.cas(ctx, "mark succeeded", `
		UPDATE task_instances
		SET status = 'SUCCESS', output_ref = $3, error_msg = NULL,
		    finished_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'RUNNING' AND ($2 = 0 OR dispatch_seq = $2)
	`, id, seq, nullString(outputRef))
}

// MarkFailed переводит PENDING/RUNNING → FAILED.
func (r *InstanceRepo) MarkFailed(ctx context.Context, id string, seq int, errMsg string) (bool, error) {
	return r.cas(ctx, "mark failed", `
		UPDATE task_instances
		SET status = 'FAILED', error_msg = $3, finished_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING') AND ($2 = 0 OR dispatch_seq = $2)
	`, id, seq, nullString(errMsg))
}

// MarkCancelled переводит PENDING/RUNNING → CANCELLED.
func (r *InstanceRepo) MarkCancelled(ctx context.Context, id string) (bool, error) {
	return r.cas(ctx, "mark cancelled", `
		UPDATE task_instances
		SET status = 'CANCELLED', finished_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'RUNNING')
	`, id)
}

// MarkSkipped переводит PENDING → SKIPPED.
func (r *InstanceRepo) MarkSkipped(ctx context.Context, id string, reason string) (bool, error) {
	return r.cas(ctx, "mark skipped", `
		UPDATE task_instances
		SET status = 'SKIPPED', error_msg = $2, finished_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`, id, nullString(reason))
}

// ResetForRetry возвращает RUNNING → PENDING для повтора и увеличивает retry_count.
func (r *InstanceRepo) ResetForRetry(ctx context.Context, id string, seq int, errMsg string, availableAt time.Time) (bool, error) {
	return r.cas(ctx, "reset for retry", `
		UPDATE task_instances
		SET status = 'PENDING', retry_count = retry_count + 1, error_msg = $3,
		    available_at = $4, started_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'RUNNING' AND ($2 = 0 OR dispatch_seq = $2)
		  AND retry_count < max_retries
	`, id, seq, nullString(errMsg), availableAt)
}

// RearmLoop перевзводит LOOP: SUCCESS → PENDING с round_index+1.
// Условие на round защищает от повторного перевзвода того же раунда.
// Счётчики детей обнуляются: дети нового раунда считаются заново.
func (r *InstanceRepo) RearmLoop(ctx context.Context, id string, round int, availableAt time.Time) (bool, error) {
	return r.cas(ctx, "rearm loop", `
		UPDATE task_instances
		SET status = 'PENDING', round_index = round_index + 1, retry_count = 0,
		    split_count = 0, completed_children = 0, available_at = $3, started_at = NULL, finished_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'SUCCESS' AND schedule_type = 'LOOP' AND round_index = $2
	`, id, round, availableAt)
}

// IncrementCompletedChildren атомарно увеличивает счётчик завершённых детей.
//
// Увеличение выполняется только пока completed_children < split_count.
// Если строка найдена, но счётчик уже на пределе, возвращается Clamped.
func (r *InstanceRepo) IncrementCompletedChildren(ctx context.Context, parentID string) (ChildProgress, error) {
	var p ChildProgress
	err := r.pool.QueryRow(ctx, `
		UPDATE task_instances
		SET completed_children = completed_children + 1, updated_at = now()
		WHERE id = $1 AND completed_children < split_count
		RETURNING completed_children, split_count
	`, parentID).Scan(&p.Completed, &p.Split)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return p, fmt.Errorf("increment completed children: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT completed_children, split_count FROM task_instances WHERE id = $1
	`, parentID).Scan(&p.Completed, &p.Split)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("select completed children: %w", err)
	}
	p.Clamped = true
	return p, nil
}

// CancelTrace массово переводит все нефинальные экземпляры trace в CANCELLED.
// Возвращает id затронутых экземпляров.
func (r *InstanceRepo) CancelTrace(ctx context.Context, traceID uuid.UUID) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE task_instances
		SET status = 'CANCELLED', finished_at = now(), updated_at = now()
		WHERE trace_id = $1 AND status IN ('PENDING', 'RUNNING')
		RETURNING id
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("cancel trace: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cancelled id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Helpers ---

func (r *InstanceRepo) cas(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *InstanceRepo) casReturningSeq(ctx context.Context, op, query string, args ...any) (int, bool, error) {
	var seq int
	err := r.pool.QueryRow(ctx, query, args...).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	return seq, true, nil
}

func (r *InstanceRepo) queryInstances(ctx context.Context, op, query string, args ...any) ([]domain.TaskInstance, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.TaskInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func instanceArgs(inst *domain.TaskInstance) ([]any, error) {
	paramsJSON, err := json.Marshal(inst.InputParams)
	if err != nil {
		return nil, fmt.Errorf("marshal input params: %w", err)
	}
	dependsOn := inst.DependsOn
	if dependsOn == nil {
		dependsOn = []string{}
	}
	return []any{
		inst.ID,
		inst.TraceID,
		inst.ParentID,
		inst.ParentRound,
		inst.DefinitionID,
		inst.ActorType,
		inst.ScheduleType,
		inst.CodeRef,
		inst.RoundIndex,
		inst.Status,
		inst.NodePath,
		inst.Depth,
		dependsOn,
		inst.SplitCount,
		inst.CompletedChildren,
		inst.RetryCount,
		inst.MaxRetries,
		inst.TimeoutSec,
		inst.DispatchSeq,
		paramsJSON,
		nullString(inst.OutputRef),
		nullString(inst.ErrorMsg),
		inst.CronTriggerTime,
		inst.AvailableAt,
		inst.CreatedAt,
		inst.StartedAt,
		inst.FinishedAt,
		inst.UpdatedAt,
	}, nil
}

// scanInstance сканирует одну строку в TaskInstance.
func scanInstance(row pgx.Row) (*domain.TaskInstance, error) {
	var inst domain.TaskInstance
	var paramsJSON []byte
	var outputRef, errorMsg *string

	err := row.Scan(
		&inst.ID,
		&inst.TraceID,
		&inst.ParentID,
		&inst.ParentRound,
		&inst.DefinitionID,
		&inst.ActorType,
		&inst.ScheduleType,
		&inst.CodeRef,
		&inst.RoundIndex,
		&inst.Status,
		&inst.NodePath,
		&inst.Depth,
		&inst.DependsOn,
		&inst.SplitCount,
		&inst.CompletedChildren,
		&inst.RetryCount,
		&inst.MaxRetries,
		&inst.TimeoutSec,
		&inst.DispatchSeq,
		&paramsJSON,
		&outputRef,
		&errorMsg,
		&inst.CronTriggerTime,
		&inst.AvailableAt,
		&inst.CreatedAt,
		&inst.StartedAt,
		&inst.FinishedAt,
		&inst.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task instance: %w", err)
	}

	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &inst.InputParams); err != nil {
			return nil, fmt.Errorf("unmarshal input params: %w", err)
		}
	}
	if outputRef != nil {
		inst.OutputRef = *outputRef
	}
	if errorMsg != nil {
		inst.ErrorMsg = *errorMsg
	}
	if len(inst.DependsOn) == 0 {
		inst.DependsOn = nil
	}
	return &inst, nil
}
