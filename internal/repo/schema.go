package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL — идемпотентная схема ядра.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS task_definitions (
	id                 UUID PRIMARY KEY,
	name               TEXT NOT NULL UNIQUE,
	actor_type         TEXT NOT NULL,
	code_ref           TEXT NOT NULL,
	schedule_type      TEXT NOT NULL DEFAULT 'ONCE',
	cron_expr          TEXT,
	loop_config        JSONB,
	default_params     JSONB,
	aggregation_policy TEXT NOT NULL DEFAULT 'ALL_REQUIRED',
	timeout_sec        INT NOT NULL DEFAULT 0,
	max_retries        INT NOT NULL DEFAULT 0,
	is_active          BOOLEAN NOT NULL DEFAULT TRUE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS task_instances (
	id                 TEXT PRIMARY KEY,
	trace_id           UUID NOT NULL,
	parent_id          TEXT,
	parent_round       INT NOT NULL DEFAULT 0,
	definition_id      UUID NOT NULL REFERENCES task_definitions(id),
	actor_type         TEXT NOT NULL,
	schedule_type      TEXT NOT NULL,
	code_ref           TEXT NOT NULL,
	round_index        INT NOT NULL DEFAULT 0,
	status             TEXT NOT NULL DEFAULT 'PENDING',
	node_path          TEXT NOT NULL,
	depth              INT NOT NULL DEFAULT 0,
	depends_on         TEXT[] NOT NULL DEFAULT '{}',
	split_count        INT NOT NULL DEFAULT 0,
	completed_children INT NOT NULL DEFAULT 0,
	retry_count        INT NOT NULL DEFAULT 0,
	max_retries        INT NOT NULL DEFAULT 0,
	timeout_sec        INT NOT NULL DEFAULT 0,
	dispatch_seq       INT NOT NULL DEFAULT 0,
	input_params       JSONB,
	output_ref         TEXT,
	error_msg          TEXT,
	cron_trigger_time  TIMESTAMPTZ,
	available_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at         TIMESTAMPTZ,
	finished_at        TIMESTAMPTZ,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT completed_children_range CHECK (completed_children >= 0 AND completed_children <= split_count)
);

CREATE INDEX IF NOT EXISTS idx_task_instances_trace ON task_instances (trace_id);
CREATE INDEX IF NOT EXISTS idx_task_instances_status ON task_instances (status);
CREATE INDEX IF NOT EXISTS idx_task_instances_pending ON task_instances (available_at) WHERE status = 'PENDING';
CREATE INDEX IF NOT EXISTS idx_task_instances_parent ON task_instances (parent_id);
CREATE INDEX IF NOT EXISTS idx_task_instances_node_path ON task_instances (node_path text_pattern_ops);
CREATE UNIQUE INDEX IF NOT EXISTS uq_task_instances_cron_tick
	ON task_instances (definition_id, cron_trigger_time)
	WHERE parent_id IS NULL AND cron_trigger_time IS NOT NULL;

CREATE TABLE IF NOT EXISTS processed_events (
	event_id     TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cron_triggers (
	definition_id UUID PRIMARY KEY REFERENCES task_definitions(id),
	next_due_at   TIMESTAMPTZ NOT NULL,
	last_fired_at TIMESTAMPTZ,
	last_trace_id UUID,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema создаёт таблицы и индексы, если их ещё нет.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
