package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL creates the engine's tables. Schema evolution beyond this
// bootstrap lives in external migration tooling.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS pipeline_definitions (
	id          UUID NOT NULL,
	version     INT  NOT NULL,
	name        TEXT NOT NULL,
	definition  JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS pipeline_executions (
	id                        UUID PRIMARY KEY,
	definition_id             UUID NOT NULL,
	definition_version        INT  NOT NULL,
	status                    TEXT NOT NULL,
	input_params              JSONB,
	outputs                   JSONB,
	counters                  JSONB,
	failed_step_id            TEXT NOT NULL DEFAULT '',
	error_message             TEXT NOT NULL DEFAULT '',
	subscriber_ids            TEXT[],
	payload_type              TEXT NOT NULL DEFAULT '',
	notification_workflow_id  UUID,
	cancel_requested          BOOLEAN NOT NULL DEFAULT FALSE,
	started_at                TIMESTAMPTZ,
	completed_at              TIMESTAMPTZ,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_executions_definition ON pipeline_executions (definition_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON pipeline_executions (status);

CREATE TABLE IF NOT EXISTS step_executions (
	id                    UUID PRIMARY KEY,
	execution_id          UUID NOT NULL REFERENCES pipeline_executions (id) ON DELETE CASCADE,
	step_id               TEXT NOT NULL,
	action_type           TEXT NOT NULL,
	status                TEXT NOT NULL,
	retry_count           INT  NOT NULL DEFAULT 0,
	awaiting_event        BOOLEAN NOT NULL DEFAULT FALSE,
	external_workflow_id  TEXT NOT NULL DEFAULT '',
	handler_type          TEXT NOT NULL DEFAULT '',
	timeout_at            TIMESTAMPTZ,
	next_attempt_at       TIMESTAMPTZ,
	params                JSONB,
	outputs               JSONB,
	error_message         TEXT NOT NULL DEFAULT '',
	started_at            TIMESTAMPTZ,
	completed_at          TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (execution_id, step_id)
);
CREATE INDEX IF NOT EXISTS idx_steps_execution ON step_executions (execution_id);
CREATE INDEX IF NOT EXISTS idx_steps_awaiting ON step_executions (awaiting_event, timeout_at) WHERE awaiting_event;
CREATE INDEX IF NOT EXISTS idx_steps_correlation ON step_executions (external_workflow_id) WHERE external_workflow_id <> '';

CREATE TABLE IF NOT EXISTS progress_events (
	id               BIGSERIAL PRIMARY KEY,
	execution_id     UUID NOT NULL REFERENCES pipeline_executions (id) ON DELETE CASCADE,
	sequence_number  BIGINT NOT NULL,
	event_type       TEXT NOT NULL,
	progress_percent NUMERIC(5,2) NOT NULL DEFAULT 0,
	eta_seconds      INT,
	current_step     TEXT NOT NULL DEFAULT '',
	details          JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (execution_id, sequence_number)
);

CREATE TABLE IF NOT EXISTS execution_subscriptions (
	id              UUID PRIMARY KEY,
	execution_id    UUID NOT NULL REFERENCES pipeline_executions (id) ON DELETE CASCADE,
	callback_topic  TEXT NOT NULL,
	subscribed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at      TIMESTAMPTZ,
	delivery_status TEXT NOT NULL DEFAULT 'active',
	failure_reason  TEXT NOT NULL DEFAULT '',
	UNIQUE (execution_id, callback_topic)
);

CREATE TABLE IF NOT EXISTS trigger_schedules (
	id               UUID PRIMARY KEY,
	name             TEXT NOT NULL,
	kind             TEXT NOT NULL,
	cron_expr        TEXT NOT NULL DEFAULT '',
	interval_seconds INT  NOT NULL DEFAULT 0,
	fire_at          TIMESTAMPTZ,
	definition_id    UUID NOT NULL,
	params           JSONB,
	enabled          BOOLEAN NOT NULL DEFAULT TRUE,
	last_fired_at    TIMESTAMPTZ,
	next_fire_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON trigger_schedules (next_fire_at) WHERE enabled;

CREATE TABLE IF NOT EXISTS webhook_triggers (
	id            UUID PRIMARY KEY,
	name          TEXT NOT NULL,
	token         TEXT NOT NULL UNIQUE,
	secret        TEXT NOT NULL DEFAULT '',
	definition_id UUID NOT NULL,
	params        JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS event_triggers (
	id            UUID PRIMARY KEY,
	name          TEXT NOT NULL,
	topic         TEXT NOT NULL,
	pattern       TEXT NOT NULL,
	definition_id UUID NOT NULL,
	params        JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the bootstrap schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
