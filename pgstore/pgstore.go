// Package pgstore provides PostgreSQL-backed persistence for lifecycle
// instances, their event logs and approval workflow state. All stores share
// one pgx pool and rely on row-level compare-and-set updates for the
// concurrency guarantees the in-memory stores provide with mutexes.
package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	lifecycle "github.com/goliatone/go-lifecycle"
)

// Schema is the DDL for every table the package owns. It is idempotent so
// deployments can apply it on boot.
const Schema = `
CREATE TABLE IF NOT EXISTS lifecycle_instances (
    id                  TEXT PRIMARY KEY,
    record_type         TEXT NOT NULL,
    record_id           TEXT NOT NULL,
    tenant              TEXT NOT NULL,
    lifecycle_id        TEXT NOT NULL,
    current_state_id    TEXT NOT NULL,
    version             INTEGER NOT NULL DEFAULT 1,
    pending_operation   TEXT NOT NULL DEFAULT '',
    pending_approval_id TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (record_type, record_id, tenant)
);

CREATE TABLE IF NOT EXISTS lifecycle_events (
    id            TEXT PRIMARY KEY,
    instance_id   TEXT NOT NULL,
    record_type   TEXT NOT NULL,
    record_id     TEXT NOT NULL,
    tenant        TEXT NOT NULL,
    operation     TEXT NOT NULL,
    from_state_id TEXT NOT NULL,
    to_state_id   TEXT NOT NULL,
    outcome       TEXT NOT NULL,
    reason        TEXT NOT NULL DEFAULT '',
    actor_id      TEXT NOT NULL DEFAULT '',
    occurred_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_lifecycle_events_record
    ON lifecycle_events (record_type, record_id, tenant, occurred_at);

CREATE TABLE IF NOT EXISTS approval_instances (
    id            TEXT PRIMARY KEY,
    template_id   TEXT NOT NULL,
    record_type   TEXT NOT NULL,
    record_id     TEXT NOT NULL,
    tenant        TEXT NOT NULL,
    operation     TEXT NOT NULL,
    requested_by  TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending',
    reject_policy TEXT NOT NULL,
    stage_index   INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at  TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_approval_pending_record
    ON approval_instances (record_type, record_id, tenant)
    WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS approval_stages (
    id          TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL REFERENCES approval_instances (id),
    template_id TEXT NOT NULL,
    name        TEXT NOT NULL,
    stage_index INTEGER NOT NULL,
    quorum_kind TEXT NOT NULL,
    quorum_count INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_approval_stages_instance
    ON approval_stages (instance_id, stage_index);

CREATE TABLE IF NOT EXISTS approval_tasks (
    id                TEXT PRIMARY KEY,
    instance_id       TEXT NOT NULL REFERENCES approval_instances (id),
    stage_id          TEXT NOT NULL REFERENCES approval_stages (id),
    assignee_id       TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'pending',
    snapshot_id       TEXT NOT NULL,
    rule_kind         TEXT NOT NULL,
    rule_detail       TEXT NOT NULL DEFAULT '',
    delegated_from    TEXT NOT NULL DEFAULT '',
    escalated_from    TEXT NOT NULL DEFAULT '',
    resolved_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    comment           TEXT NOT NULL DEFAULT '',
    decided_by        TEXT NOT NULL DEFAULT '',
    decided_at        TIMESTAMPTZ,
    escalated_at      TIMESTAMPTZ,
    reminder_job_id   TEXT NOT NULL DEFAULT '',
    escalation_job_id TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_approval_tasks_stage
    ON approval_tasks (stage_id);

CREATE INDEX IF NOT EXISTS idx_approval_tasks_assignee
    ON approval_tasks (assignee_id, status);

CREATE TABLE IF NOT EXISTS approval_escalations (
    id          TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL,
    task_id     TEXT NOT NULL,
    kind        TEXT NOT NULL,
    note        TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS approval_decisions (
    id          TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL,
    task_id     TEXT NOT NULL,
    actor_id    TEXT NOT NULL,
    action      TEXT NOT NULL,
    comment     TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Migrate applies the package schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return lifecycle.WrapError(lifecycle.ErrValidation, err, "apply lifecycle schema")
	}
	return nil
}

// isUniqueViolation reports a 23505 from the server.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
