package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates every table the store needs. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS corpora (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	path        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS services (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	version     TEXT NOT NULL,
	params      JSONB NOT NULL DEFAULT '{}',
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tasks (
	id           BIGSERIAL PRIMARY KEY,
	corpus_id    BIGINT NOT NULL REFERENCES corpora(id),
	service_id   BIGINT NOT NULL REFERENCES services(id),
	entry        TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued'
	             CHECK (status IN ('queued', 'assigned', 'no_problem', 'warning', 'error', 'fatal')),
	worker_id    TEXT,
	attempt      INTEGER NOT NULL DEFAULT 0,
	queued_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	assigned_at  TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	UNIQUE (corpus_id, service_id, entry)
);

CREATE INDEX IF NOT EXISTS tasks_queue_idx ON tasks (service_id, queued_at, id) WHERE status = 'queued';
CREATE INDEX IF NOT EXISTS tasks_assigned_idx ON tasks (assigned_at) WHERE status = 'assigned';
CREATE INDEX IF NOT EXISTS tasks_pair_status_idx ON tasks (corpus_id, service_id, status);

CREATE TABLE IF NOT EXISTS task_messages (
	id         BIGSERIAL PRIMARY KEY,
	task_id    BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	attempt    INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	severity   TEXT NOT NULL,
	category   TEXT NOT NULL,
	what       TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS task_messages_task_idx ON task_messages (task_id, attempt, seq);
CREATE INDEX IF NOT EXISTS task_messages_filter_idx ON task_messages (severity, category, what);

CREATE TABLE IF NOT EXISTS task_aggregates (
	corpus_id       BIGINT NOT NULL REFERENCES corpora(id),
	service_id      BIGINT NOT NULL REFERENCES services(id),
	queued          BIGINT NOT NULL DEFAULT 0,
	assigned        BIGINT NOT NULL DEFAULT 0,
	no_problem      BIGINT NOT NULL DEFAULT 0,
	warning         BIGINT NOT NULL DEFAULT 0,
	error           BIGINT NOT NULL DEFAULT 0,
	fatal           BIGINT NOT NULL DEFAULT 0,
	epoch           BIGINT NOT NULL DEFAULT 1,
	run_owner       TEXT NOT NULL DEFAULT '',
	run_description TEXT NOT NULL DEFAULT '',
	run_started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (corpus_id, service_id)
);

CREATE TABLE IF NOT EXISTS historical_runs (
	id           BIGSERIAL PRIMARY KEY,
	corpus_id    BIGINT NOT NULL REFERENCES corpora(id),
	service_id   BIGINT NOT NULL REFERENCES services(id),
	epoch        BIGINT NOT NULL,
	total        BIGINT NOT NULL,
	no_problem   BIGINT NOT NULL,
	warning      BIGINT NOT NULL,
	error        BIGINT NOT NULL,
	fatal        BIGINT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	owner        TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	UNIQUE (corpus_id, service_id, epoch)
);

CREATE TABLE IF NOT EXISTS task_history (
	id           BIGSERIAL PRIMARY KEY,
	task_id      BIGINT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	attempt      INTEGER NOT NULL,
	status       TEXT NOT NULL,
	completed_at TIMESTAMPTZ,
	saved_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS task_history_task_idx ON task_history (task_id, id);

CREATE TABLE IF NOT EXISTS reruns (
	token      TEXT PRIMARY KEY,
	affected   BIGINT NOT NULL,
	corpus_ids BIGINT[] NOT NULL,
	service_ids BIGINT[] NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
