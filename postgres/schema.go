package postgres

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS builds (
    id              TEXT PRIMARY KEY,
    project_id      TEXT NOT NULL,
    build_number    INTEGER NOT NULL,
    restart_counter INTEGER NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (project_id, build_number)
);

CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT PRIMARY KEY,
    build_id        TEXT NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
    project_id      TEXT NOT NULL,
    name            TEXT NOT NULL,
    kind            TEXT NOT NULL,
    state           TEXT NOT NULL,
    dependencies    JSONB NOT NULL DEFAULT '[]',
    cluster         TEXT NOT NULL DEFAULT '',
    cpu             DOUBLE PRECISION NOT NULL DEFAULT 0,
    memory          BIGINT NOT NULL DEFAULT 0,
    placement       JSONB NOT NULL DEFAULT '{}',
    timeout_seconds BIGINT NOT NULL DEFAULT 0,
    environment     JSONB NOT NULL DEFAULT '{}',
    definition      JSONB,
    message         TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    start_date      TIMESTAMPTZ,
    end_date        TIMESTAMPTZ,
    UNIQUE (build_id, name)
);

CREATE TABLE IF NOT EXISTS job_aborts (
    job_id       TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
    requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS clusters (
    name            TEXT PRIMARY KEY,
    labels          TEXT[] NOT NULL DEFAULT '{}',
    cpu_capacity    DOUBLE PRECISION NOT NULL DEFAULT 0,
    memory_capacity BIGINT NOT NULL DEFAULT 0,
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    enabled         BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS scheduler_lease (
    name       TEXT PRIMARY KEY,
    holder     TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_build_id      ON jobs(build_id);
`

// CreateSchema creates the tables if they don't exist.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

// DropSchema drops every table owned by the store.
func (s *PGStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS scheduler_lease, clusters, job_aborts, jobs, builds CASCADE;`)
	return err
}
