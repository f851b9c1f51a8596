package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	url                 TEXT NOT NULL,
	submission_url      TEXT NOT NULL DEFAULT '',
	category            TEXT NOT NULL DEFAULT '',
	tier                INTEGER NOT NULL,
	domain_authority    INTEGER NOT NULL DEFAULT 0,
	difficulty          TEXT NOT NULL DEFAULT '',
	requires_login      BOOLEAN NOT NULL DEFAULT FALSE,
	has_captcha         BOOLEAN NOT NULL DEFAULT FALSE,
	active              BOOLEAN NOT NULL DEFAULT TRUE,
	verification_status TEXT NOT NULL DEFAULT 'unmapped',
	mapping             JSONB
);

CREATE TABLE IF NOT EXISTS %[2]s (
	id               TEXT PRIMARY KEY,
	customer_id      TEXT NOT NULL,
	package          TEXT NOT NULL,
	profile          JSONB NOT NULL,
	directories      JSONB NOT NULL,
	status           TEXT NOT NULL,
	counters         JSONB NOT NULL,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS %[3]s (
	job_id       TEXT NOT NULL REFERENCES %[2]s (id),
	directory_id TEXT NOT NULL,
	position     INTEGER NOT NULL,
	status       TEXT NOT NULL,
	mapping_tier TEXT NOT NULL DEFAULT '',
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	category     TEXT NOT NULL DEFAULT '',
	skip_reason  TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	history      JSONB NOT NULL DEFAULT '[]'::jsonb,
	session_id   TEXT NOT NULL DEFAULT '',
	multi_step   BOOLEAN NOT NULL DEFAULT FALSE,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ,
	PRIMARY KEY (job_id, directory_id)
);

ALTER TABLE %[3]s ADD COLUMN IF NOT EXISTS multi_step BOOLEAN NOT NULL DEFAULT FALSE;

CREATE INDEX IF NOT EXISTS %[2]s_status_idx ON %[2]s (status, created_at);
`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db execer, tables Tables) error {
	t, err := tables.resolve()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, fmt.Sprintf(schemaTemplate, t.Directories, t.Jobs, t.Attempts)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
