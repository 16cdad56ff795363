// Package repository provides typed data access over the persisted
// stores: append-only entity history, command audit, and security audit
// tables over Postgres, plus a Redis-backed fast-lookup cache for entity
// state reconciliation and recorder ring-buffer overflow. Every repository
// owns its backing store exclusively and exposes only value-returning
// methods; callers never hold internal references into a repository's
// storage.
package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DB wraps the shared *sqlx.DB connection every Postgres-backed repository
// in this package is constructed from.
type DB struct {
	conn *sqlx.DB
}

// Open connects to Postgres at dsn. The caller owns the returned DB's
// lifetime and must Close it on shutdown.
func Open(dsn string) (*DB, error) {
	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: connect: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping verifies connectivity; used by the readiness health probe.
func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

// schema is the DDL every repository's table depends on: idempotent
// CREATE TABLE IF NOT EXISTS statements applied by Migrate at connect
// time. There is no versioned migration machinery; this is the
// authoritative shape each repository's struct tags must match.
const schema = `
CREATE TABLE IF NOT EXISTS entity_config (
	entity_id    TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	name         TEXT NOT NULL,
	device_id    TEXT NOT NULL,
	instance     INTEGER NOT NULL,
	controllable BOOLEAN NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_history (
	id         BIGSERIAL PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	state_json JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS entity_history_entity_id_idx ON entity_history (entity_id, recorded_at);

CREATE TABLE IF NOT EXISTS command_audit (
	id          BIGSERIAL PRIMARY KEY,
	entity_id   TEXT NOT NULL,
	principal   TEXT NOT NULL,
	desired_json JSONB NOT NULL,
	status      TEXT NOT NULL,
	issued_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS command_audit_entity_id_idx ON command_audit (entity_id, issued_at);

CREATE TABLE IF NOT EXISTS security_audit (
	id          BIGSERIAL PRIMARY KEY,
	actor       TEXT NOT NULL,
	action      TEXT NOT NULL,
	resource    TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	details_json JSONB,
	ip_address  TEXT,
	user_agent  TEXT,
	compliance  BOOLEAN NOT NULL DEFAULT FALSE,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS security_audit_recorded_at_idx ON security_audit (recorded_at);
`

// Migrate applies schema. cmd/rvc-core calls it at startup after
// connecting, unless RVC_DB_BOOTSTRAP is set to false.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.conn.ExecContext(ctx, schema)
	return err
}
