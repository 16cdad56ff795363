package repository

import (
	"context"
	"encoding/json"
	"time"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
)

// CommandAuditRecord is one append-only control command record, keyed by
// (entity id, timestamp).
type CommandAuditRecord struct {
	ID          int64     `db:"id"`
	EntityID    string    `db:"entity_id"`
	Principal   string    `db:"principal"`
	DesiredJSON []byte    `db:"desired_json"`
	Status      string    `db:"status"`
	IssuedAt    time.Time `db:"issued_at"`
}

// CommandAuditRepository is the append-only command log.
type CommandAuditRepository struct {
	db *DB
}

// NewCommandAuditRepository constructs a repository over db.
func NewCommandAuditRepository(db *DB) *CommandAuditRepository {
	return &CommandAuditRepository{db: db}
}

// Append records one issued command, its desired state, and its
// terminal status. desired is typically *entity.State.
func (r *CommandAuditRepository) Append(ctx context.Context, entityID, principal string, desired any, status string, issuedAt time.Time) error {
	body, err := json.Marshal(desired)
	if err != nil {
		return rvcerrors.Wrap(rvcerrors.InvalidInput, "command_audit: marshal desired state", err)
	}
	const q = `INSERT INTO command_audit (entity_id, principal, desired_json, status, issued_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.db.conn.ExecContext(ctx, q, entityID, principal, body, status, issuedAt); err != nil {
		return rvcerrors.Wrap(rvcerrors.Internal, "command_audit: append", err)
	}
	return nil
}

// ListByEntity returns entityID's most recent commands, newest first,
// bounded by limit.
func (r *CommandAuditRepository) ListByEntity(ctx context.Context, entityID string, limit int) ([]CommandAuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []CommandAuditRecord
	const q = `SELECT id, entity_id, principal, desired_json, status, issued_at FROM command_audit
		WHERE entity_id = $1 ORDER BY issued_at DESC LIMIT $2`
	if err := r.db.conn.SelectContext(ctx, &recs, q, entityID, limit); err != nil {
		return nil, rvcerrors.Wrap(rvcerrors.Internal, "command_audit: list", err)
	}
	return recs, nil
}
