package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// HistoryRecord is one append-only entity state snapshot; the log is
// partitioned by entity id and pruned by the retention sweep.
type HistoryRecord struct {
	ID         int64     `db:"id"`
	EntityID   string    `db:"entity_id"`
	StateJSON  []byte    `db:"state_json"`
	RecordedAt time.Time `db:"recorded_at"`
}

// HistoryRepository is the append-only per-entity state log.
type HistoryRepository struct {
	db *DB
}

// NewHistoryRepository constructs a repository over db.
func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append records one state snapshot. state is marshaled as-is; callers
// typically pass *entity.State.
func (r *HistoryRepository) Append(ctx context.Context, entityID string, state any, at time.Time) error {
	body, err := json.Marshal(state)
	if err != nil {
		return rvcerrors.Wrap(rvcerrors.InvalidInput, "history: marshal state", err)
	}
	const q = `INSERT INTO entity_history (entity_id, state_json, recorded_at) VALUES ($1, $2, $3)`
	if _, err := r.db.conn.ExecContext(ctx, q, entityID, body, at); err != nil {
		return rvcerrors.Wrap(rvcerrors.Internal, "history: append", err)
	}
	return nil
}

// ListSince returns entityID's recorded snapshots at or after since,
// oldest first.
func (r *HistoryRepository) ListSince(ctx context.Context, entityID string, since time.Time) ([]HistoryRecord, error) {
	var recs []HistoryRecord
	const q = `SELECT id, entity_id, state_json, recorded_at FROM entity_history
		WHERE entity_id = $1 AND recorded_at >= $2 ORDER BY recorded_at ASC`
	if err := r.db.conn.SelectContext(ctx, &recs, q, entityID, since); err != nil {
		return nil, rvcerrors.Wrap(rvcerrors.Internal, "history: list", err)
	}
	return recs, nil
}

// DeleteOlderThan prunes snapshots recorded before cutoff, returning the
// number of rows removed. Called by the retention sweep.
func (r *HistoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM entity_history WHERE recorded_at < $1`
	res, err := r.db.conn.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, rvcerrors.Wrap(rvcerrors.Internal, "history: prune", err)
	}
	return res.RowsAffected()
}
