package repository

import (
	"context"
	"time"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
)

// EntityConfigRecord is the persisted entity configuration row, keyed by
// stable entity id.
type EntityConfigRecord struct {
	EntityID     string    `db:"entity_id"`
	Kind         string    `db:"kind"`
	Name         string    `db:"name"`
	DeviceID     string    `db:"device_id"`
	Instance     int       `db:"instance"`
	Controllable bool      `db:"controllable"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// EntityConfigRepository is the append/overwrite-by-key store for entity
// definitions loaded from coach-mapping at boot and subsequently updated
// by management operations.
type EntityConfigRepository struct {
	db *DB
}

// NewEntityConfigRepository constructs a repository over db.
func NewEntityConfigRepository(db *DB) *EntityConfigRepository {
	return &EntityConfigRepository{db: db}
}

// Upsert writes rec, replacing any existing row for the same entity id.
func (r *EntityConfigRepository) Upsert(ctx context.Context, rec EntityConfigRecord) error {
	const q = `
		INSERT INTO entity_config (entity_id, kind, name, device_id, instance, controllable, updated_at)
		VALUES (:entity_id, :kind, :name, :device_id, :instance, :controllable, :updated_at)
		ON CONFLICT (entity_id) DO UPDATE SET
			kind = EXCLUDED.kind, name = EXCLUDED.name, device_id = EXCLUDED.device_id,
			instance = EXCLUDED.instance, controllable = EXCLUDED.controllable, updated_at = EXCLUDED.updated_at`
	_, err := r.db.conn.NamedExecContext(ctx, q, rec)
	if err != nil {
		return rvcerrors.Wrap(rvcerrors.Internal, "entity_config: upsert", err)
	}
	return nil
}

// Get fetches one entity's persisted configuration by id.
func (r *EntityConfigRepository) Get(ctx context.Context, entityID string) (EntityConfigRecord, error) {
	var rec EntityConfigRecord
	const q = `SELECT entity_id, kind, name, device_id, instance, controllable, updated_at FROM entity_config WHERE entity_id = $1`
	if err := r.db.conn.GetContext(ctx, &rec, q, entityID); err != nil {
		if isNoRows(err) {
			return EntityConfigRecord{}, rvcerrors.NotFoundErr("entity_config", entityID)
		}
		return EntityConfigRecord{}, rvcerrors.Wrap(rvcerrors.Internal, "entity_config: get", err)
	}
	return rec, nil
}

// List returns every persisted entity configuration, used to seed the
// Entity Manager's in-memory map at startup.
func (r *EntityConfigRepository) List(ctx context.Context) ([]EntityConfigRecord, error) {
	var recs []EntityConfigRecord
	const q = `SELECT entity_id, kind, name, device_id, instance, controllable, updated_at FROM entity_config ORDER BY entity_id`
	if err := r.db.conn.SelectContext(ctx, &recs, q); err != nil {
		return nil, rvcerrors.Wrap(rvcerrors.Internal, "entity_config: list", err)
	}
	return recs, nil
}
