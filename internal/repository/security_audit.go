package repository

import (
	"context"
	"encoding/json"
	"time"

	rvcerrors "github.com/coachrun/rvc-core/infrastructure/errors"
	"github.com/coachrun/rvc-core/internal/registry"
)

// SecurityAuditRepository is the append-only security audit log, retained
// 365 days for normal events and 2555 days (7 years) for compliance-tagged
// ones. It implements
// registry.AuditEngine directly so it can be registered with the Service
// Registry as the audit engine every safety-critical path writes through.
type SecurityAuditRepository struct {
	db *DB
}

// NewSecurityAuditRepository constructs a repository over db.
func NewSecurityAuditRepository(db *DB) *SecurityAuditRepository {
	return &SecurityAuditRepository{db: db}
}

func (r *SecurityAuditRepository) Name() string   { return "security_audit" }
func (r *SecurityAuditRepository) Domain() string { return "repository" }

func (r *SecurityAuditRepository) Start(ctx context.Context) error { return r.db.Ping(ctx) }
func (r *SecurityAuditRepository) Stop(ctx context.Context) error  { return nil }

// LogAuditEvent implements registry.AuditEngine.
func (r *SecurityAuditRepository) LogAuditEvent(ctx context.Context, event registry.AuditEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return rvcerrors.Wrap(rvcerrors.InvalidInput, "security_audit: marshal details", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	const q = `INSERT INTO security_audit
		(actor, action, resource, resource_id, outcome, details_json, ip_address, user_agent, compliance, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.db.conn.ExecContext(ctx, q,
		event.Actor, event.Action, event.Resource, event.ResourceID, event.Outcome,
		details, event.IPAddress, event.UserAgent, event.Compliance, event.Timestamp)
	if err != nil {
		return rvcerrors.Wrap(rvcerrors.Internal, "security_audit: log", err)
	}
	return nil
}

// QueryAuditLog implements registry.AuditEngine.
func (r *SecurityAuditRepository) QueryAuditLog(ctx context.Context, filter registry.AuditFilter) ([]registry.AuditEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT actor, action, resource, resource_id, outcome, details_json,
			ip_address, user_agent, compliance, recorded_at
		FROM security_audit
		WHERE ($1 = '' OR actor = $1)
			AND ($2 = '' OR action = $2)
			AND ($3 = '' OR resource = $3)
			AND ($4 = '' OR outcome = $4)
			AND ($5::timestamptz IS NULL OR recorded_at >= $5)
			AND ($6::timestamptz IS NULL OR recorded_at <= $6)
		ORDER BY recorded_at DESC
		OFFSET $7 LIMIT $8`

	var rows []struct {
		Actor       string    `db:"actor"`
		Action      string    `db:"action"`
		Resource    string    `db:"resource"`
		ResourceID  string    `db:"resource_id"`
		Outcome     string    `db:"outcome"`
		DetailsJSON []byte    `db:"details_json"`
		IPAddress   string    `db:"ip_address"`
		UserAgent   string    `db:"user_agent"`
		Compliance  bool      `db:"compliance"`
		RecordedAt  time.Time `db:"recorded_at"`
	}

	var start, end *time.Time
	if !filter.StartTime.IsZero() {
		start = &filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		end = &filter.EndTime
	}
	err := r.db.conn.SelectContext(ctx, &rows, q,
		filter.Actor, filter.Action, filter.Resource, filter.Outcome, start, end, filter.Offset, limit)
	if err != nil {
		return nil, rvcerrors.Wrap(rvcerrors.Internal, "security_audit: query", err)
	}

	events := make([]registry.AuditEvent, 0, len(rows))
	for _, row := range rows {
		var details map[string]any
		_ = json.Unmarshal(row.DetailsJSON, &details)
		events = append(events, registry.AuditEvent{
			Timestamp:  row.RecordedAt,
			Actor:      row.Actor,
			Action:     row.Action,
			Resource:   row.Resource,
			ResourceID: row.ResourceID,
			Outcome:    row.Outcome,
			Details:    details,
			IPAddress:  row.IPAddress,
			UserAgent:  row.UserAgent,
			Compliance: row.Compliance,
		})
	}
	return events, nil
}

// DeleteExpired prunes non-compliance events older than normalRetention
// and compliance-tagged events older than complianceRetention, returning
// the total rows removed. Called by the retention sweep.
func (r *SecurityAuditRepository) DeleteExpired(ctx context.Context, now time.Time, normalRetention, complianceRetention time.Duration) (int64, error) {
	const q = `DELETE FROM security_audit
		WHERE (compliance = FALSE AND recorded_at < $1)
		   OR (compliance = TRUE AND recorded_at < $2)`
	res, err := r.db.conn.ExecContext(ctx, q, now.Add(-normalRetention), now.Add(-complianceRetention))
	if err != nil {
		return 0, rvcerrors.Wrap(rvcerrors.Internal, "security_audit: prune", err)
	}
	return res.RowsAffected()
}
