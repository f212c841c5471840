package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-band/internal/models"
)

// PostgresHealthSnapshotsRepo device_health_snapshots 表
type PostgresHealthSnapshotsRepo struct {
	db *sql.DB
}

func NewPostgresHealthSnapshotsRepo(db *sql.DB) *PostgresHealthSnapshotsRepo {
	return &PostgresHealthSnapshotsRepo{db: db}
}

func (r *PostgresHealthSnapshotsRepo) InsertSnapshot(ctx context.Context, s *models.HealthSnapshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_health_snapshots (snapshot_id, device_id, tenant_id, state, last_seen_at, offline_since, alert_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.SnapshotID, s.DeviceID, s.TenantID, string(s.State), s.LastSeenAt, s.OfflineSince, s.AlertID, s.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert health snapshot: %w", err)
	}
	return nil
}

func (r *PostgresHealthSnapshotsRepo) ListSnapshots(ctx context.Context, deviceID string, limit int) ([]*models.HealthSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT snapshot_id::text, device_id::text, tenant_id::text, state, last_seen_at, offline_since, alert_id::text, recorded_at
		FROM device_health_snapshots
		WHERE device_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list health snapshots: %w", err)
	}
	defer rows.Close()

	var out []*models.HealthSnapshot
	for rows.Next() {
		var s models.HealthSnapshot
		var state string
		var offlineSince sql.NullTime
		var alertID sql.NullString
		if err := rows.Scan(&s.SnapshotID, &s.DeviceID, &s.TenantID, &state, &s.LastSeenAt, &offlineSince, &alertID, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan health snapshot: %w", err)
		}
		s.State = models.HealthState(state)
		s.OfflineSince = nullTimePtr(offlineSince)
		s.AlertID = nullStringPtr(alertID)
		out = append(out, &s)
	}
	return out, rows.Err()
}

// PostgresDeadLettersRepo dead_letter_events 表
type PostgresDeadLettersRepo struct {
	db *sql.DB
}

func NewPostgresDeadLettersRepo(db *sql.DB) *PostgresDeadLettersRepo {
	return &PostgresDeadLettersRepo{db: db}
}

// UpsertDeadLetter 同一 event_key 重复搁置时累加 attempts
func (r *PostgresDeadLettersRepo) UpsertDeadLetter(ctx context.Context, dl DeadLetter) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dead_letter_events (event_key, payload, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (event_key) DO UPDATE
		SET attempts = dead_letter_events.attempts + EXCLUDED.attempts,
		    last_error = EXCLUDED.last_error,
		    payload = EXCLUDED.payload,
		    updated_at = EXCLUDED.updated_at
	`, dl.EventKey, jsonOrEmpty(dl.Payload), dl.Attempts, dl.LastError, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert dead letter: %w", err)
	}
	return nil
}

func (r *PostgresDeadLettersRepo) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_key, payload, attempts, last_error, created_at, updated_at
		FROM dead_letter_events
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.EventKey, &dl.Payload, &dl.Attempts, &dl.LastError, &dl.CreatedAt, &dl.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// PostgresAuditLogsRepo audit_logs 表
type PostgresAuditLogsRepo struct {
	db *sql.DB
}

func NewPostgresAuditLogsRepo(db *sql.DB) *PostgresAuditLogsRepo {
	return &PostgresAuditLogsRepo{db: db}
}

func (r *PostgresAuditLogsRepo) InsertAuditLog(ctx context.Context, e AuditLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (audit_id, tenant_id, action, entity_type, entity_id, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.AuditID, e.TenantID, e.Action, e.EntityType, e.EntityID, e.Actor, jsonOrEmpty(e.Detail), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}
