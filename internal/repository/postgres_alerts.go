package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/common/database"
	"wisefido-band/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const alertColumns = `
	alert_id::text,
	tenant_id::text,
	device_id::text,
	alert_type,
	severity,
	status,
	confidence,
	description,
	explanation,
	data,
	triggered_at,
	resolved_at,
	created_at,
	updated_at`

type PostgresAlertsRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAlertsRepo 创建告警Repository
func NewPostgresAlertsRepo(db *sql.DB, logger *zap.Logger) *PostgresAlertsRepo {
	return &PostgresAlertsRepo{db: db, logger: logger}
}

func scanAlert(s rowScanner) (*models.Alert, error) {
	var a models.Alert
	var alertType, severity, status string
	var data []byte
	var resolvedAt sql.NullTime
	if err := s.Scan(
		&a.AlertID,
		&a.TenantID,
		&a.DeviceID,
		&alertType,
		&severity,
		&status,
		&a.Confidence,
		&a.Description,
		&a.Explanation,
		&data,
		&a.TriggeredAt,
		&resolvedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.AlertType = models.AlertType(alertType)
	a.Severity = models.Severity(severity)
	a.Status = models.AlertStatus(status)
	a.Data = data
	a.ResolvedAt = nullTimePtr(resolvedAt)
	return &a, nil
}

func (r *PostgresAlertsRepo) CreateAlert(ctx context.Context, alert *models.Alert, history *models.AlertHistory) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO alerts (
				alert_id, tenant_id, device_id, alert_type, severity, status,
				confidence, description, explanation, data,
				triggered_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`,
			alert.AlertID,
			alert.TenantID,
			alert.DeviceID,
			string(alert.AlertType),
			string(alert.Severity),
			string(alert.Status),
			alert.Confidence,
			alert.Description,
			alert.Explanation,
			jsonOrEmpty(alert.Data),
			alert.TriggeredAt,
			alert.CreatedAt,
			alert.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}
		return insertAlertHistory(ctx, tx, history)
	})
}

func (r *PostgresAlertsRepo) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	a, err := scanAlert(r.db.QueryRowContext(ctx, `SELECT `+alertColumns+`
		FROM alerts WHERE alert_id = $1`, alertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("GetAlert", "alert not found: alert_id=%s", alertID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

func (r *PostgresAlertsRepo) FindRecentOpenAlert(ctx context.Context, deviceID string, alertType models.AlertType, since time.Time) (*models.Alert, error) {
	a, err := scanAlert(r.db.QueryRowContext(ctx, `SELECT `+alertColumns+`
		FROM alerts
		WHERE device_id = $1
		  AND alert_type = $2
		  AND status = 'OPEN'
		  AND triggered_at >= $3
		ORDER BY triggered_at DESC
		LIMIT 1`, deviceID, string(alertType), since))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find recent alert: %w", err)
	}
	return a, nil
}

func (r *PostgresAlertsRepo) UpdateAlertStatus(ctx context.Context, alertID string, from, to models.AlertStatus, resolvedAt *time.Time, history *models.AlertHistory) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE alerts
			SET status = $3,
			    resolved_at = COALESCE($4, resolved_at),
			    updated_at = NOW()
			WHERE alert_id = $1 AND status = $2
		`, alertID, string(from), string(to), resolvedAt)
		if err != nil {
			return fmt.Errorf("failed to update alert status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to update alert status: %w", err)
		}
		if n == 0 {
			return apperr.Conflict("UpdateAlertStatus", "alert %s is no longer %s", alertID, from)
		}
		return insertAlertHistory(ctx, tx, history)
	})
}

func (r *PostgresAlertsRepo) ListAlerts(ctx context.Context, tenantID string, statuses []models.AlertStatus, limit int) ([]*models.Alert, error) {
	if tenantID == "" {
		return []*models.Alert{}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)+1))
		args = append(args, pq.Array(ss))
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, `SELECT `+alertColumns+`
		FROM alerts
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY triggered_at DESC
		LIMIT $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	out := []*models.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresAlertsRepo) ListAlertHistory(ctx context.Context, alertID string) ([]*models.AlertHistory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT history_id::text, alert_id::text, action, from_status, to_status, actor, note, created_at
		FROM alert_history
		WHERE alert_id = $1
		ORDER BY created_at ASC
	`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert history: %w", err)
	}
	defer rows.Close()

	var out []*models.AlertHistory
	for rows.Next() {
		var h models.AlertHistory
		var from, note sql.NullString
		var to string
		if err := rows.Scan(&h.HistoryID, &h.AlertID, &h.Action, &from, &to, &h.Actor, &note, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert history: %w", err)
		}
		h.ToStatus = models.AlertStatus(to)
		if from.Valid {
			s := models.AlertStatus(from.String)
			h.FromStatus = &s
		}
		h.Note = nullStringPtr(note)
		out = append(out, &h)
	}
	return out, rows.Err()
}

func insertAlertHistory(ctx context.Context, tx *sql.Tx, h *models.AlertHistory) error {
	if h == nil {
		return nil
	}
	var from *string
	if h.FromStatus != nil {
		s := string(*h.FromStatus)
		from = &s
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO alert_history (history_id, alert_id, action, from_status, to_status, actor, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, h.HistoryID, h.AlertID, h.Action, from, string(h.ToStatus), h.Actor, h.Note, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert history: %w", err)
	}
	return nil
}
