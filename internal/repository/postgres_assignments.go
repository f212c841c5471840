package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/common/database"
	"wisefido-band/internal/models"

	"go.uber.org/zap"
)

// 部分唯一索引：device_assignments(device_id) WHERE unassigned_date IS NULL
const assignmentsOpenConstraint = "device_assignments_open_uniq"

const assignmentColumns = `
	assignment_id::text,
	device_id::text,
	tenant_id::text,
	subject_id,
	assigned_date,
	unassigned_date,
	is_streaming,
	streaming_started_at,
	streaming_stopped_at`

type PostgresAssignmentsRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAssignmentsRepo 创建设备绑定Repository
func NewPostgresAssignmentsRepo(db *sql.DB, logger *zap.Logger) *PostgresAssignmentsRepo {
	return &PostgresAssignmentsRepo{db: db, logger: logger}
}

func scanAssignment(s rowScanner) (*models.DeviceAssignment, error) {
	var a models.DeviceAssignment
	var unassigned, started, stopped sql.NullTime
	if err := s.Scan(
		&a.AssignmentID,
		&a.DeviceID,
		&a.TenantID,
		&a.SubjectID,
		&a.AssignedDate,
		&unassigned,
		&a.IsStreaming,
		&started,
		&stopped,
	); err != nil {
		return nil, err
	}
	a.UnassignedDate = nullTimePtr(unassigned)
	a.StreamingStartedAt = nullTimePtr(started)
	a.StreamingStoppedAt = nullTimePtr(stopped)
	return &a, nil
}

func (r *PostgresAssignmentsRepo) WithTx(ctx context.Context, fn func(tx AssignmentTx) error) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		return fn(&postgresAssignmentTx{tx: tx})
	})
}

func (r *PostgresAssignmentsRepo) ListStreamingAssignments(ctx context.Context) ([]*models.DeviceAssignment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+assignmentColumns+`
		FROM device_assignments
		WHERE unassigned_date IS NULL AND is_streaming = TRUE
		ORDER BY assigned_date ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list streaming assignments: %w", err)
	}
	defer rows.Close()

	var out []*models.DeviceAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type postgresAssignmentTx struct {
	tx *sql.Tx
}

func (t *postgresAssignmentTx) GetDeviceForUpdate(ctx context.Context, deviceID string) (*models.Device, error) {
	d, err := scanDevice(t.tx.QueryRowContext(ctx, `SELECT `+deviceColumns+`
		FROM devices
		WHERE device_id = $1
		FOR UPDATE`, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("GetDeviceForUpdate", "device not found: device_id=%s", deviceID)
		}
		return nil, fmt.Errorf("failed to lock device: %w", err)
	}
	return d, nil
}

func (t *postgresAssignmentTx) GetOpenAssignment(ctx context.Context, deviceID string) (*models.DeviceAssignment, error) {
	a, err := scanAssignment(t.tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+`
		FROM device_assignments
		WHERE device_id = $1 AND unassigned_date IS NULL`, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open assignment: %w", err)
	}
	return a, nil
}

func (t *postgresAssignmentTx) InsertAssignment(ctx context.Context, a *models.DeviceAssignment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO device_assignments (
			assignment_id, device_id, tenant_id, subject_id,
			assigned_date, is_streaming, streaming_started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.AssignmentID, a.DeviceID, a.TenantID, a.SubjectID, a.AssignedDate, a.IsStreaming, a.StreamingStartedAt)
	if err != nil {
		if database.IsUniqueViolation(err, assignmentsOpenConstraint) {
			return apperr.Conflict("InsertAssignment", "device %s already has an open assignment", a.DeviceID)
		}
		return fmt.Errorf("failed to insert assignment: %w", err)
	}
	return nil
}

func (t *postgresAssignmentTx) CloseAssignment(ctx context.Context, assignmentID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE device_assignments
		SET unassigned_date = $2,
		    is_streaming = FALSE,
		    streaming_stopped_at = $2
		WHERE assignment_id = $1 AND unassigned_date IS NULL
	`, assignmentID, at)
	if err != nil {
		return fmt.Errorf("failed to close assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("CloseAssignment", "open assignment not found: %s", assignmentID)
	}
	return nil
}
