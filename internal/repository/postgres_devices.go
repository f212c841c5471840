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

// 部分唯一索引：devices(device_uid) WHERE status IN ('LOCKED','ACTIVE')
const devicesUIDLiveConstraint = "devices_uid_live_uniq"

const deviceColumns = `
	device_id::text,
	device_uid,
	tenant_id::text,
	status,
	COALESCE(token_hash, ''),
	token_issued_at,
	token_expires_at,
	COALESCE(nonce_seed, ''),
	firmware_version,
	public_key,
	revoked_reason,
	revoked_at,
	last_seen,
	created_at,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresDevicesRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresDevicesRepo 创建设备Repository
func NewPostgresDevicesRepo(db *sql.DB, logger *zap.Logger) *PostgresDevicesRepo {
	return &PostgresDevicesRepo{db: db, logger: logger}
}

func scanDevice(s rowScanner) (*models.Device, error) {
	var d models.Device
	var status string
	var issuedAt, expiresAt, revokedAt, lastSeen sql.NullTime
	var firmware, publicKey, reason sql.NullString

	if err := s.Scan(
		&d.DeviceID,
		&d.DeviceUID,
		&d.TenantID,
		&status,
		&d.TokenHash,
		&issuedAt,
		&expiresAt,
		&d.NonceSeed,
		&firmware,
		&publicKey,
		&reason,
		&revokedAt,
		&lastSeen,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d.Status = models.DeviceStatus(status)
	d.TokenIssuedAt = nullTimePtr(issuedAt)
	d.TokenExpiresAt = nullTimePtr(expiresAt)
	d.RevokedAt = nullTimePtr(revokedAt)
	d.LastSeen = nullTimePtr(lastSeen)
	d.FirmwareVersion = nullStringPtr(firmware)
	d.PublicKey = nullStringPtr(publicKey)
	d.RevokedReason = nullStringPtr(reason)
	return &d, nil
}

func (r *PostgresDevicesRepo) CreateDevice(ctx context.Context, device *models.Device, event *models.DeviceLifecycleEvent) error {
	if device.DeviceUID == "" || device.TenantID == "" {
		return fmt.Errorf("device_uid and tenant_id are required")
	}

	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO devices (
				device_id, device_uid, tenant_id, status,
				token_hash, token_issued_at, token_expires_at, nonce_seed,
				firmware_version, public_key, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			device.DeviceID,
			device.DeviceUID,
			device.TenantID,
			string(device.Status),
			device.TokenHash,
			device.TokenIssuedAt,
			device.TokenExpiresAt,
			device.NonceSeed,
			device.FirmwareVersion,
			device.PublicKey,
			device.CreatedAt,
			device.UpdatedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err, devicesUIDLiveConstraint) {
				return apperr.Conflict("CreateDevice", "device_uid %s already registered", device.DeviceUID)
			}
			return fmt.Errorf("failed to insert device: %w", err)
		}
		return insertLifecycleEvent(ctx, tx, event)
	})
	if err != nil {
		return err
	}

	if r.logger != nil {
		r.logger.Debug("Device created",
			zap.String("device_id", device.DeviceID),
			zap.String("tenant_id", device.TenantID),
		)
	}
	return nil
}

func (r *PostgresDevicesRepo) ListDevicesByUID(ctx context.Context, deviceUID string) ([]*models.Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+`
		FROM devices
		WHERE device_uid = $1
		ORDER BY created_at ASC`, deviceUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices by uid: %w", err)
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return out, nil
}

func (r *PostgresDevicesRepo) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+`
		FROM devices
		WHERE device_id = $1`, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("GetDevice", "device not found: device_id=%s", deviceID)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (r *PostgresDevicesRepo) RevokeDevice(ctx context.Context, device *models.Device, event *models.DeviceLifecycleEvent) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE devices
			SET status = 'REVOKED',
			    token_hash = NULL,
			    token_expires_at = $2,
			    revoked_reason = $3,
			    revoked_at = $2,
			    updated_at = $2
			WHERE device_id = $1
			  AND status <> 'REVOKED'
		`, device.DeviceID, device.RevokedAt, device.RevokedReason)
		if err != nil {
			return fmt.Errorf("failed to revoke device: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to revoke device: %w", err)
		}
		if n == 0 {
			return apperr.Conflict("RevokeDevice", "device %s already revoked", device.DeviceID)
		}
		return insertLifecycleEvent(ctx, tx, event)
	})
}

func (r *PostgresDevicesRepo) TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices SET last_seen = $2
		WHERE device_id = $1 AND (last_seen IS NULL OR last_seen < $2)
	`, deviceID, at)
	if err != nil {
		return fmt.Errorf("failed to update last_seen: %w", err)
	}
	return nil
}

func (r *PostgresDevicesRepo) ListLifecycleEvents(ctx context.Context, deviceID string) ([]*models.DeviceLifecycleEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id::text, device_id::text, tenant_id::text, action, from_status, to_status, reason, occurred_at
		FROM device_lifecycle_events
		WHERE device_id = $1
		ORDER BY occurred_at ASC
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list lifecycle events: %w", err)
	}
	defer rows.Close()

	var out []*models.DeviceLifecycleEvent
	for rows.Next() {
		var ev models.DeviceLifecycleEvent
		var action, to string
		var from, reason sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.DeviceID, &ev.TenantID, &action, &from, &to, &reason, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan lifecycle event: %w", err)
		}
		ev.Action = models.LifecycleAction(action)
		ev.ToStatus = models.DeviceStatus(to)
		if from.Valid {
			s := models.DeviceStatus(from.String)
			ev.FromStatus = &s
		}
		ev.Reason = nullStringPtr(reason)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func insertLifecycleEvent(ctx context.Context, tx *sql.Tx, ev *models.DeviceLifecycleEvent) error {
	if ev == nil {
		return nil
	}
	var from *string
	if ev.FromStatus != nil {
		s := string(*ev.FromStatus)
		from = &s
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO device_lifecycle_events (event_id, device_id, tenant_id, action, from_status, to_status, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.EventID, ev.DeviceID, ev.TenantID, string(ev.Action), from, string(ev.ToStatus), ev.Reason, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert lifecycle event: %w", err)
	}
	return nil
}
