package repository

import (
	"context"

	"wisefido-band/internal/models"
)

// HealthSnapshotsRepository 设备健康快照（只追加）
type HealthSnapshotsRepository interface {
	InsertSnapshot(ctx context.Context, snapshot *models.HealthSnapshot) error
	ListSnapshots(ctx context.Context, deviceID string, limit int) ([]*models.HealthSnapshot, error)
}
