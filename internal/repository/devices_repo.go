package repository

import (
	"context"
	"time"

	"wisefido-band/internal/models"
)

// DevicesRepository 设备身份Repository接口
// device_uid 在 LOCKED/ACTIVE 状态下全局唯一，由存储层的部分唯一索引保证
type DevicesRepository interface {
	// CreateDevice 插入设备并追加生命周期记录（同一事务）；唯一冲突返回 apperr.Conflict
	CreateDevice(ctx context.Context, device *models.Device, event *models.DeviceLifecycleEvent) error

	// ListDevicesByUID 返回该 uid 的全部历史行（含 REVOKED，跨租户）
	ListDevicesByUID(ctx context.Context, deviceUID string) ([]*models.Device, error)

	// GetDevice 按 device_id 查询；不存在返回 apperr.NotFound
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)

	// RevokeDevice 仅当当前状态非 REVOKED 时更新；否则返回 apperr.Conflict
	RevokeDevice(ctx context.Context, device *models.Device, event *models.DeviceLifecycleEvent) error

	// TouchLastSeen 更新 last_seen
	TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error

	// ListLifecycleEvents 生命周期历史（按时间升序）
	ListLifecycleEvents(ctx context.Context, deviceID string) ([]*models.DeviceLifecycleEvent, error)
}
