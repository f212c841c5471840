package repository

import (
	"context"
	"time"

	"wisefido-band/internal/models"
)

// AssignmentTx 绑定事务内可用的操作
type AssignmentTx interface {
	// GetDeviceForUpdate 读取并锁定设备行；不存在返回 apperr.NotFound
	GetDeviceForUpdate(ctx context.Context, deviceID string) (*models.Device, error)

	// GetOpenAssignment 当前有效绑定；没有时返回 nil, nil
	GetOpenAssignment(ctx context.Context, deviceID string) (*models.DeviceAssignment, error)

	// InsertAssignment 插入绑定；已存在有效绑定时返回 apperr.Conflict
	InsertAssignment(ctx context.Context, assignment *models.DeviceAssignment) error

	// CloseAssignment 关闭绑定并停止推流标记
	CloseAssignment(ctx context.Context, assignmentID string, at time.Time) error
}

// AssignmentsRepository 设备绑定Repository接口
type AssignmentsRepository interface {
	// WithTx 在单个事务内执行 fn；fn 返回错误时回滚
	WithTx(ctx context.Context, fn func(tx AssignmentTx) error) error

	// ListStreamingAssignments 所有仍在推流的有效绑定（启动恢复用）
	ListStreamingAssignments(ctx context.Context) ([]*models.DeviceAssignment, error)
}
