package repository

import (
	"context"
	"time"

	"wisefido-band/internal/models"
)

// AlertsRepository 告警Repository接口
type AlertsRepository interface {
	// CreateAlert 插入告警和首条历史（同一事务）
	CreateAlert(ctx context.Context, alert *models.Alert, history *models.AlertHistory) error

	// GetAlert 不存在返回 apperr.NotFound
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)

	// FindRecentOpenAlert 同设备同类型、triggered_at >= since 的最新 OPEN 告警；没有返回 nil, nil
	FindRecentOpenAlert(ctx context.Context, deviceID string, alertType models.AlertType, since time.Time) (*models.Alert, error)

	// UpdateAlertStatus 乐观更新：仅当当前状态为 from 时生效，否则返回 apperr.Conflict
	UpdateAlertStatus(ctx context.Context, alertID string, from, to models.AlertStatus, resolvedAt *time.Time, history *models.AlertHistory) error

	// ListAlerts 租户告警列表（按 triggered_at 倒序），statuses 为空表示全部
	ListAlerts(ctx context.Context, tenantID string, statuses []models.AlertStatus, limit int) ([]*models.Alert, error)

	// ListAlertHistory 告警历史（按时间升序）
	ListAlertHistory(ctx context.Context, alertID string) ([]*models.AlertHistory, error)
}
