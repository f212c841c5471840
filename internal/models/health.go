package models

import "time"

// HealthState 设备连接状态快照
type HealthState string

const (
	HealthOnline   HealthState = "online"
	HealthOffline  HealthState = "offline"
	HealthDegraded HealthState = "degraded"
)

// HealthSnapshot 健康状态快照（审计用途，对应 device_health_snapshots 表）
type HealthSnapshot struct {
	SnapshotID   string      `json:"snapshot_id" db:"snapshot_id"`
	DeviceID     string      `json:"device_id" db:"device_id"`
	TenantID     string      `json:"tenant_id" db:"tenant_id"`
	State        HealthState `json:"state" db:"state"`
	LastSeenAt   time.Time   `json:"last_seen_at" db:"last_seen_at"`
	OfflineSince *time.Time  `json:"offline_since,omitempty" db:"offline_since"`
	AlertID      *string     `json:"alert_id,omitempty" db:"alert_id"`
	RecordedAt   time.Time   `json:"recorded_at" db:"recorded_at"`
}
