package models

import (
	"time"
)

// DeviceStatus 设备生命周期状态
type DeviceStatus string

const (
	// DeviceLocked 预留的预激活状态（两阶段下发），当前注册直接进入 ACTIVE
	DeviceLocked  DeviceStatus = "LOCKED"
	DeviceActive  DeviceStatus = "ACTIVE"
	DeviceRevoked DeviceStatus = "REVOKED"
)

// IsLive LOCKED/ACTIVE 占用 device_uid（跨租户唯一）
func (s DeviceStatus) IsLive() bool {
	return s == DeviceLocked || s == DeviceActive
}

// Device 手环设备（对应 devices 表）
type Device struct {
	DeviceID        string       `json:"device_id" db:"device_id"`
	DeviceUID       string       `json:"device_uid" db:"device_uid"`
	TenantID        string       `json:"tenant_id" db:"tenant_id"`
	Status          DeviceStatus `json:"status" db:"status"`
	TokenHash       string       `json:"-" db:"token_hash"` // 仅保存 token 的 SHA-256
	TokenIssuedAt   *time.Time   `json:"token_issued_at,omitempty" db:"token_issued_at"`
	TokenExpiresAt  *time.Time   `json:"token_expires_at,omitempty" db:"token_expires_at"`
	NonceSeed       string       `json:"-" db:"nonce_seed"`
	FirmwareVersion *string      `json:"firmware_version,omitempty" db:"firmware_version"`
	PublicKey       *string      `json:"public_key,omitempty" db:"public_key"`
	RevokedReason   *string      `json:"revoked_reason,omitempty" db:"revoked_reason"`
	RevokedAt       *time.Time   `json:"revoked_at,omitempty" db:"revoked_at"`
	LastSeen        *time.Time   `json:"last_seen,omitempty" db:"last_seen"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

// TokenValidAt token 是否在 now 时刻仍有效
func (d *Device) TokenValidAt(now time.Time) bool {
	return d.TokenHash != "" && d.TokenExpiresAt != nil && d.TokenExpiresAt.After(now)
}

// LifecycleAction 生命周期变更动作
type LifecycleAction string

const (
	LifecycleRegistered LifecycleAction = "REGISTERED"
	LifecycleRevoked    LifecycleAction = "REVOKED"
)

// DeviceLifecycleEvent 设备生命周期历史（只追加，对应 device_lifecycle_events 表）
type DeviceLifecycleEvent struct {
	EventID    string          `json:"event_id" db:"event_id"`
	DeviceID   string          `json:"device_id" db:"device_id"`
	TenantID   string          `json:"tenant_id" db:"tenant_id"`
	Action     LifecycleAction `json:"action" db:"action"`
	FromStatus *DeviceStatus   `json:"from_status,omitempty" db:"from_status"`
	ToStatus   DeviceStatus    `json:"to_status" db:"to_status"`
	Reason     *string         `json:"reason,omitempty" db:"reason"`
	OccurredAt time.Time       `json:"occurred_at" db:"occurred_at"`
}
