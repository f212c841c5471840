package models

import (
	"encoding/json"
	"time"
)

// AlertStatus 告警状态
type AlertStatus string

const (
	AlertOpen          AlertStatus = "OPEN"
	AlertAcknowledged  AlertStatus = "ACKNOWLEDGED"
	AlertResolved      AlertStatus = "RESOLVED"
	AlertFalsePositive AlertStatus = "FALSE_POSITIVE"
)

// IsTerminal RESOLVED/FALSE_POSITIVE 不可再变更
func (s AlertStatus) IsTerminal() bool {
	return s == AlertResolved || s == AlertFalsePositive
}

// CanTransitionTo 状态流转表：OPEN<->ACKNOWLEDGED，二者均可进入终态
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch s {
	case AlertOpen:
		return next == AlertAcknowledged || next == AlertResolved || next == AlertFalsePositive
	case AlertAcknowledged:
		return next == AlertOpen || next == AlertResolved || next == AlertFalsePositive
	default:
		return false
	}
}

// Severity 告警级别
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AlertType 告警类型
type AlertType string

const (
	AlertHeartRateHigh     AlertType = "HEART_RATE_HIGH"
	AlertHeartRateLow      AlertType = "HEART_RATE_LOW"
	AlertTemperatureHigh   AlertType = "TEMPERATURE_HIGH"
	AlertTemperatureLow    AlertType = "TEMPERATURE_LOW"
	AlertSpO2Low           AlertType = "SPO2_LOW"
	AlertBloodPressureHigh AlertType = "BLOOD_PRESSURE_HIGH"
	AlertBatteryLow        AlertType = "BATTERY_LOW"
	AlertSignalWeak        AlertType = "SIGNAL_WEAK"
	AlertConnectionLost    AlertType = "CONNECTION_LOST"
	AlertDeviceOffline     AlertType = "DEVICE_OFFLINE"
)

// Alert 告警（对应 alerts 表）
type Alert struct {
	AlertID     string          `json:"alert_id" db:"alert_id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	DeviceID    string          `json:"device_id" db:"device_id"`
	AlertType   AlertType       `json:"alert_type" db:"alert_type"`
	Severity    Severity        `json:"severity" db:"severity"`
	Status      AlertStatus     `json:"status" db:"status"`
	Confidence  float64         `json:"confidence" db:"confidence"`
	Description string          `json:"description" db:"description"`
	Explanation string          `json:"explanation" db:"explanation"`
	Data        json.RawMessage `json:"data" db:"data"` // JSONB，含 dedup_key
	TriggeredAt time.Time       `json:"triggered_at" db:"triggered_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// AlertData Alert.Data 的结构
type AlertData struct {
	DedupKey  string         `json:"dedup_key"`
	Source    string         `json:"source"` // rules | health_monitor
	Metric    string         `json:"metric,omitempty"`
	Value     *float64       `json:"value,omitempty"`
	Threshold *float64       `json:"threshold,omitempty"`
	Margin    *float64       `json:"margin,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// AlertHistory 告警历史（只追加，对应 alert_history 表）
type AlertHistory struct {
	HistoryID  string       `json:"history_id" db:"history_id"`
	AlertID    string       `json:"alert_id" db:"alert_id"`
	Action     string       `json:"action" db:"action"` // CREATED, ACKNOWLEDGED, ...
	FromStatus *AlertStatus `json:"from_status,omitempty" db:"from_status"`
	ToStatus   AlertStatus  `json:"to_status" db:"to_status"`
	Actor      string       `json:"actor" db:"actor"`
	Note       *string      `json:"note,omitempty" db:"note"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
}
