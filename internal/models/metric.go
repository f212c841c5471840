package models

import (
	"fmt"
	"time"
)

// ConnectionStatus 设备上报的连接状态
const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
)

// EventTypeMetric 指标事件类型（用于幂等键）
const EventTypeMetric = "metric"

// Metrics 手环上报的指标（字段可缺省）
type Metrics struct {
	HeartRate        *float64 `json:"heart_rate,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	SpO2             *float64 `json:"spo2,omitempty"`
	BPSystolic       *float64 `json:"bp_systolic,omitempty"`
	BPDiastolic      *float64 `json:"bp_diastolic,omitempty"`
	Battery          *float64 `json:"battery,omitempty"`
	Signal           *float64 `json:"signal,omitempty"`
	ConnectionStatus *string  `json:"connection_status,omitempty"`
}

// MetricEvent 进入告警流水线的事件
type MetricEvent struct {
	DeviceID       string    `json:"device_id"`
	TenantID       string    `json:"tenant_id"`
	MetricID       string    `json:"metric_id"`
	Metrics        Metrics   `json:"metrics"`
	Timestamp      time.Time `json:"timestamp"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// MinuteBucket 时间戳按分钟取整后的 Unix 秒
func MinuteBucket(ts time.Time) int64 {
	return ts.UTC().Truncate(time.Minute).Unix()
}

// BuildEventKey 事件幂等键：eventType:deviceId:metricId:minuteRoundedTimestamp
func BuildEventKey(eventType, deviceID, metricID string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", eventType, deviceID, metricID, MinuteBucket(ts))
}

// NewMetricEvent 构建事件并填充幂等键
func NewMetricEvent(deviceID, tenantID, metricID string, metrics Metrics, ts time.Time) MetricEvent {
	return MetricEvent{
		DeviceID:       deviceID,
		TenantID:       tenantID,
		MetricID:       metricID,
		Metrics:        metrics,
		Timestamp:      ts,
		IdempotencyKey: BuildEventKey(EventTypeMetric, deviceID, metricID, ts),
	}
}
