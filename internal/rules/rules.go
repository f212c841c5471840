// Package rules 将指标样本评估为候选告警（纯函数，无 I/O）
package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/config"
	"wisefido-band/internal/models"
)

// Candidate 规则命中后生成的候选告警
type Candidate struct {
	AlertType   models.AlertType
	Severity    models.Severity
	Confidence  float64
	Description string
	Explanation string
	DedupKey    string
	Data        models.AlertData
}

// DataJSON 序列化 Alert.Data
func (c Candidate) DataJSON() (json.RawMessage, error) {
	b, err := json.Marshal(c.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert data: %w", err)
	}
	return b, nil
}

// Rule 单条规则；未命中返回 nil, nil
type Rule interface {
	Name() models.AlertType
	Evaluate(event models.MetricEvent) (*Candidate, error)
}

// DedupKey ruleType:deviceId:bucket:minuteTs
func DedupKey(rule models.AlertType, deviceID, bucket string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", rule, deviceID, bucket, models.MinuteBucket(ts))
}

// Bucket 数值向下取整到 size 的整数倍
func Bucket(value, size float64) float64 {
	if size <= 0 {
		return value
	}
	return math.Floor(value/size) * size
}

// formatNumber 保留 4 位小数，去掉浮点误差尾巴
func formatNumber(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e4)/1e4, 'f', -1, 64)
}

// ThresholdRule 单字段三级阈值规则
type ThresholdRule struct {
	Type      models.AlertType
	Field     string
	Threshold config.RuleThreshold
	Extract   func(m models.Metrics) *float64
}

func (r *ThresholdRule) Name() models.AlertType { return r.Type }

// beyond 按方向计算 value 超出 boundary 的量（>0 表示越过）
func (r *ThresholdRule) beyond(value, boundary float64) float64 {
	if r.Threshold.Direction == config.DirectionLow {
		return boundary - value
	}
	return value - boundary
}

func (r *ThresholdRule) Evaluate(event models.MetricEvent) (*Candidate, error) {
	v := r.Extract(event.Metrics)
	if v == nil {
		return nil, nil
	}
	value := *v
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, apperr.RuleEvaluation(string(r.Type), fmt.Errorf("%s is not a finite number", r.Field))
	}

	t := r.Threshold
	if r.beyond(value, t.Normal) <= 0 {
		return nil, nil
	}

	var (
		severity models.Severity
		boundary float64
		tier     string
		span     float64
	)
	switch {
	case r.beyond(value, t.Critical) > 0:
		severity, boundary, tier = models.SeverityCritical, t.Critical, "critical"
		span = math.Abs(t.Critical - t.Warning)
	case r.beyond(value, t.Warning) > 0:
		severity, boundary, tier = models.SeverityHigh, t.Warning, "warning"
		span = math.Abs(t.Critical - t.Warning)
	default:
		severity, boundary, tier = models.SeverityMedium, t.Normal, "normal"
		span = math.Abs(t.Warning - t.Normal)
	}

	margin := r.beyond(value, boundary)
	confidence := 1.0
	if span > 0 {
		confidence = math.Min(1, 0.7+0.3*margin/span)
	}

	verb := "exceeds"
	if t.Direction == config.DirectionLow {
		verb = "is below"
	}
	bucket := Bucket(value, t.BucketSize)
	threshold := boundary

	return &Candidate{
		AlertType:  r.Type,
		Severity:   severity,
		Confidence: confidence,
		Description: fmt.Sprintf("%s %s %s %s threshold %s by %s",
			r.Field, formatNumber(value), verb, tier, formatNumber(boundary), formatNumber(margin)),
		Explanation: fmt.Sprintf("%s=%s crossed the %s boundary (%s) of %s; margin %s over span %s gives confidence %.2f",
			r.Field, formatNumber(value), tier, formatNumber(boundary), r.Type,
			formatNumber(margin), formatNumber(span), confidence),
		DedupKey: DedupKey(r.Type, event.DeviceID, formatNumber(bucket), event.Timestamp),
		Data: models.AlertData{
			Source:    "rules",
			Metric:    r.Field,
			Value:     &value,
			Threshold: &threshold,
			Margin:    &margin,
		},
	}, nil
}

// ConnectionLostRule connection_status == disconnected 时触发
type ConnectionLostRule struct {
	Confidence float64
}

func (r *ConnectionLostRule) Name() models.AlertType { return models.AlertConnectionLost }

func (r *ConnectionLostRule) Evaluate(event models.MetricEvent) (*Candidate, error) {
	cs := event.Metrics.ConnectionStatus
	if cs == nil || *cs != models.ConnectionDisconnected {
		return nil, nil
	}
	return &Candidate{
		AlertType:   models.AlertConnectionLost,
		Severity:    models.SeverityHigh,
		Confidence:  r.Confidence,
		Description: "device reported connection_status=disconnected",
		Explanation: "the band reported its upstream link as disconnected in this sample",
		DedupKey:    DedupKey(models.AlertConnectionLost, event.DeviceID, models.ConnectionDisconnected, event.Timestamp),
		Data: models.AlertData{
			Source: "rules",
			Metric: "connection_status",
			Extra:  map[string]any{"connection_status": *cs},
		},
	}, nil
}

// fields 规则类型 -> 指标字段
var fields = []struct {
	Type    models.AlertType
	Field   string
	Extract func(m models.Metrics) *float64
}{
	{models.AlertHeartRateHigh, "heart_rate", func(m models.Metrics) *float64 { return m.HeartRate }},
	{models.AlertHeartRateLow, "heart_rate", func(m models.Metrics) *float64 { return m.HeartRate }},
	{models.AlertTemperatureHigh, "temperature", func(m models.Metrics) *float64 { return m.Temperature }},
	{models.AlertTemperatureLow, "temperature", func(m models.Metrics) *float64 { return m.Temperature }},
	{models.AlertSpO2Low, "spo2", func(m models.Metrics) *float64 { return m.SpO2 }},
	{models.AlertBloodPressureHigh, "bp_systolic", func(m models.Metrics) *float64 { return m.BPSystolic }},
	{models.AlertBatteryLow, "battery", func(m models.Metrics) *float64 { return m.Battery }},
	{models.AlertSignalWeak, "signal", func(m models.Metrics) *float64 { return m.Signal }},
}

// DefaultRules 按固定顺序构建规则；配置中关闭的规则跳过
func DefaultRules(cfg config.AlertingConfig) []Rule {
	var out []Rule
	for _, f := range fields {
		t, ok := cfg.Rules[string(f.Type)]
		if !ok || !t.Enabled {
			continue
		}
		out = append(out, &ThresholdRule{Type: f.Type, Field: f.Field, Threshold: t, Extract: f.Extract})
	}
	out = append(out, &ConnectionLostRule{Confidence: 0.9})
	return out
}
