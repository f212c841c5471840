// Package ingest 设备遥测接入：认证 → 记录在线 → 入队
package ingest

import (
	"context"
	"time"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/identity"
	"wisefido-band/internal/models"

	"go.uber.org/zap"
)

// Authenticator 设备运行时认证
type Authenticator interface {
	Authenticate(ctx context.Context, deviceUID, token, nonce string) (*identity.AuthResult, error)
}

// SampleRecorder 推流在线记录（monitor.Monitor 实现）
type SampleRecorder interface {
	RecordSample(ctx context.Context, deviceID string) bool
}

// Enqueuer 告警流水线入口（pipeline.Coordinator 实现）
type Enqueuer interface {
	Enqueue(ctx context.Context, event models.MetricEvent) (bool, error)
}

// Telemetry 设备上报
type Telemetry struct {
	DeviceUID string         `json:"device_uid"`
	Token     string         `json:"token"`
	Nonce     string         `json:"nonce"`
	MetricID  string         `json:"metric_id"`
	Metrics   models.Metrics `json:"metrics"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// Result 接入结果
type Result struct {
	DeviceID       string `json:"device_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Enqueued       bool   `json:"enqueued"`  // false 表示重复上报被合并
	Streaming      bool   `json:"streaming"` // 设备是否处于推流绑定中
}

// Handler MQTT 与 HTTP 共用的接入逻辑
type Handler struct {
	auth     Authenticator
	recorder SampleRecorder
	enqueuer Enqueuer
	now      func() time.Time
	logger   *zap.Logger
}

// NewHandler 创建接入处理器
func NewHandler(auth Authenticator, recorder SampleRecorder, enqueuer Enqueuer, logger *zap.Logger) *Handler {
	return &Handler{
		auth:     auth,
		recorder: recorder,
		enqueuer: enqueuer,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// SetClock 替换时钟（测试用）
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
}

// Handle 处理一次上报
func (h *Handler) Handle(ctx context.Context, t Telemetry) (*Result, error) {
	// 1. 参数验证
	if t.MetricID == "" {
		return nil, apperr.Validation("ingest.Handle", "metric_id is required")
	}

	// 2. 设备认证
	auth, err := h.auth.Authenticate(ctx, t.DeviceUID, t.Token, t.Nonce)
	if err != nil {
		return nil, err
	}

	// 3. 在线记录
	streaming := h.recorder.RecordSample(ctx, auth.DeviceID)

	// 4. 入队
	ts := h.now()
	if t.Timestamp != nil && !t.Timestamp.IsZero() {
		ts = t.Timestamp.UTC()
	}
	event := models.NewMetricEvent(auth.DeviceID, auth.TenantID, t.MetricID, t.Metrics, ts)
	enqueued, err := h.enqueuer.Enqueue(ctx, event)
	if err != nil {
		h.logger.Error("Failed to enqueue metric event",
			zap.String("device_id", auth.DeviceID),
			zap.String("key", event.IdempotencyKey),
			zap.Error(err),
		)
		return nil, err
	}

	h.logger.Debug("Telemetry accepted",
		zap.String("device_id", auth.DeviceID),
		zap.String("key", event.IdempotencyKey),
		zap.Bool("enqueued", enqueued),
		zap.Bool("streaming", streaming),
	)
	return &Result{
		DeviceID:       auth.DeviceID,
		IdempotencyKey: event.IdempotencyKey,
		Enqueued:       enqueued,
		Streaming:      streaming,
	}, nil
}
