// Package notify 实时通知（尽力而为）：MQTT 广播、Webhook
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"wisefido-band/internal/async"
	"wisefido-band/internal/metrics"

	"go.uber.org/zap"
)

// 事件类型
const (
	EventAlertCreated   = "alert_created"
	EventAlertUpdated   = "alert_updated"
	EventDeviceStatus   = "device_status"
	EventDeviceDegraded = "device_degraded"
)

// Payload 通知内容
type Payload struct {
	TenantID  string         `json:"tenant_id"`
	DeviceID  string         `json:"device_id"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Message 序列化后的通知
type Message struct {
	Type string `json:"type"`
	Payload
}

// Notifier 实时通知协作方
type Notifier interface {
	Emit(ctx context.Context, eventType string, payload Payload) error
}

// Nop 丢弃所有通知
type Nop struct{}

func (Nop) Emit(context.Context, string, Payload) error { return nil }

// Multi 依次发送给所有 notifier，汇总错误
type Multi []Notifier

func (m Multi) Emit(ctx context.Context, eventType string, payload Payload) error {
	var errs []error
	for _, n := range m {
		if err := n.Emit(ctx, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async 通过 async.Runner 异步发送；Emit 立即返回
type Async struct {
	next    Notifier
	runner  *async.Runner
	metrics *metrics.Metrics
	channel string
}

func NewAsync(next Notifier, runner *async.Runner, m *metrics.Metrics, channel string) *Async {
	return &Async{next: next, runner: runner, metrics: m, channel: channel}
}

func (a *Async) Emit(_ context.Context, eventType string, payload Payload) error {
	a.runner.Go("notify."+eventType, func(ctx context.Context) error {
		err := a.next.Emit(ctx, eventType, payload)
		if err != nil {
			a.metrics.NotifyFailure(a.channel)
		}
		return err
	})
	return nil
}

// Logging 失败时记录日志并吞掉错误
type Logging struct {
	next   Notifier
	logger *zap.Logger
}

func NewLogging(next Notifier, logger *zap.Logger) *Logging {
	return &Logging{next: next, logger: logger}
}

func (l *Logging) Emit(ctx context.Context, eventType string, payload Payload) error {
	if err := l.next.Emit(ctx, eventType, payload); err != nil {
		l.logger.Warn("Notification failed",
			zap.String("event_type", eventType),
			zap.String("device_id", payload.DeviceID),
			zap.Error(err),
		)
	}
	return nil
}

// Recorder 记录收到的通知（测试用）
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
	Err      error
}

func (r *Recorder) Emit(_ context.Context, eventType string, payload Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, Message{Type: eventType, Payload: payload})
	return r.Err
}

// ByType 指定类型的通知
func (r *Recorder) ByType(eventType string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.Messages {
		if m.Type == eventType {
			out = append(out, m)
		}
	}
	return out
}
