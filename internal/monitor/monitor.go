// Package monitor 设备推流注册表与在线状态巡检
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-band/internal/alerts"
	"wisefido-band/internal/apperr"
	"wisefido-band/internal/config"
	"wisefido-band/internal/metrics"
	"wisefido-band/internal/models"
	"wisefido-band/internal/notify"
	"wisefido-band/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ActorHealthMonitor 监控自动操作告警时的 actor
const ActorHealthMonitor = "health_monitor"

// ErrStopped Stop 之后不再接受注册
var ErrStopped = errors.New("monitor stopped")

// AlertService 监控依赖的告警能力
type AlertService interface {
	Raise(ctx context.Context, req alerts.RaiseRequest) (*models.Alert, error)
	Resolve(ctx context.Context, req alerts.TransitionRequest) (*models.Alert, error)
}

// StreamEntry 推流注册项
type StreamEntry struct {
	DeviceID           string
	AssignmentID       string
	TenantID           string
	StartedAt          time.Time
	LastDataReceivedAt time.Time
}

// HealthRecord 设备在线状态
type HealthRecord struct {
	LastSeenAt    time.Time
	IsOffline     bool
	OfflineSince  *time.Time
	ActiveAlertID *string
	LastAlertAt   *time.Time // 离线告警冷却起点
	Degraded      bool       // 本轮静默已发过 degraded 通知
}

// DeviceHealth 对外查询视图
type DeviceHealth struct {
	Entry  StreamEntry
	Health HealthRecord
}

type device struct {
	entry  StreamEntry
	health HealthRecord
}

// Monitor 推流设备健康监控
type Monitor struct {
	cfg       config.MonitorConfig
	alerts    AlertService
	snapshots repository.HealthSnapshotsRepository
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	opTimeout time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	devices map[string]*device
	closed  bool

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option 可选配置
type Option func(*Monitor)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New 创建监控
func New(
	cfg config.MonitorConfig,
	alertSvc AlertService,
	snapshots repository.HealthSnapshotsRepository,
	notifier notify.Notifier,
	m *metrics.Metrics,
	opTimeout time.Duration,
	logger *zap.Logger,
	opts ...Option,
) *Monitor {
	mon := &Monitor{
		cfg:       cfg,
		alerts:    alertSvc,
		snapshots: snapshots,
		notifier:  notifier,
		metrics:   m,
		opTimeout: opTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
		devices:   make(map[string]*device),
	}
	for _, opt := range opts {
		opt(mon)
	}
	return mon
}

// StartStreaming 注册设备推流；重复注册会刷新 assignment 并重置计时
func (m *Monitor) StartStreaming(deviceID, assignmentID, tenantID string) error {
	if deviceID == "" {
		return apperr.Validation("monitor.StartStreaming", "device_id is required")
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStopped
	}
	m.devices[deviceID] = &device{
		entry: StreamEntry{
			DeviceID:           deviceID,
			AssignmentID:       assignmentID,
			TenantID:           tenantID,
			StartedAt:          now,
			LastDataReceivedAt: now,
		},
		health: HealthRecord{LastSeenAt: now},
	}
	m.logger.Info("Device streaming started",
		zap.String("device_id", deviceID),
		zap.String("assignment_id", assignmentID),
	)
	return nil
}

// StopStreaming 注销设备；未注册时无操作
func (m *Monitor) StopStreaming(deviceID string) {
	m.mu.Lock()
	_, ok := m.devices[deviceID]
	delete(m.devices, deviceID)
	m.mu.Unlock()

	if ok {
		m.logger.Info("Device streaming stopped", zap.String("device_id", deviceID))
	}
}

// RecordSample 记录一次数据到达；设备未注册返回 false
// 离线设备重新上报时：自动解决离线告警、写 online 快照、推送 device_status
func (m *Monitor) RecordSample(ctx context.Context, deviceID string) bool {
	now := m.now()

	m.mu.Lock()
	d, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	d.entry.LastDataReceivedAt = now
	d.health.LastSeenAt = now
	d.health.Degraded = false

	if !d.health.IsOffline {
		m.mu.Unlock()
		return true
	}

	offlineSince := d.health.OfflineSince
	alertID := d.health.ActiveAlertID
	d.health.IsOffline = false
	d.health.OfflineSince = nil
	d.health.ActiveAlertID = nil
	entry := d.entry
	m.mu.Unlock()

	// 锁外执行 I/O
	m.logger.Info("Device reconnected", zap.String("device_id", deviceID))
	if alertID != nil {
		m.resolveOfflineAlert(ctx, entry, *alertID)
	}
	m.persistSnapshot(ctx, entry, models.HealthOnline, now, nil, alertID)

	data := map[string]any{"status": models.HealthOnline, "last_seen_at": now}
	if offlineSince != nil {
		data["offline_since"] = *offlineSince
	}
	m.emit(ctx, notify.EventDeviceStatus, entry, data, now)
	return true
}

// Get 查询单个设备状态
func (m *Monitor) Get(deviceID string) (DeviceHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return DeviceHealth{}, false
	}
	return DeviceHealth{Entry: d.entry, Health: d.health}, true
}

// Devices 所有注册设备（按 device_id 排序）
func (m *Monitor) Devices() []DeviceHealth {
	m.mu.Lock()
	out := make([]DeviceHealth, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, DeviceHealth{Entry: d.entry, Health: d.health})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Entry.DeviceID < out[j].Entry.DeviceID })
	return out
}

type sweepKind int

const (
	sweepOffline sweepKind = iota
	sweepDegraded
)

type sweepAction struct {
	kind        sweepKind
	entry       StreamEntry
	elapsed     time.Duration
	raise       bool
	prevAlertAt *time.Time
}

// Sweep 执行一次巡检；单设备失败只记日志，不影响其他设备
func (m *Monitor) Sweep(ctx context.Context) {
	start := time.Now()
	now := m.now()

	// 1. 锁内计算状态迁移
	var actions []sweepAction
	m.mu.Lock()
	for _, d := range m.devices {
		elapsed := now.Sub(d.entry.LastDataReceivedAt)
		switch {
		case elapsed > m.cfg.OfflineThreshold && !d.health.IsOffline:
			act := sweepAction{kind: sweepOffline, entry: d.entry, elapsed: elapsed, prevAlertAt: d.health.LastAlertAt}
			since := now
			d.health.IsOffline = true
			d.health.OfflineSince = &since
			if d.health.LastAlertAt == nil || now.Sub(*d.health.LastAlertAt) >= m.cfg.AlertCooldown {
				act.raise = true
				at := now
				d.health.LastAlertAt = &at
			}
			actions = append(actions, act)
		case elapsed > m.cfg.DegradedThreshold && elapsed <= m.cfg.OfflineThreshold && !d.health.IsOffline && !d.health.Degraded:
			d.health.Degraded = true
			actions = append(actions, sweepAction{kind: sweepDegraded, entry: d.entry, elapsed: elapsed})
		}
	}
	m.mu.Unlock()

	// 2. 锁外执行 I/O
	for _, act := range actions {
		if ctx.Err() != nil {
			break
		}
		switch act.kind {
		case sweepOffline:
			m.handleOffline(ctx, act, now)
		case sweepDegraded:
			m.logger.Info("Device degraded",
				zap.String("device_id", act.entry.DeviceID),
				zap.Duration("silent_for", act.elapsed),
			)
			m.emit(ctx, notify.EventDeviceDegraded, act.entry, map[string]any{
				"status":         models.HealthDegraded,
				"last_seen_at":   act.entry.LastDataReceivedAt,
				"silent_seconds": int64(act.elapsed / time.Second),
			}, now)
		}
	}

	m.reportGauges()
	m.metrics.ObserveSweep(time.Since(start))
}

func (m *Monitor) handleOffline(ctx context.Context, act sweepAction, now time.Time) {
	entry := act.entry
	m.logger.Warn("Device offline",
		zap.String("device_id", entry.DeviceID),
		zap.Duration("silent_for", act.elapsed),
		zap.Bool("raise_alert", act.raise),
	)

	var alertID *string
	if act.raise {
		alert, err := m.raiseOfflineAlert(ctx, entry, act.elapsed, now)
		if err != nil {
			m.logger.Error("Failed to create offline alert",
				zap.String("device_id", entry.DeviceID),
				zap.Error(err),
			)
			// 下轮巡检重新判定离线，快照和通知随之补发
			m.restoreCooldown(entry.DeviceID, act.prevAlertAt, now)
			return
		}
		id := alert.AlertID
		alertID = &id
	}

	// Raise 期间设备可能已重连或被注销：RecordSample 看不到这条告警，由这里收尾
	if !m.attachOfflineAlert(entry.DeviceID, now, alertID) {
		m.logger.Info("Device came back before offline transition completed",
			zap.String("device_id", entry.DeviceID),
		)
		if alertID != nil {
			m.resolveOfflineAlert(ctx, entry, *alertID)
		}
		return
	}

	since := now
	m.persistSnapshot(ctx, entry, models.HealthOffline, entry.LastDataReceivedAt, &since, alertID)
	m.emit(ctx, notify.EventDeviceStatus, entry, map[string]any{
		"status":        models.HealthOffline,
		"last_seen_at":  entry.LastDataReceivedAt,
		"offline_since": now,
	}, now)
}

// attachOfflineAlert 设备仍处于本轮巡检判定的离线状态时记录告警 ID 并返回 true
func (m *Monitor) attachOfflineAlert(deviceID string, offlineSince time.Time, alertID *string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || !d.health.IsOffline || d.health.OfflineSince == nil || !d.health.OfflineSince.Equal(offlineSince) {
		return false
	}
	if alertID != nil {
		d.health.ActiveAlertID = alertID
	}
	return true
}

// restoreCooldown 告警创建失败时回退冷却起点，下次巡检不会因此被压制
func (m *Monitor) restoreCooldown(deviceID string, prev *time.Time, reserved time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.health.LastAlertAt == nil || !d.health.LastAlertAt.Equal(reserved) {
		return
	}
	d.health.LastAlertAt = prev
	// 允许下轮巡检重新判定离线
	d.health.IsOffline = false
	d.health.OfflineSince = nil
}

func (m *Monitor) raiseOfflineAlert(ctx context.Context, entry StreamEntry, elapsed time.Duration, now time.Time) (*models.Alert, error) {
	minutes := elapsed.Minutes()
	threshold := m.cfg.OfflineThreshold.Minutes()
	return m.alerts.Raise(ctx, alerts.RaiseRequest{
		TenantID:    entry.TenantID,
		DeviceID:    entry.DeviceID,
		AlertType:   models.AlertDeviceOffline,
		Severity:    models.SeverityHigh,
		Confidence:  1,
		Description: fmt.Sprintf("Device %s has sent no data for %.1f minutes", entry.DeviceID, minutes),
		Explanation: fmt.Sprintf("No telemetry since %s, offline threshold is %.1f minutes",
			entry.LastDataReceivedAt.Format(time.RFC3339), threshold),
		Data: models.AlertData{
			DedupKey:  fmt.Sprintf("%s:%s:%d", models.AlertDeviceOffline, entry.DeviceID, models.MinuteBucket(now)),
			Source:    ActorHealthMonitor,
			Metric:    "silence_minutes",
			Value:     &minutes,
			Threshold: &threshold,
			Extra:     map[string]any{"assignment_id": entry.AssignmentID},
		},
		TriggeredAt: now,
		Actor:       ActorHealthMonitor,
	})
}

func (m *Monitor) resolveOfflineAlert(ctx context.Context, entry StreamEntry, alertID string) {
	_, err := m.alerts.Resolve(ctx, alerts.TransitionRequest{
		AlertID: alertID,
		Actor:   ActorHealthMonitor,
		Note:    "device reconnected",
	})
	switch {
	case err == nil:
		m.logger.Info("Offline alert resolved on reconnect",
			zap.String("device_id", entry.DeviceID),
			zap.String("alert_id", alertID),
		)
	case apperr.IsKind(err, apperr.KindConflict):
		// 已被人工处理
		m.logger.Debug("Offline alert already closed", zap.String("alert_id", alertID))
	default:
		m.logger.Error("Failed to resolve offline alert",
			zap.String("device_id", entry.DeviceID),
			zap.String("alert_id", alertID),
			zap.Error(err),
		)
	}
}

func (m *Monitor) persistSnapshot(ctx context.Context, entry StreamEntry, state models.HealthState, lastSeen time.Time, offlineSince *time.Time, alertID *string) {
	if m.snapshots == nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	err := m.snapshots.InsertSnapshot(wctx, &models.HealthSnapshot{
		SnapshotID:   uuid.New().String(),
		DeviceID:     entry.DeviceID,
		TenantID:     entry.TenantID,
		State:        state,
		LastSeenAt:   lastSeen,
		OfflineSince: offlineSince,
		AlertID:      alertID,
		RecordedAt:   m.now(),
	})
	if err != nil {
		m.logger.Error("Failed to persist health snapshot",
			zap.String("device_id", entry.DeviceID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
	}
}

func (m *Monitor) emit(ctx context.Context, eventType string, entry StreamEntry, data map[string]any, ts time.Time) {
	if m.notifier == nil {
		return
	}
	data["assignment_id"] = entry.AssignmentID
	if err := m.notifier.Emit(ctx, eventType, notify.Payload{
		TenantID:  entry.TenantID,
		DeviceID:  entry.DeviceID,
		Data:      data,
		Timestamp: ts,
	}); err != nil {
		m.logger.Warn("Failed to emit device notification",
			zap.String("device_id", entry.DeviceID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func (m *Monitor) reportGauges() {
	m.mu.Lock()
	streaming := len(m.devices)
	offline := 0
	for _, d := range m.devices {
		if d.health.IsOffline {
			offline++
		}
	}
	m.mu.Unlock()
	m.metrics.SetDevices(streaming, offline)
}

// Start 启动巡检循环
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrStopped
	}
	if m.done != nil {
		return fmt.Errorf("monitor already started")
	}

	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.logger.Info("Health monitor started", zap.Duration("sweep_interval", interval))
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.Sweep(runCtx)
			}
		}
	}(m.done)
	return nil
}

// Stop 停止巡检并注销所有设备；返回时巡检协程已退出
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	m.mu.Lock()
	m.closed = true
	m.devices = make(map[string]*device)
	m.mu.Unlock()

	m.metrics.SetDevices(0, 0)
	m.logger.Info("Health monitor stopped")
}
