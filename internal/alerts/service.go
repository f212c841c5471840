// Package alerts 告警创建与状态流转
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/audit"
	"wisefido-band/internal/metrics"
	"wisefido-band/internal/models"
	"wisefido-band/internal/notify"
	"wisefido-band/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 历史动作
const (
	ActionCreated       = "CREATED"
	ActionAcknowledged  = "ACKNOWLEDGED"
	ActionReopened      = "UNACKNOWLEDGED"
	ActionResolved      = "RESOLVED"
	ActionFalsePositive = "FALSE_POSITIVE"
)

// SystemActor 系统自动操作的 actor
const SystemActor = "system"

// Service 告警服务
type Service interface {
	// Raise 创建 OPEN 告警并追加 CREATED 历史，随后发送 alert_created 通知
	Raise(ctx context.Context, req RaiseRequest) (*models.Alert, error)

	Acknowledge(ctx context.Context, req TransitionRequest) (*models.Alert, error)
	Unacknowledge(ctx context.Context, req TransitionRequest) (*models.Alert, error)
	Resolve(ctx context.Context, req TransitionRequest) (*models.Alert, error)
	MarkFalsePositive(ctx context.Context, req TransitionRequest) (*models.Alert, error)

	// FindRecentOpen 同设备同类型、since 之后触发的 OPEN 告警；没有返回 nil
	FindRecentOpen(ctx context.Context, deviceID string, alertType models.AlertType, since time.Time) (*models.Alert, error)

	Get(ctx context.Context, tenantID, alertID string) (*models.Alert, error)
	List(ctx context.Context, tenantID string, statuses []models.AlertStatus, limit int) ([]*models.Alert, error)
	History(ctx context.Context, tenantID, alertID string) ([]*models.AlertHistory, error)
}

// RaiseRequest 创建告警请求
type RaiseRequest struct {
	TenantID    string
	DeviceID    string
	AlertType   models.AlertType
	Severity    models.Severity
	Confidence  float64
	Description string
	Explanation string
	Data        models.AlertData
	TriggeredAt time.Time // 为空时取当前时间
	Actor       string    // 为空时为 system
}

// TransitionRequest 状态流转请求
type TransitionRequest struct {
	AlertID  string // 必填
	TenantID string // 非空时校验告警所属租户
	Actor    string
	Note     string
}

type service struct {
	repo      repository.AlertsRepository
	notifier  notify.Notifier
	auditor   audit.Logger
	metrics   *metrics.Metrics
	opTimeout time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option 可选配置
type Option func(*service)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 创建告警服务
func NewService(
	repo repository.AlertsRepository,
	notifier notify.Notifier,
	auditor audit.Logger,
	m *metrics.Metrics,
	opTimeout time.Duration,
	logger *zap.Logger,
	opts ...Option,
) Service {
	s := &service{
		repo:      repo,
		notifier:  notifier,
		auditor:   auditor,
		metrics:   m,
		opTimeout: opTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *service) Raise(ctx context.Context, req RaiseRequest) (*models.Alert, error) {
	const op = "alerts.Raise"

	if req.TenantID == "" || req.DeviceID == "" || req.AlertType == "" {
		return nil, apperr.Validation(op, "tenant_id, device_id and alert_type are required")
	}

	data, err := json.Marshal(req.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert data: %w", err)
	}

	now := s.now()
	triggeredAt := req.TriggeredAt
	if triggeredAt.IsZero() {
		triggeredAt = now
	}
	actor := req.Actor
	if actor == "" {
		actor = SystemActor
	}

	alert := &models.Alert{
		AlertID:     uuid.New().String(),
		TenantID:    req.TenantID,
		DeviceID:    req.DeviceID,
		AlertType:   req.AlertType,
		Severity:    req.Severity,
		Status:      models.AlertOpen,
		Confidence:  req.Confidence,
		Description: req.Description,
		Explanation: req.Explanation,
		Data:        data,
		TriggeredAt: triggeredAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	history := &models.AlertHistory{
		HistoryID: uuid.New().String(),
		AlertID:   alert.AlertID,
		Action:    ActionCreated,
		ToStatus:  models.AlertOpen,
		Actor:     actor,
		CreatedAt: now,
	}

	wctx, cancel := s.opCtx(ctx)
	err = s.repo.CreateAlert(wctx, alert, history)
	cancel()
	if err != nil {
		return nil, apperr.Transient(op, err)
	}

	s.metrics.AlertCreated(string(alert.AlertType), string(alert.Severity))
	s.logger.Info("Alert created",
		zap.String("alert_id", alert.AlertID),
		zap.String("device_id", alert.DeviceID),
		zap.String("alert_type", string(alert.AlertType)),
		zap.String("severity", string(alert.Severity)),
		zap.Float64("confidence", alert.Confidence),
	)
	s.audit(ctx, audit.Entry{
		TenantID:   alert.TenantID,
		Actor:      actor,
		Action:     audit.ActionAlertCreated,
		EntityType: "alert",
		EntityID:   alert.AlertID,
		Detail: map[string]any{
			"device_id":  alert.DeviceID,
			"alert_type": alert.AlertType,
			"severity":   alert.Severity,
		},
		CreatedAt: now,
	})
	s.emit(ctx, notify.EventAlertCreated, alert)
	return alert, nil
}

func (s *service) Acknowledge(ctx context.Context, req TransitionRequest) (*models.Alert, error) {
	return s.transition(ctx, req, models.AlertAcknowledged, ActionAcknowledged)
}

func (s *service) Unacknowledge(ctx context.Context, req TransitionRequest) (*models.Alert, error) {
	return s.transition(ctx, req, models.AlertOpen, ActionReopened)
}

func (s *service) Resolve(ctx context.Context, req TransitionRequest) (*models.Alert, error) {
	return s.transition(ctx, req, models.AlertResolved, ActionResolved)
}

func (s *service) MarkFalsePositive(ctx context.Context, req TransitionRequest) (*models.Alert, error) {
	return s.transition(ctx, req, models.AlertFalsePositive, ActionFalsePositive)
}

func (s *service) transition(ctx context.Context, req TransitionRequest, to models.AlertStatus, action string) (*models.Alert, error) {
	op := "alerts." + strings.ToLower(action)

	// 1. 参数验证
	if req.AlertID == "" {
		return nil, apperr.Validation(op, "alert_id is required")
	}

	// 2. 读取并校验租户
	alert, err := s.Get(ctx, req.TenantID, req.AlertID)
	if err != nil {
		return nil, err
	}

	// 3. 状态流转表
	from := alert.Status
	if !from.CanTransitionTo(to) {
		return nil, apperr.Conflict(op, "cannot move alert from %s to %s", from, to)
	}

	now := s.now()
	var resolvedAt *time.Time
	if to.IsTerminal() {
		resolvedAt = &now
	}
	actor := req.Actor
	if actor == "" {
		actor = SystemActor
	}
	history := &models.AlertHistory{
		HistoryID:  uuid.New().String(),
		AlertID:    alert.AlertID,
		Action:     action,
		FromStatus: &from,
		ToStatus:   to,
		Actor:      actor,
		CreatedAt:  now,
	}
	if req.Note != "" {
		note := req.Note
		history.Note = &note
	}

	// 4. 乐观更新：并发修改时返回 Conflict
	wctx, cancel := s.opCtx(ctx)
	err = s.repo.UpdateAlertStatus(wctx, alert.AlertID, from, to, resolvedAt, history)
	cancel()
	if err != nil {
		if apperr.IsKind(err, apperr.KindConflict) || apperr.IsKind(err, apperr.KindNotFound) {
			return nil, err
		}
		return nil, apperr.Transient(op, err)
	}

	alert.Status = to
	alert.UpdatedAt = now
	if resolvedAt != nil {
		alert.ResolvedAt = resolvedAt
	}

	s.logger.Info("Alert status changed",
		zap.String("alert_id", alert.AlertID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor),
	)
	s.audit(ctx, audit.Entry{
		TenantID:   alert.TenantID,
		Actor:      actor,
		Action:     audit.ActionAlertTransition,
		EntityType: "alert",
		EntityID:   alert.AlertID,
		Detail:     map[string]any{"from": from, "to": to},
		CreatedAt:  now,
	})
	s.emit(ctx, notify.EventAlertUpdated, alert)
	return alert, nil
}

func (s *service) audit(ctx context.Context, entry audit.Entry) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.LogAction(ctx, entry); err != nil {
		s.logger.Warn("Failed to write audit entry", zap.String("action", entry.Action), zap.Error(err))
	}
}

func (s *service) FindRecentOpen(ctx context.Context, deviceID string, alertType models.AlertType, since time.Time) (*models.Alert, error) {
	qctx, cancel := s.opCtx(ctx)
	defer cancel()
	a, err := s.repo.FindRecentOpenAlert(qctx, deviceID, alertType, since)
	if err != nil {
		return nil, apperr.Transient("alerts.FindRecentOpen", err)
	}
	return a, nil
}

func (s *service) Get(ctx context.Context, tenantID, alertID string) (*models.Alert, error) {
	qctx, cancel := s.opCtx(ctx)
	defer cancel()
	a, err := s.repo.GetAlert(qctx, alertID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, err
		}
		return nil, apperr.Transient("alerts.Get", err)
	}
	if tenantID != "" && a.TenantID != tenantID {
		return nil, apperr.NotFound("alerts.Get", "alert not found: alert_id=%s", alertID)
	}
	return a, nil
}

func (s *service) List(ctx context.Context, tenantID string, statuses []models.AlertStatus, limit int) ([]*models.Alert, error) {
	if tenantID == "" {
		return nil, apperr.Validation("alerts.List", "tenant_id is required")
	}
	qctx, cancel := s.opCtx(ctx)
	defer cancel()
	list, err := s.repo.ListAlerts(qctx, tenantID, statuses, limit)
	if err != nil {
		return nil, apperr.Transient("alerts.List", err)
	}
	return list, nil
}

func (s *service) History(ctx context.Context, tenantID, alertID string) ([]*models.AlertHistory, error) {
	if _, err := s.Get(ctx, tenantID, alertID); err != nil {
		return nil, err
	}
	qctx, cancel := s.opCtx(ctx)
	defer cancel()
	h, err := s.repo.ListAlertHistory(qctx, alertID)
	if err != nil {
		return nil, apperr.Transient("alerts.History", err)
	}
	return h, nil
}

func (s *service) emit(ctx context.Context, eventType string, a *models.Alert) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Emit(ctx, eventType, notify.Payload{
		TenantID: a.TenantID,
		DeviceID: a.DeviceID,
		Data: map[string]any{
			"alert_id":   a.AlertID,
			"alert_type": a.AlertType,
			"severity":   a.Severity,
			"status":     a.Status,
			"confidence": a.Confidence,
		},
		Timestamp: a.UpdatedAt,
	})
	if err != nil {
		s.logger.Warn("Failed to emit alert notification",
			zap.String("alert_id", a.AlertID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
