// Package audit 审计日志协作方；写入失败只记录日志，不影响业务
package audit

import (
	"context"
	"encoding/json"
	"time"

	"wisefido-band/internal/async"
	"wisefido-band/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 审计动作
const (
	ActionDeviceRegistered = "DEVICE_REGISTERED"
	ActionDeviceRevoked    = "DEVICE_REVOKED"
	ActionDeviceBound      = "DEVICE_BOUND"
	ActionDeviceUnbound    = "DEVICE_UNBOUND"
	ActionAlertCreated     = "ALERT_CREATED"
	ActionAlertTransition  = "ALERT_STATUS_CHANGED"
)

// Entry 审计条目
type Entry struct {
	TenantID   string
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Detail     map[string]any
	CreatedAt  time.Time
}

// Logger 审计日志接口
type Logger interface {
	LogAction(ctx context.Context, entry Entry) error
}

// RepositoryLogger 写入 audit_logs 表
type RepositoryLogger struct {
	repo   repository.AuditLogsRepository
	logger *zap.Logger
}

func NewRepositoryLogger(repo repository.AuditLogsRepository, logger *zap.Logger) *RepositoryLogger {
	return &RepositoryLogger{repo: repo, logger: logger}
}

func (l *RepositoryLogger) LogAction(ctx context.Context, entry Entry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		detail = []byte("{}")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Actor == "" {
		entry.Actor = "system"
	}

	l.logger.Info("Audit",
		zap.String("action", entry.Action),
		zap.String("tenant_id", entry.TenantID),
		zap.String("entity_type", entry.EntityType),
		zap.String("entity_id", entry.EntityID),
	)

	return l.repo.InsertAuditLog(ctx, repository.AuditLog{
		AuditID:    uuid.New().String(),
		TenantID:   entry.TenantID,
		Action:     entry.Action,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Actor:      entry.Actor,
		Detail:     detail,
		CreatedAt:  entry.CreatedAt,
	})
}

// AsyncLogger 通过 async.Runner 异步写入，LogAction 永远立即返回 nil
type AsyncLogger struct {
	next   Logger
	runner *async.Runner
}

func NewAsyncLogger(next Logger, runner *async.Runner) *AsyncLogger {
	return &AsyncLogger{next: next, runner: runner}
}

func (l *AsyncLogger) LogAction(_ context.Context, entry Entry) error {
	l.runner.Go("audit."+entry.Action, func(ctx context.Context) error {
		return l.next.LogAction(ctx, entry)
	})
	return nil
}

// NopLogger 丢弃所有审计条目
type NopLogger struct{}

func (NopLogger) LogAction(context.Context, Entry) error { return nil }
