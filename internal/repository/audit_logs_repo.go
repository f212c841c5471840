package repository

import (
	"context"
	"encoding/json"
	"time"
)

// AuditLog 审计记录（对应 audit_logs 表）
type AuditLog struct {
	AuditID    string          `json:"audit_id" db:"audit_id"`
	TenantID   string          `json:"tenant_id" db:"tenant_id"`
	Action     string          `json:"action" db:"action"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   string          `json:"entity_id" db:"entity_id"`
	Actor      string          `json:"actor" db:"actor"`
	Detail     json.RawMessage `json:"detail" db:"detail"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// AuditLogsRepository 审计日志（只追加）
type AuditLogsRepository interface {
	InsertAuditLog(ctx context.Context, entry AuditLog) error
}
