// Package identity 设备身份与生命周期：注册、吊销、运行时认证
package identity

import (
	"context"
	"strings"
	"time"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/audit"
	"wisefido-band/internal/config"
	"wisefido-band/internal/forensic"
	"wisefido-band/internal/ledger"
	"wisefido-band/internal/metrics"
	"wisefido-band/internal/models"
	"wisefido-band/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager 设备身份管理
type Manager interface {
	Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error)
	Revoke(ctx context.Context, req RevokeRequest) (*models.Device, error)
	Authenticate(ctx context.Context, deviceUID, token, nonce string) (*AuthResult, error)
}

// RegisterRequest 注册请求
type RegisterRequest struct {
	DeviceUID       string  // 必填，8-255 位 [A-Za-z0-9_-]
	TenantID        string  // 必填
	FirmwareVersion *string // 可选
	PublicKey       *string // 可选
}

// RegisterResponse 注册响应；Token 明文只返回这一次
type RegisterResponse struct {
	DeviceID        string    `json:"device_id"`
	DeviceUID       string    `json:"device_uid"`
	Token           string    `json:"token"`
	TokenExpiresAt  time.Time `json:"token_expires_at"`
	NonceSeed       string    `json:"nonce_seed"`
	ServerPublicKey *string   `json:"server_public_key,omitempty"`
}

// RevokeRequest 吊销请求
type RevokeRequest struct {
	DeviceUID string // 必填
	TenantID  string // 必填，必须是当前所属租户
	Reason    string // 必填
}

// AuthResult 认证成功后的设备身份
type AuthResult struct {
	DeviceID  string `json:"device_id"`
	DeviceUID string `json:"device_uid"`
	TenantID  string `json:"tenant_id"`
}

// RevokeHook 吊销落库后执行的收尾动作（解绑、注销推流）
type RevokeHook func(ctx context.Context, device *models.Device) error

// Option 可选配置
type Option func(*manager)

// WithRevokeHook 注册吊销收尾动作；失败只记日志，吊销本身不回滚
func WithRevokeHook(hook RevokeHook) Option {
	return func(m *manager) {
		if hook != nil {
			m.onRevoke = append(m.onRevoke, hook)
		}
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(m *manager) {
		if now != nil {
			m.now = now
		}
	}
}

type manager struct {
	cfg       config.IdentityConfig
	devices   repository.DevicesRepository
	ledger    ledger.Ledger
	gate      forensic.Gate
	auditor   audit.Logger
	metrics   *metrics.Metrics
	opTimeout time.Duration
	onRevoke  []RevokeHook
	now       func() time.Time
	logger    *zap.Logger
}

// NewManager 创建设备身份管理器
func NewManager(
	cfg config.IdentityConfig,
	devices repository.DevicesRepository,
	ldg ledger.Ledger,
	gate forensic.Gate,
	auditor audit.Logger,
	m *metrics.Metrics,
	opTimeout time.Duration,
	logger *zap.Logger,
	opts ...Option,
) Manager {
	mgr := &manager{
		cfg:       cfg,
		devices:   devices,
		ledger:    ldg,
		gate:      gate,
		auditor:   auditor,
		metrics:   m,
		opTimeout: opTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

func (s *manager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Register 注册设备并签发 token
func (s *manager) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	const op = "identity.Register"

	// 1. 取证只读模式
	if !s.gate.IsWriteAllowed(ctx) {
		return nil, apperr.ErrForensicMode
	}

	// 2. 参数验证
	uid := strings.TrimSpace(req.DeviceUID)
	tenantID := strings.TrimSpace(req.TenantID)
	if !validDeviceUID(uid) {
		return nil, apperr.Validation(op, "device_uid must be 8-255 characters of [A-Za-z0-9_-]")
	}
	if tenantID == "" {
		return nil, apperr.Validation(op, "tenant_id is required")
	}

	// 3. 排他性检查：live 状态跨租户唯一，吊销过的 uid 不可再注册
	qctx, cancel := s.opCtx(ctx)
	existing, err := s.devices.ListDevicesByUID(qctx, uid)
	cancel()
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	for _, d := range existing {
		if d.Status.IsLive() {
			return nil, apperr.Conflict(op, "device_uid %s is already registered", uid)
		}
	}
	if len(existing) > 0 {
		return nil, apperr.Conflict(op, "device_uid %s was revoked and cannot be re-registered", uid)
	}

	// 4. 签发 token
	now := s.now()
	token, err := issueToken([]byte(s.cfg.ServerSecret), uid, tenantID, now)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	seed, err := randomHex(seedBytes)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	expiresAt := now.Add(s.cfg.TokenTTL)

	device := &models.Device{
		DeviceID:        uuid.New().String(),
		DeviceUID:       uid,
		TenantID:        tenantID,
		Status:          models.DeviceActive,
		TokenHash:       HashToken(token),
		TokenIssuedAt:   &now,
		TokenExpiresAt:  &expiresAt,
		NonceSeed:       seed,
		FirmwareVersion: req.FirmwareVersion,
		PublicKey:       req.PublicKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	event := &models.DeviceLifecycleEvent{
		EventID:    uuid.New().String(),
		DeviceID:   device.DeviceID,
		TenantID:   tenantID,
		Action:     models.LifecycleRegistered,
		ToStatus:   models.DeviceActive,
		OccurredAt: now,
	}

	// 5. 持久化；并发注册由唯一索引兜底，映射为 Conflict
	wctx, cancel := s.opCtx(ctx)
	err = s.devices.CreateDevice(wctx, device, event)
	cancel()
	if err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			return nil, err
		}
		return nil, apperr.Transient(op, err)
	}

	s.logger.Info("Device registered",
		zap.String("device_id", device.DeviceID),
		zap.String("device_uid", uid),
		zap.String("tenant_id", tenantID),
	)
	s.audit(ctx, audit.Entry{
		TenantID:   tenantID,
		Action:     audit.ActionDeviceRegistered,
		EntityType: "device",
		EntityID:   device.DeviceID,
		Detail:     map[string]any{"device_uid": uid},
		CreatedAt:  now,
	})

	resp := &RegisterResponse{
		DeviceID:       device.DeviceID,
		DeviceUID:      uid,
		Token:          token,
		TokenExpiresAt: expiresAt,
		NonceSeed:      seed,
	}
	if s.cfg.ServerPublicKey != "" {
		pk := s.cfg.ServerPublicKey
		resp.ServerPublicKey = &pk
	}
	return resp, nil
}

// Revoke 吊销设备（不可逆）
func (s *manager) Revoke(ctx context.Context, req RevokeRequest) (*models.Device, error) {
	const op = "identity.Revoke"

	// 1. 取证只读模式
	if !s.gate.IsWriteAllowed(ctx) {
		return nil, apperr.ErrForensicMode
	}

	// 2. 参数验证
	uid := strings.TrimSpace(req.DeviceUID)
	tenantID := strings.TrimSpace(req.TenantID)
	reason := strings.TrimSpace(req.Reason)
	if uid == "" || tenantID == "" {
		return nil, apperr.Validation(op, "device_uid and tenant_id are required")
	}
	if reason == "" {
		return nil, apperr.Validation(op, "reason is required")
	}

	// 3. 查找属于该租户的设备；其他租户的设备视为不存在
	qctx, cancel := s.opCtx(ctx)
	rows, err := s.devices.ListDevicesByUID(qctx, uid)
	cancel()
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	var device *models.Device
	for _, d := range rows {
		if d.TenantID != tenantID {
			continue
		}
		if device == nil || d.Status.IsLive() {
			device = d
		}
	}
	if device == nil {
		return nil, apperr.NotFound(op, "device %s not found for tenant", uid)
	}
	if device.Status == models.DeviceRevoked {
		return nil, apperr.Conflict(op, "device %s is already revoked", uid)
	}

	// 4. 更新状态
	now := s.now()
	from := device.Status
	device.Status = models.DeviceRevoked
	device.TokenHash = ""
	device.TokenExpiresAt = &now
	device.RevokedAt = &now
	device.RevokedReason = &reason
	device.UpdatedAt = now

	event := &models.DeviceLifecycleEvent{
		EventID:    uuid.New().String(),
		DeviceID:   device.DeviceID,
		TenantID:   tenantID,
		Action:     models.LifecycleRevoked,
		FromStatus: &from,
		ToStatus:   models.DeviceRevoked,
		Reason:     &reason,
		OccurredAt: now,
	}

	wctx, cancel := s.opCtx(ctx)
	err = s.devices.RevokeDevice(wctx, device, event)
	cancel()
	if err != nil {
		if apperr.IsKind(err, apperr.KindConflict) || apperr.IsKind(err, apperr.KindNotFound) {
			return nil, err
		}
		return nil, apperr.Transient(op, err)
	}

	s.logger.Info("Device revoked",
		zap.String("device_id", device.DeviceID),
		zap.String("device_uid", uid),
		zap.String("tenant_id", tenantID),
		zap.String("reason", reason),
	)
	s.audit(ctx, audit.Entry{
		TenantID:   tenantID,
		Action:     audit.ActionDeviceRevoked,
		EntityType: "device",
		EntityID:   device.DeviceID,
		Detail:     map[string]any{"device_uid": uid, "reason": reason},
		CreatedAt:  now,
	})

	// 5. 收尾：吊销的设备不能继续处于绑定/推流状态
	for _, hook := range s.onRevoke {
		if err := hook(ctx, device); err != nil {
			s.logger.Error("Revoke follow-up failed",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
		}
	}
	return device, nil
}

// Authenticate 设备运行时认证；任何失败都返回同一个 apperr.ErrAuthentication
func (s *manager) Authenticate(ctx context.Context, deviceUID, token, nonce string) (*AuthResult, error) {
	res, reason := s.authenticate(ctx, deviceUID, token, nonce)
	if res == nil {
		s.metrics.AuthFailure()
		s.logger.Debug("Device authentication failed",
			zap.String("device_uid", deviceUID),
			zap.String("reason", reason),
		)
		return nil, apperr.ErrAuthentication
	}
	return res, nil
}

// authenticate 返回失败原因仅用于日志
func (s *manager) authenticate(ctx context.Context, deviceUID, token, nonce string) (*AuthResult, string) {
	if deviceUID == "" || token == "" {
		return nil, "missing credentials"
	}
	if !validNonce(nonce) {
		return nil, "malformed nonce"
	}

	qctx, cancel := s.opCtx(ctx)
	rows, err := s.devices.ListDevicesByUID(qctx, deviceUID)
	cancel()
	if err != nil {
		return nil, "lookup failed: " + err.Error()
	}
	var device *models.Device
	for _, d := range rows {
		if d.Status == models.DeviceActive {
			device = d
			break
		}
	}
	if device == nil {
		return nil, "no active device"
	}

	now := s.now()
	if !device.TokenValidAt(now) {
		return nil, "token expired"
	}
	if !tokenMatches(device.TokenHash, token) {
		return nil, "token mismatch"
	}

	// nonce 在窗口内单次有效；放在 token 校验之后，避免无效请求消耗 nonce
	lctx, cancel := s.opCtx(ctx)
	fresh, err := s.ledger.Claim(lctx, nonceKey(device.DeviceID, nonce), s.cfg.NonceWindow)
	cancel()
	if err != nil {
		return nil, "nonce ledger unavailable: " + err.Error()
	}
	if !fresh {
		return nil, "nonce replayed"
	}

	tctx, cancel := s.opCtx(ctx)
	if err := s.devices.TouchLastSeen(tctx, device.DeviceID, now); err != nil {
		s.logger.Warn("Failed to update last_seen",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}
	cancel()

	return &AuthResult{
		DeviceID:  device.DeviceID,
		DeviceUID: device.DeviceUID,
		TenantID:  device.TenantID,
	}, ""
}

func (s *manager) audit(ctx context.Context, entry audit.Entry) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.LogAction(ctx, entry); err != nil {
		s.logger.Warn("Failed to write audit entry",
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}
