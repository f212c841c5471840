// Package binding 设备与被监护对象的绑定/解绑
package binding

import (
	"context"
	"time"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/audit"
	"wisefido-band/internal/forensic"
	"wisefido-band/internal/models"
	"wisefido-band/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Streamer 推流注册表（monitor.Monitor 实现）
type Streamer interface {
	StartStreaming(deviceID, assignmentID, tenantID string) error
	StopStreaming(deviceID string)
}

// Service 绑定服务
type Service interface {
	BindDevice(ctx context.Context, req BindRequest) (*models.DeviceAssignment, error)
	UnbindDevice(ctx context.Context, req UnbindRequest) (*models.DeviceAssignment, error)
	// ReleaseDevice 设备吊销后的收尾：关闭未结束的绑定（没有则跳过）并注销推流
	ReleaseDevice(ctx context.Context, req UnbindRequest) (*models.DeviceAssignment, error)
	// RestoreStreaming 启动时把所有推流中的绑定重新注册到监控，返回注册数量
	RestoreStreaming(ctx context.Context) (int, error)
}

// BindRequest 绑定请求
type BindRequest struct {
	TenantID  string
	DeviceID  string
	SubjectID string
	Actor     string
}

// UnbindRequest 解绑请求
type UnbindRequest struct {
	TenantID string
	DeviceID string
	Actor    string
}

type service struct {
	repo      repository.AssignmentsRepository
	streamer  Streamer
	gate      forensic.Gate
	auditor   audit.Logger
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

// NewService 创建绑定服务
func NewService(
	repo repository.AssignmentsRepository,
	streamer Streamer,
	gate forensic.Gate,
	auditor audit.Logger,
	opTimeout time.Duration,
	logger *zap.Logger,
	opts ...Option,
) Service {
	s := &service{
		repo:      repo,
		streamer:  streamer,
		gate:      gate,
		auditor:   auditor,
		opTimeout: opTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) BindDevice(ctx context.Context, req BindRequest) (*models.DeviceAssignment, error) {
	const op = "binding.BindDevice"

	// 1. 取证只读模式
	if !s.gate.IsWriteAllowed(ctx) {
		return nil, apperr.ErrForensicMode
	}

	// 2. 参数验证
	if req.TenantID == "" || req.DeviceID == "" || req.SubjectID == "" {
		return nil, apperr.Validation(op, "tenant_id, device_id and subject_id are required")
	}

	now := s.now()
	assignment := &models.DeviceAssignment{
		AssignmentID:       uuid.New().String(),
		DeviceID:           req.DeviceID,
		TenantID:           req.TenantID,
		SubjectID:          req.SubjectID,
		AssignedDate:       now,
		IsStreaming:        true,
		StreamingStartedAt: &now,
	}

	// 3. 事务内校验设备并插入绑定
	txCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	err := s.repo.WithTx(txCtx, func(tx repository.AssignmentTx) error {
		device, err := tx.GetDeviceForUpdate(txCtx, req.DeviceID)
		if err != nil {
			return err
		}
		if device.TenantID != req.TenantID {
			return apperr.Forbidden(op, "device %s does not belong to tenant %s", req.DeviceID, req.TenantID)
		}
		if device.Status != models.DeviceActive {
			return apperr.Conflict(op, "device %s is %s", req.DeviceID, device.Status)
		}
		open, err := tx.GetOpenAssignment(txCtx, req.DeviceID)
		if err != nil {
			return err
		}
		if open != nil {
			return apperr.Conflict(op, "device %s already bound to subject %s", req.DeviceID, open.SubjectID)
		}
		return tx.InsertAssignment(txCtx, assignment)
	})
	cancel()
	if err != nil {
		return nil, classify(op, err)
	}

	// 4. 提交后注册推流；失败只记日志，不回滚
	if err := s.streamer.StartStreaming(assignment.DeviceID, assignment.AssignmentID, assignment.TenantID); err != nil {
		s.logger.Error("Failed to start streaming after bind",
			zap.String("device_id", assignment.DeviceID),
			zap.String("assignment_id", assignment.AssignmentID),
			zap.Error(err),
		)
	}

	s.logger.Info("Device bound",
		zap.String("device_id", assignment.DeviceID),
		zap.String("subject_id", assignment.SubjectID),
		zap.String("assignment_id", assignment.AssignmentID),
	)
	s.audit(ctx, audit.ActionDeviceBound, req.TenantID, req.Actor, assignment, now)
	return assignment, nil
}

func (s *service) UnbindDevice(ctx context.Context, req UnbindRequest) (*models.DeviceAssignment, error) {
	const op = "binding.UnbindDevice"

	if !s.gate.IsWriteAllowed(ctx) {
		return nil, apperr.ErrForensicMode
	}
	if req.TenantID == "" || req.DeviceID == "" {
		return nil, apperr.Validation(op, "tenant_id and device_id are required")
	}

	now := s.now()
	var closed *models.DeviceAssignment

	txCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	err := s.repo.WithTx(txCtx, func(tx repository.AssignmentTx) error {
		device, err := tx.GetDeviceForUpdate(txCtx, req.DeviceID)
		if err != nil {
			return err
		}
		if device.TenantID != req.TenantID {
			return apperr.Forbidden(op, "device %s does not belong to tenant %s", req.DeviceID, req.TenantID)
		}
		open, err := tx.GetOpenAssignment(txCtx, req.DeviceID)
		if err != nil {
			return err
		}
		if open == nil {
			return apperr.NotFound(op, "device %s has no open assignment", req.DeviceID)
		}
		if err := tx.CloseAssignment(txCtx, open.AssignmentID, now); err != nil {
			return err
		}
		open.UnassignedDate = &now
		open.IsStreaming = false
		open.StreamingStoppedAt = &now
		closed = open
		return nil
	})
	cancel()
	if err != nil {
		return nil, classify(op, err)
	}

	s.streamer.StopStreaming(req.DeviceID)

	s.logger.Info("Device unbound",
		zap.String("device_id", closed.DeviceID),
		zap.String("assignment_id", closed.AssignmentID),
	)
	s.audit(ctx, audit.ActionDeviceUnbound, req.TenantID, req.Actor, closed, now)
	return closed, nil
}

// ReleaseDevice 不经过只读模式拦截：调用方（吊销）已经通过了拦截
func (s *service) ReleaseDevice(ctx context.Context, req UnbindRequest) (*models.DeviceAssignment, error) {
	const op = "binding.ReleaseDevice"

	if req.TenantID == "" || req.DeviceID == "" {
		return nil, apperr.Validation(op, "tenant_id and device_id are required")
	}

	now := s.now()
	var closed *models.DeviceAssignment

	txCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	err := s.repo.WithTx(txCtx, func(tx repository.AssignmentTx) error {
		device, err := tx.GetDeviceForUpdate(txCtx, req.DeviceID)
		if err != nil {
			return err
		}
		if device.TenantID != req.TenantID {
			return apperr.Forbidden(op, "device %s does not belong to tenant %s", req.DeviceID, req.TenantID)
		}
		open, err := tx.GetOpenAssignment(txCtx, req.DeviceID)
		if err != nil || open == nil {
			return err
		}
		if err := tx.CloseAssignment(txCtx, open.AssignmentID, now); err != nil {
			return err
		}
		open.UnassignedDate = &now
		open.IsStreaming = false
		open.StreamingStoppedAt = &now
		closed = open
		return nil
	})
	cancel()
	if err != nil {
		return nil, classify(op, err)
	}

	// 没有绑定时推流注册表里也可能残留（例如重启恢复后的竞态），一律注销
	s.streamer.StopStreaming(req.DeviceID)

	if closed == nil {
		return nil, nil
	}
	s.logger.Info("Device released",
		zap.String("device_id", closed.DeviceID),
		zap.String("assignment_id", closed.AssignmentID),
	)
	s.audit(ctx, audit.ActionDeviceUnbound, req.TenantID, req.Actor, closed, now)
	return closed, nil
}

func (s *service) RestoreStreaming(ctx context.Context) (int, error) {
	qctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	list, err := s.repo.ListStreamingAssignments(qctx)
	if err != nil {
		return 0, apperr.Transient("binding.RestoreStreaming", err)
	}

	restored := 0
	for _, a := range list {
		if err := s.streamer.StartStreaming(a.DeviceID, a.AssignmentID, a.TenantID); err != nil {
			s.logger.Warn("Failed to restore streaming",
				zap.String("device_id", a.DeviceID),
				zap.Error(err),
			)
			continue
		}
		restored++
	}
	s.logger.Info("Streaming assignments restored", zap.Int("count", restored))
	return restored, nil
}

func (s *service) audit(ctx context.Context, action, tenantID, actor string, a *models.DeviceAssignment, at time.Time) {
	if s.auditor == nil {
		return
	}
	if actor == "" {
		actor = "api"
	}
	if err := s.auditor.LogAction(ctx, audit.Entry{
		TenantID:   tenantID,
		Actor:      actor,
		Action:     action,
		EntityType: "device",
		EntityID:   a.DeviceID,
		Detail: map[string]any{
			"assignment_id": a.AssignmentID,
			"subject_id":    a.SubjectID,
		},
		CreatedAt: at,
	}); err != nil {
		s.logger.Warn("Failed to write audit entry", zap.String("action", action), zap.Error(err))
	}
}

// classify 请求级错误原样返回，其余视为基础设施故障
func classify(op string, err error) error {
	switch apperr.KindOf(err) {
	case "", apperr.KindTransient:
		return apperr.Transient(op, err)
	default:
		return err
	}
}
