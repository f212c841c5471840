package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/models"
)

// MemoryStore 内存存储，DB 不可用时（本地开发、测试）替代 Postgres 实现
// 与 Postgres 一样保证：live device_uid 唯一、每台设备最多一条有效绑定
type MemoryStore struct {
	mu sync.RWMutex

	devices     map[string]models.Device // device_id -> Device
	lifecycle   []models.DeviceLifecycleEvent
	assignments map[string]models.DeviceAssignment // assignment_id -> DeviceAssignment
	alerts      map[string]models.Alert
	history     []models.AlertHistory
	snapshots   []models.HealthSnapshot
	deadLetters map[string]DeadLetter
	auditLogs   []AuditLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:     map[string]models.Device{},
		assignments: map[string]models.DeviceAssignment{},
		alerts:      map[string]models.Alert{},
		deadLetters: map[string]DeadLetter{},
	}
}

var (
	_ DevicesRepository         = (*MemoryStore)(nil)
	_ AssignmentsRepository     = (*MemoryStore)(nil)
	_ AlertsRepository          = (*MemoryStore)(nil)
	_ HealthSnapshotsRepository = (*MemoryStore)(nil)
	_ DeadLettersRepository     = (*MemoryStore)(nil)
	_ AuditLogsRepository       = (*MemoryStore)(nil)
)

// ---------------- devices ----------------

func (s *MemoryStore) CreateDevice(_ context.Context, device *models.Device, event *models.DeviceLifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device.Status.IsLive() {
		for _, d := range s.devices {
			if d.DeviceUID == device.DeviceUID && d.Status.IsLive() {
				return apperr.Conflict("CreateDevice", "device_uid %s already registered", device.DeviceUID)
			}
		}
	}
	if _, ok := s.devices[device.DeviceID]; ok {
		return apperr.Conflict("CreateDevice", "device_id %s already exists", device.DeviceID)
	}
	s.devices[device.DeviceID] = *device
	if event != nil {
		s.lifecycle = append(s.lifecycle, *event)
	}
	return nil
}

func (s *MemoryStore) ListDevicesByUID(_ context.Context, deviceUID string) ([]*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Device
	for _, d := range s.devices {
		if d.DeviceUID == deviceUID {
			cp := d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetDevice(_ context.Context, deviceID string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return nil, apperr.NotFound("GetDevice", "device not found: device_id=%s", deviceID)
	}
	return &d, nil
}

func (s *MemoryStore) RevokeDevice(_ context.Context, device *models.Device, event *models.DeviceLifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.devices[device.DeviceID]
	if !ok {
		return apperr.NotFound("RevokeDevice", "device not found: device_id=%s", device.DeviceID)
	}
	if cur.Status == models.DeviceRevoked {
		return apperr.Conflict("RevokeDevice", "device %s already revoked", device.DeviceID)
	}
	cur.Status = models.DeviceRevoked
	cur.TokenHash = ""
	cur.TokenExpiresAt = device.RevokedAt
	cur.RevokedAt = device.RevokedAt
	cur.RevokedReason = device.RevokedReason
	if device.RevokedAt != nil {
		cur.UpdatedAt = *device.RevokedAt
	}
	s.devices[device.DeviceID] = cur
	if event != nil {
		s.lifecycle = append(s.lifecycle, *event)
	}
	return nil
}

func (s *MemoryStore) TouchLastSeen(_ context.Context, deviceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return nil
	}
	if d.LastSeen == nil || d.LastSeen.Before(at) {
		t := at
		d.LastSeen = &t
		s.devices[deviceID] = d
	}
	return nil
}

func (s *MemoryStore) ListLifecycleEvents(_ context.Context, deviceID string) ([]*models.DeviceLifecycleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.DeviceLifecycleEvent
	for _, ev := range s.lifecycle {
		if ev.DeviceID == deviceID {
			cp := ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---------------- assignments ----------------

// WithTx 持有写锁执行 fn；变更暂存，fn 成功后才生效
func (s *MemoryStore) WithTx(_ context.Context, fn func(tx AssignmentTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryAssignmentTx{store: s, staged: map[string]models.DeviceAssignment{}}
	if err := fn(tx); err != nil {
		return err
	}
	for id, a := range tx.staged {
		s.assignments[id] = a
	}
	return nil
}

func (s *MemoryStore) ListStreamingAssignments(_ context.Context) ([]*models.DeviceAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.DeviceAssignment
	for _, a := range s.assignments {
		if a.IsOpen() && a.IsStreaming {
			cp := a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedDate.Before(out[j].AssignedDate) })
	return out, nil
}

type memoryAssignmentTx struct {
	store  *MemoryStore
	staged map[string]models.DeviceAssignment
}

func (t *memoryAssignmentTx) GetDeviceForUpdate(_ context.Context, deviceID string) (*models.Device, error) {
	d, ok := t.store.devices[deviceID]
	if !ok {
		return nil, apperr.NotFound("GetDeviceForUpdate", "device not found: device_id=%s", deviceID)
	}
	return &d, nil
}

func (t *memoryAssignmentTx) lookup(id string) (models.DeviceAssignment, bool) {
	if a, ok := t.staged[id]; ok {
		return a, true
	}
	a, ok := t.store.assignments[id]
	return a, ok
}

func (t *memoryAssignmentTx) GetOpenAssignment(_ context.Context, deviceID string) (*models.DeviceAssignment, error) {
	ids := make(map[string]struct{}, len(t.store.assignments)+len(t.staged))
	for id := range t.store.assignments {
		ids[id] = struct{}{}
	}
	for id := range t.staged {
		ids[id] = struct{}{}
	}
	for id := range ids {
		a, _ := t.lookup(id)
		if a.DeviceID == deviceID && a.IsOpen() {
			return &a, nil
		}
	}
	return nil, nil
}

func (t *memoryAssignmentTx) InsertAssignment(ctx context.Context, a *models.DeviceAssignment) error {
	open, _ := t.GetOpenAssignment(ctx, a.DeviceID)
	if open != nil {
		return apperr.Conflict("InsertAssignment", "device %s already has an open assignment", a.DeviceID)
	}
	t.staged[a.AssignmentID] = *a
	return nil
}

func (t *memoryAssignmentTx) CloseAssignment(_ context.Context, assignmentID string, at time.Time) error {
	a, ok := t.lookup(assignmentID)
	if !ok || !a.IsOpen() {
		return apperr.NotFound("CloseAssignment", "open assignment not found: %s", assignmentID)
	}
	ts := at
	a.UnassignedDate = &ts
	a.IsStreaming = false
	a.StreamingStoppedAt = &ts
	t.staged[assignmentID] = a
	return nil
}

// ---------------- alerts ----------------

func (s *MemoryStore) CreateAlert(_ context.Context, alert *models.Alert, history *models.AlertHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[alert.AlertID]; ok {
		return apperr.Conflict("CreateAlert", "alert %s already exists", alert.AlertID)
	}
	s.alerts[alert.AlertID] = *alert
	if history != nil {
		s.history = append(s.history, *history)
	}
	return nil
}

func (s *MemoryStore) GetAlert(_ context.Context, alertID string) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return nil, apperr.NotFound("GetAlert", "alert not found: alert_id=%s", alertID)
	}
	return &a, nil
}

func (s *MemoryStore) FindRecentOpenAlert(_ context.Context, deviceID string, alertType models.AlertType, since time.Time) (*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Alert
	for _, a := range s.alerts {
		if a.DeviceID != deviceID || a.AlertType != alertType || a.Status != models.AlertOpen {
			continue
		}
		if a.TriggeredAt.Before(since) {
			continue
		}
		if best == nil || a.TriggeredAt.After(best.TriggeredAt) {
			cp := a
			best = &cp
		}
	}
	return best, nil
}

func (s *MemoryStore) UpdateAlertStatus(_ context.Context, alertID string, from, to models.AlertStatus, resolvedAt *time.Time, history *models.AlertHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return apperr.NotFound("UpdateAlertStatus", "alert not found: alert_id=%s", alertID)
	}
	if a.Status != from {
		return apperr.Conflict("UpdateAlertStatus", "alert %s is no longer %s", alertID, from)
	}
	a.Status = to
	if resolvedAt != nil {
		t := *resolvedAt
		a.ResolvedAt = &t
		a.UpdatedAt = t
	}
	s.alerts[alertID] = a
	if history != nil {
		s.history = append(s.history, *history)
	}
	return nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, tenantID string, statuses []models.AlertStatus, limit int) ([]*models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := map[models.AlertStatus]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	out := []*models.Alert{}
	for _, a := range s.alerts {
		if a.TenantID != tenantID {
			continue
		}
		if len(want) > 0 && !want[a.Status] {
			continue
		}
		cp := a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListAlertHistory(_ context.Context, alertID string) ([]*models.AlertHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.AlertHistory
	for _, h := range s.history {
		if h.AlertID == alertID {
			cp := h
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---------------- snapshots / dead letters / audit ----------------

func (s *MemoryStore) InsertSnapshot(_ context.Context, snapshot *models.HealthSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, *snapshot)
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, deviceID string, limit int) ([]*models.HealthSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.HealthSnapshot
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].DeviceID != deviceID {
			continue
		}
		cp := s.snapshots[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertDeadLetter(_ context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.deadLetters[dl.EventKey]; ok {
		cur.Attempts += dl.Attempts
		cur.LastError = dl.LastError
		cur.Payload = dl.Payload
		cur.UpdatedAt = dl.CreatedAt
		s.deadLetters[dl.EventKey] = cur
		return nil
	}
	dl.UpdatedAt = dl.CreatedAt
	s.deadLetters[dl.EventKey] = dl
	return nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DeadLetter, 0, len(s.deadLetters))
	for _, dl := range s.deadLetters {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertAuditLog(_ context.Context, entry AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

// AuditLogs 返回审计记录副本（测试与调试用）
func (s *MemoryStore) AuditLogs() []AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]AuditLog(nil), s.auditLogs...)
}
