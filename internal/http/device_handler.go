package httpapi

import (
	"net/http"
	"time"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/binding"
	"wisefido-band/internal/identity"
	"wisefido-band/internal/monitor"

	"go.uber.org/zap"
)

// HealthLister 推流设备状态查询（monitor.Monitor 实现）
type HealthLister interface {
	Devices() []monitor.DeviceHealth
}

// DeviceHandler 设备生命周期 Handler
type DeviceHandler struct {
	identity identity.Manager
	binding  binding.Service
	health   HealthLister
	logger   *zap.Logger
}

// NewDeviceHandler 创建设备 Handler
func NewDeviceHandler(identityMgr identity.Manager, bindingSvc binding.Service, health HealthLister, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		identity: identityMgr,
		binding:  bindingSvc,
		health:   health,
		logger:   logger,
	}
}

type registerBody struct {
	DeviceUID       string  `json:"device_uid"`
	TenantID        string  `json:"tenant_id"`
	FirmwareVersion *string `json:"firmware_version,omitempty"`
	PublicKey       *string `json:"public_key,omitempty"`
}

type revokeBody struct {
	DeviceUID string `json:"device_uid"`
	TenantID  string `json:"tenant_id"`
	Reason    string `json:"reason"`
}

type bindBody struct {
	TenantID  string `json:"tenant_id"`
	DeviceID  string `json:"device_id"`
	SubjectID string `json:"subject_id"`
}

// Register POST /device/api/v1/devices/register
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	// 1. 参数解析
	var body registerBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeError(w, h.logger, "Register", err)
		return
	}
	if body.TenantID == "" {
		body.TenantID = tenantIDFromReq(r)
	}

	// 2. 调用 Service
	resp, err := h.identity.Register(r.Context(), identity.RegisterRequest{
		DeviceUID:       body.DeviceUID,
		TenantID:        body.TenantID,
		FirmwareVersion: body.FirmwareVersion,
		PublicKey:       body.PublicKey,
	})
	if err != nil {
		writeError(w, h.logger, "Register", err)
		return
	}

	// 3. 返回结果（token 明文只在此返回一次）
	writeJSON(w, http.StatusCreated, Ok(resp))
}

// Revoke POST /device/api/v1/devices/revoke
func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var body revokeBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeError(w, h.logger, "Revoke", err)
		return
	}
	if body.TenantID == "" {
		body.TenantID = tenantIDFromReq(r)
	}

	device, err := h.identity.Revoke(r.Context(), identity.RevokeRequest{
		DeviceUID: body.DeviceUID,
		TenantID:  body.TenantID,
		Reason:    body.Reason,
	})
	if err != nil {
		writeError(w, h.logger, "Revoke", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(device))
}

// Bind POST /device/api/v1/devices/bind
func (h *DeviceHandler) Bind(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var body bindBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeError(w, h.logger, "Bind", err)
		return
	}
	if body.TenantID == "" {
		body.TenantID = tenantIDFromReq(r)
	}

	assignment, err := h.binding.BindDevice(r.Context(), binding.BindRequest{
		TenantID:  body.TenantID,
		DeviceID:  body.DeviceID,
		SubjectID: body.SubjectID,
		Actor:     actorFromReq(r),
	})
	if err != nil {
		writeError(w, h.logger, "Bind", err)
		return
	}
	writeJSON(w, http.StatusCreated, Ok(assignment))
}

// Unbind POST /device/api/v1/devices/unbind
func (h *DeviceHandler) Unbind(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var body bindBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeError(w, h.logger, "Unbind", err)
		return
	}
	if body.TenantID == "" {
		body.TenantID = tenantIDFromReq(r)
	}

	assignment, err := h.binding.UnbindDevice(r.Context(), binding.UnbindRequest{
		TenantID: body.TenantID,
		DeviceID: body.DeviceID,
		Actor:    actorFromReq(r),
	})
	if err != nil {
		writeError(w, h.logger, "Unbind", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(assignment))
}

type deviceHealthItem struct {
	DeviceID           string     `json:"device_id"`
	AssignmentID       string     `json:"assignment_id"`
	StartedAt          time.Time  `json:"started_at"`
	LastDataReceivedAt time.Time  `json:"last_data_received_at"`
	IsOffline          bool       `json:"is_offline"`
	OfflineSince       *time.Time `json:"offline_since,omitempty"`
	ActiveAlertID      *string    `json:"active_alert_id,omitempty"`
}

// Health GET /device/api/v1/devices/health?tenant_id=
func (h *DeviceHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	tenantID := tenantIDFromReq(r)
	if tenantID == "" {
		writeError(w, h.logger, "Health", apperr.Validation("Health", "tenant_id is required"))
		return
	}

	items := []deviceHealthItem{}
	for _, d := range h.health.Devices() {
		if d.Entry.TenantID != tenantID {
			continue
		}
		items = append(items, deviceHealthItem{
			DeviceID:           d.Entry.DeviceID,
			AssignmentID:       d.Entry.AssignmentID,
			StartedAt:          d.Entry.StartedAt,
			LastDataReceivedAt: d.Entry.LastDataReceivedAt,
			IsOffline:          d.Health.IsOffline,
			OfflineSince:       d.Health.OfflineSince,
			ActiveAlertID:      d.Health.ActiveAlertID,
		})
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": items, "total": len(items)}))
}
