package httpapi

import (
	"net/http"

	"wisefido-band/internal/ingest"

	"go.uber.org/zap"
)

// TelemetryHandler 设备 HTTP 上报
type TelemetryHandler struct {
	ingest *ingest.Handler
	logger *zap.Logger
}

func NewTelemetryHandler(h *ingest.Handler, logger *zap.Logger) *TelemetryHandler {
	return &TelemetryHandler{ingest: h, logger: logger}
}

// Ingest POST /device/api/v1/telemetry
// 认证信息放在请求头：X-Device-UID / X-Device-Token / X-Device-Nonce
func (h *TelemetryHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var t ingest.Telemetry
	if err := readBodyJSON(r, maxBodyBytes, &t); err != nil {
		writeError(w, h.logger, "Telemetry", err)
		return
	}
	t.DeviceUID = r.Header.Get("X-Device-UID")
	t.Token = r.Header.Get("X-Device-Token")
	t.Nonce = r.Header.Get("X-Device-Nonce")

	res, err := h.ingest.Handle(r.Context(), t)
	if err != nil {
		writeError(w, h.logger, "Telemetry", err)
		return
	}
	writeJSON(w, http.StatusAccepted, Ok(res))
}
