package httpapi

import (
	"context"
	"net/http"
	"strings"

	"wisefido-band/internal/alerts"
	"wisefido-band/internal/apperr"
	"wisefido-band/internal/models"

	"go.uber.org/zap"
)

const alertsPrefix = "/alert/api/v1/alerts/"

// AlertHandler 告警 Handler
type AlertHandler struct {
	alerts alerts.Service
	logger *zap.Logger
}

func NewAlertHandler(svc alerts.Service, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{alerts: svc, logger: logger}
}

type transitionBody struct {
	Note string `json:"note"`
}

// List GET /alert/api/v1/alerts?tenant_id=&status=OPEN,ACKNOWLEDGED&limit=50
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	var statuses []models.AlertStatus
	if s := r.URL.Query().Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, models.AlertStatus(strings.ToUpper(part)))
			}
		}
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)

	list, err := h.alerts.List(r.Context(), tenantIDFromReq(r), statuses, limit)
	if err != nil {
		writeError(w, h.logger, "ListAlerts", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"items": list, "total": len(list)}))
}

// ServeHTTP 路由分发
//
//	GET  /alert/api/v1/alerts/:id
//	POST /alert/api/v1/alerts/:id/{acknowledge|unacknowledge|resolve|false-positive}
func (h *AlertHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, alertsPrefix)
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	alertID := parts[0]

	if len(parts) == 1 {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		h.get(w, r, alertID)
		return
	}

	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var fn func(context.Context, alerts.TransitionRequest) (*models.Alert, error)
	switch parts[1] {
	case "acknowledge":
		fn = h.alerts.Acknowledge
	case "unacknowledge":
		fn = h.alerts.Unacknowledge
	case "resolve":
		fn = h.alerts.Resolve
	case "false-positive":
		fn = h.alerts.MarkFalsePositive
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.transition(w, r, alertID, fn)
}

func (h *AlertHandler) get(w http.ResponseWriter, r *http.Request, alertID string) {
	tenantID := tenantIDFromReq(r)
	if tenantID == "" {
		writeError(w, h.logger, "GetAlert", apperr.Validation("GetAlert", "tenant_id is required"))
		return
	}
	alert, err := h.alerts.Get(r.Context(), tenantID, alertID)
	if err != nil {
		writeError(w, h.logger, "GetAlert", err)
		return
	}
	history, err := h.alerts.History(r.Context(), tenantID, alertID)
	if err != nil {
		writeError(w, h.logger, "GetAlert", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{"alert": alert, "history": history}))
}

func (h *AlertHandler) transition(w http.ResponseWriter, r *http.Request, alertID string, fn func(context.Context, alerts.TransitionRequest) (*models.Alert, error)) {
	tenantID := tenantIDFromReq(r)
	if tenantID == "" {
		writeError(w, h.logger, "AlertTransition", apperr.Validation("AlertTransition", "tenant_id is required"))
		return
	}
	var body transitionBody
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeError(w, h.logger, "AlertTransition", err)
		return
	}

	alert, err := fn(r.Context(), alerts.TransitionRequest{
		AlertID:  alertID,
		TenantID: tenantID,
		Actor:    actorFromReq(r),
		Note:     body.Note,
	})
	if err != nil {
		writeError(w, h.logger, "AlertTransition", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(alert))
}
