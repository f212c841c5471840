package httpapi

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（/metrics 等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterDeviceRoutes 设备注册/吊销/绑定/健康
func (r *Router) RegisterDeviceRoutes(h *DeviceHandler) {
	r.Handle("/device/api/v1/devices/register", h.Register)
	r.Handle("/device/api/v1/devices/revoke", h.Revoke)
	r.Handle("/device/api/v1/devices/bind", h.Bind)
	r.Handle("/device/api/v1/devices/unbind", h.Unbind)
	r.Handle("/device/api/v1/devices/health", h.Health)
}

// RegisterTelemetryRoutes 设备 HTTP 上报
func (r *Router) RegisterTelemetryRoutes(h *TelemetryHandler) {
	r.Handle("/device/api/v1/telemetry", h.Ingest)
}

// RegisterAlertRoutes 告警查询与状态流转
func (r *Router) RegisterAlertRoutes(h *AlertHandler) {
	r.Handle("/alert/api/v1/alerts", h.List)
	r.Handle("/alert/api/v1/alerts/", h.ServeHTTP)
}

// HealthCheck 依赖探活；返回 nil 表示健康
type HealthCheck func(ctx context.Context) error

// healthCheckTimeout 单个依赖探活的上限
const healthCheckTimeout = 2 * time.Second

// RegisterOpsRoutes 存活探针与指标；任一依赖不健康时 /healthz 返回 503
func (r *Router) RegisterOpsRoutes(metrics http.Handler, checks map[string]HealthCheck) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := map[string]string{"status": "ok"}
		healthy := true
		for _, name := range names {
			ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
			err := checks[name](ctx)
			cancel()
			if err != nil {
				healthy = false
				status[name] = err.Error()
				r.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
				continue
			}
			status[name] = "ok"
		}
		if !healthy {
			status["status"] = "unhealthy"
			writeJSON(w, http.StatusServiceUnavailable, Result[map[string]string]{
				Code: ResultError, Type: "error", Message: "unhealthy", Result: status,
			})
			return
		}
		writeJSON(w, http.StatusOK, Ok(status))
	})
	if metrics != nil {
		r.HandleHandler("/metrics", metrics)
	}
}
