package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"wisefido-band/internal/apperr"

	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 按错误类别写出状态码；5xx 记录错误日志
func writeError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(op+" failed", zap.Error(err))
	} else {
		logger.Debug(op+" rejected", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, Fail(publicMessage(err)))
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.Validation("decode", "invalid JSON body: %v", err)
	}
	return nil
}

// tenantIDFromReq query 参数优先，其次 X-Tenant-Id 请求头
func tenantIDFromReq(r *http.Request) string {
	if tid := r.URL.Query().Get("tenant_id"); tid != "" {
		return tid
	}
	if tid := r.Header.Get("X-Tenant-Id"); tid != "" && tid != "null" {
		return tid
	}
	return ""
}

func actorFromReq(r *http.Request) string {
	if uid := strings.TrimSpace(r.Header.Get("X-User-Id")); uid != "" {
		return uid
	}
	return "api"
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}
