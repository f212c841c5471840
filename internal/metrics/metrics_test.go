package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveEvent(ResultCreated, 10*time.Millisecond)
	m.ObserveEvent(ResultCreated, 10*time.Millisecond)
	m.ObserveEvent(ResultDuplicate, time.Millisecond)
	m.AlertCreated("HEART_RATE_HIGH", "HIGH")
	m.AuthFailure()
	m.SetDevices(3, 1)

	body := scrape(t, m)
	assert.Contains(t, body, `wisefido_band_events_processed_total{result="created"} 2`)
	assert.Contains(t, body, `wisefido_band_events_processed_total{result="duplicate"} 1`)
	assert.Contains(t, body, `wisefido_band_alerts_created_total{alert_type="HEART_RATE_HIGH",severity="HIGH"} 1`)
	assert.Contains(t, body, `wisefido_band_device_auth_failures_total 1`)
	assert.Contains(t, body, `wisefido_band_devices_offline 1`)
	assert.Contains(t, body, `wisefido_band_devices_streaming 3`)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveEvent(ResultError, time.Second)
		m.AlertCreated("X", "LOW")
		m.SetDevices(1, 1)
		m.ObserveSweep(time.Second)
		m.NotifyFailure("mqtt")
	})
}

func TestMetrics_RuleErrors(t *testing.T) {
	m := New(nil)
	m.RuleError("HEART_RATE_HIGH")
	assert.Contains(t, scrape(t, m), `wisefido_band_rule_errors_total{rule="HEART_RATE_HIGH"} 1`)
}
