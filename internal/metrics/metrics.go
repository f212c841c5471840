// Package metrics 告警服务的 Prometheus 指标；所有方法在 nil 接收者上是空操作
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "wisefido_band_"

// 事件处理结果
const (
	ResultCreated   = "created"
	ResultDuplicate = "duplicate"
	ResultRecent    = "recent"
	ResultNoAlert   = "no_alert"
	ResultRetry     = "retry"
	ResultParked    = "parked"
	ResultError     = "error"
)

// Metrics 指标集合
type Metrics struct {
	registry prometheus.Gatherer

	eventsProcessed   *prometheus.CounterVec
	alertsCreated     *prometheus.CounterVec
	candidatesDropped *prometheus.CounterVec
	ruleErrors        *prometheus.CounterVec
	authFailures      prometheus.Counter
	devicesOffline    prometheus.Gauge
	devicesStreaming  prometheus.Gauge
	sweepDuration     prometheus.Histogram
	processLatency    *prometheus.HistogramVec
	notifyFailures    *prometheus.CounterVec
}

// New 创建并注册指标；reg 为 nil 时使用独立 registry
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "events_processed_total",
			Help: "Metric events processed by the alert pipeline, by result",
		}, []string{"result"}),
		alertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "alerts_created_total",
			Help: "Alerts created, by alert type and severity",
		}, []string{"alert_type", "severity"}),
		candidatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "candidates_dropped_total",
			Help: "Alert candidates dropped by the confidence gate, by alert type",
		}, []string{"alert_type"}),
		ruleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "rule_errors_total",
			Help: "Rule evaluation failures, by rule",
		}, []string{"rule"}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "device_auth_failures_total",
			Help: "Device runtime authentication failures",
		}),
		devicesOffline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "devices_offline",
			Help: "Streaming devices currently marked offline",
		}),
		devicesStreaming: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "devices_streaming",
			Help: "Devices registered with the health monitor",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "health_sweep_duration_seconds",
			Help:    "Duration of one health monitor sweep",
			Buckets: prometheus.DefBuckets,
		}),
		processLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricPrefix + "event_process_latency_seconds",
			Help:    "Alert pipeline processing latency, by result",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "notify_failures_total",
			Help: "Best-effort notification failures, by channel",
		}, []string{"channel"}),
	}
	reg.MustRegister(
		m.eventsProcessed,
		m.alertsCreated,
		m.candidatesDropped,
		m.ruleErrors,
		m.authFailures,
		m.devicesOffline,
		m.devicesStreaming,
		m.sweepDuration,
		m.processLatency,
		m.notifyFailures,
	)
	return m
}

// Handler /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveEvent(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(result).Inc()
	m.processLatency.WithLabelValues(result).Observe(elapsed.Seconds())
}

func (m *Metrics) AlertCreated(alertType, severity string) {
	if m == nil {
		return
	}
	m.alertsCreated.WithLabelValues(alertType, severity).Inc()
}

func (m *Metrics) CandidateDropped(alertType string) {
	if m == nil {
		return
	}
	m.candidatesDropped.WithLabelValues(alertType).Inc()
}

func (m *Metrics) RuleError(rule string) {
	if m == nil {
		return
	}
	m.ruleErrors.WithLabelValues(rule).Inc()
}

func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) SetDevices(streaming, offline int) {
	if m == nil {
		return
	}
	m.devicesStreaming.Set(float64(streaming))
	m.devicesOffline.Set(float64(offline))
}

func (m *Metrics) ObserveSweep(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) NotifyFailure(channel string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(channel).Inc()
}
