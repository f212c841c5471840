package rules

import (
	"errors"
	"math"
	"testing"
	"time"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/config"
	"wisefido-band/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleTime = time.Date(2026, 5, 1, 8, 30, 42, 0, time.UTC)

func f(v float64) *float64 { return &v }

func defaultEngine() *Engine {
	return NewEngine(DefaultRules(config.Default().Alerting)...)
}

func event(m models.Metrics) models.MetricEvent {
	return models.NewMetricEvent("dev-1", "tenant-a", "vitals", m, sampleTime)
}

func TestEvaluate_HeartRate125(t *testing.T) {
	res := defaultEngine().Evaluate(event(models.Metrics{HeartRate: f(125)}))
	require.Empty(t, res.Errors)
	require.Len(t, res.Candidates, 1)

	c := res.Candidates[0]
	assert.Equal(t, models.AlertHeartRateHigh, c.AlertType)
	assert.Equal(t, models.SeverityHigh, c.Severity)
	assert.InDelta(t, 0.75, c.Confidence, 1e-9)
	assert.Equal(t, "HEART_RATE_HIGH:dev-1:120:1777624200", c.DedupKey)
	assert.Contains(t, c.Description, "120")
	assert.Contains(t, c.Description, "by 5")
	assert.Contains(t, c.Explanation, "warning boundary (120)")
	require.NotNil(t, c.Data.Margin)
	assert.Equal(t, 5.0, *c.Data.Margin)
}

func TestEvaluate_SeverityTiers(t *testing.T) {
	cases := []struct {
		name       string
		metrics    models.Metrics
		alertType  models.AlertType
		severity   models.Severity
		confidence float64
	}{
		{"hr medium", models.Metrics{HeartRate: f(110)}, models.AlertHeartRateHigh, models.SeverityMedium, 0.85},
		{"hr critical", models.Metrics{HeartRate: f(165)}, models.AlertHeartRateHigh, models.SeverityCritical, 0.85},
		{"hr critical capped", models.Metrics{HeartRate: f(250)}, models.AlertHeartRateHigh, models.SeverityCritical, 1.0},
		{"hr low", models.Metrics{HeartRate: f(45)}, models.AlertHeartRateLow, models.SeverityHigh, 0.85},
		{"spo2 critical", models.Metrics{SpO2: f(80)}, models.AlertSpO2Low, models.SeverityCritical, 1.0},
		{"temp high", models.Metrics{Temperature: f(39.0)}, models.AlertTemperatureHigh, models.SeverityHigh, 0.8},
		{"bp medium", models.Metrics{BPSystolic: f(135)}, models.AlertBloodPressureHigh, models.SeverityMedium, 0.85},
		{"battery high", models.Metrics{Battery: f(15)}, models.AlertBatteryLow, models.SeverityHigh, 0.85},
		{"signal weak", models.Metrics{Signal: f(-85)}, models.AlertSignalWeak, models.SeverityMedium, 0.85},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := defaultEngine().Evaluate(event(tc.metrics))
			require.Empty(t, res.Errors)
			require.Len(t, res.Candidates, 1)
			assert.Equal(t, tc.alertType, res.Candidates[0].AlertType)
			assert.Equal(t, tc.severity, res.Candidates[0].Severity)
			assert.InDelta(t, tc.confidence, res.Candidates[0].Confidence, 1e-9)
		})
	}
}

func TestEvaluate_NoFireAtOrInsideNormal(t *testing.T) {
	res := defaultEngine().Evaluate(event(models.Metrics{
		HeartRate:   f(100),
		Temperature: f(36.8),
		SpO2:        f(95),
		Battery:     f(80),
		Signal:      f(-60),
	}))
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Candidates)
}

func TestEvaluate_ConnectionLost(t *testing.T) {
	status := models.ConnectionDisconnected
	res := defaultEngine().Evaluate(event(models.Metrics{ConnectionStatus: &status}))
	require.Len(t, res.Candidates, 1)
	c := res.Candidates[0]
	assert.Equal(t, models.AlertConnectionLost, c.AlertType)
	assert.Equal(t, models.SeverityHigh, c.Severity)
	assert.Equal(t, 0.9, c.Confidence)
	assert.Equal(t, "CONNECTION_LOST:dev-1:disconnected:1777624200", c.DedupKey)
}

func TestEvaluate_MultipleCandidatesInRuleOrder(t *testing.T) {
	res := defaultEngine().Evaluate(event(models.Metrics{HeartRate: f(130), SpO2: f(88), Battery: f(5)}))
	require.Len(t, res.Candidates, 3)
	assert.Equal(t, models.AlertHeartRateHigh, res.Candidates[0].AlertType)
	assert.Equal(t, models.AlertSpO2Low, res.Candidates[1].AlertType)
	assert.Equal(t, models.AlertBatteryLow, res.Candidates[2].AlertType)
}

func TestEvaluate_NonFiniteValueRecordedAsRuleError(t *testing.T) {
	res := defaultEngine().Evaluate(event(models.Metrics{HeartRate: f(math.NaN()), SpO2: f(80)}))
	// 两条心率规则各自失败，SpO2 规则不受影响
	require.Len(t, res.Errors, 2)
	assert.True(t, apperr.IsKind(res.Errors[0], apperr.KindRuleEvaluation))
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, models.AlertSpO2Low, res.Candidates[0].AlertType)
}

type panicRule struct{}

func (panicRule) Name() models.AlertType                          { return "PANIC" }
func (panicRule) Evaluate(models.MetricEvent) (*Candidate, error) { panic("boom") }

type errRule struct{}

func (errRule) Name() models.AlertType { return "ERR" }
func (errRule) Evaluate(models.MetricEvent) (*Candidate, error) {
	return nil, errors.New("bad input")
}

func TestEngine_PanickingRuleIsSkipped(t *testing.T) {
	rules := append([]Rule{panicRule{}, errRule{}}, DefaultRules(config.Default().Alerting)...)
	res := NewEngine(rules...).Evaluate(event(models.Metrics{HeartRate: f(125)}))

	require.Len(t, res.Errors, 2)
	for _, err := range res.Errors {
		assert.True(t, apperr.IsKind(err, apperr.KindRuleEvaluation))
	}
	assert.Contains(t, res.Errors[0].Error(), "panic: boom")
	require.Len(t, res.Candidates, 1)
}

func TestDefaultRules_DisabledRuleSkipped(t *testing.T) {
	cfg := config.Default().Alerting
	hr := cfg.Rules["HEART_RATE_HIGH"]
	hr.Enabled = false
	cfg.Rules["HEART_RATE_HIGH"] = hr

	res := NewEngine(DefaultRules(cfg)...).Evaluate(event(models.Metrics{HeartRate: f(125)}))
	assert.Empty(t, res.Candidates)
}

func TestBucket(t *testing.T) {
	assert.Equal(t, 120.0, Bucket(125, 10))
	assert.Equal(t, 120.0, Bucket(129.9, 10))
	assert.Equal(t, 38.5, Bucket(38.7, 0.5))
	assert.Equal(t, -95.0, Bucket(-93, 5))
	assert.Equal(t, 7.0, Bucket(7, 0))
}

func TestDedupKey_SameMinuteSameBucket(t *testing.T) {
	e1 := event(models.Metrics{HeartRate: f(121)})
	e2 := e1
	e2.Metrics = models.Metrics{HeartRate: f(128)}
	e2.Timestamp = sampleTime.Add(10 * time.Second)

	r1 := defaultEngine().Evaluate(e1)
	r2 := defaultEngine().Evaluate(e2)
	require.Len(t, r1.Candidates, 1)
	require.Len(t, r2.Candidates, 1)
	assert.Equal(t, r1.Candidates[0].DedupKey, r2.Candidates[0].DedupKey)
}
