package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wisefido-band/internal/alerts"
	"wisefido-band/internal/apperr"
	"wisefido-band/internal/config"
	"wisefido-band/internal/ledger"
	"wisefido-band/internal/models"
	"wisefido-band/internal/notify"
	"wisefido-band/internal/queue"
	"wisefido-band/internal/repository"
	"wisefido-band/internal/rules"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var sampleAt = time.Date(2026, 5, 1, 8, 30, 12, 0, time.UTC)

func f64(v float64) *float64 { return &v }

func heartRateEvent(deviceID, metricID string, bpm float64, ts time.Time) models.MetricEvent {
	return models.NewMetricEvent(deviceID, "tenant-a", metricID, models.Metrics{HeartRate: f64(bpm)}, ts)
}

// flakyLedger 前 failures 次 Seen 返回基础设施错误
type flakyLedger struct {
	ledger.Ledger
	failures atomic.Int32
}

func (l *flakyLedger) Seen(ctx context.Context, key string) (bool, error) {
	if l.failures.Add(-1) >= 0 {
		return false, apperr.Transient("ledger.Seen", errors.New("redis: connection refused"))
	}
	return l.Ledger.Seen(ctx, key)
}

type fixture struct {
	coord  *Coordinator
	store  *repository.MemoryStore
	queue  *queue.MemoryQueue
	ledger *flakyLedger
	rec    *notify.Recorder
	now    time.Time
}

func newFixture(t *testing.T, mutate func(*config.AlertingConfig)) *fixture {
	t.Helper()
	cfg := config.Default()
	alerting := cfg.Alerting
	if mutate != nil {
		mutate(&alerting)
	}

	f := &fixture{now: sampleAt}
	clock := func() time.Time { return f.now }

	f.store = repository.NewMemoryStore()
	f.rec = &notify.Recorder{}
	svc := alerts.NewService(f.store, f.rec, nil, nil, time.Second, zap.NewNop(), alerts.WithClock(clock))

	mem := ledger.NewMemoryLedger(time.Hour)
	mem.SetClock(clock)
	f.ledger = &flakyLedger{Ledger: mem}

	qcfg := cfg.Queue
	qcfg.ReadBlock = 10 * time.Millisecond
	qcfg.MaxAttempts = 3
	f.queue = queue.NewMemoryQueue(qcfg, f.store, zap.NewNop())
	f.queue.SetClock(clock)

	engine := rules.NewEngine(rules.DefaultRules(alerting)...)
	f.coord = NewCoordinator(alerting, engine, f.ledger, svc, f.queue, nil, 2, time.Second, zap.NewNop(), WithClock(clock))
	return f
}

func (f *fixture) alerts(t *testing.T) []*models.Alert {
	t.Helper()
	list, err := f.store.ListAlerts(context.Background(), "tenant-a", nil, 0)
	require.NoError(t, err)
	return list
}

func TestProcess_CreatesAlertForHighHeartRate(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.coord.Process(context.Background(), heartRateEvent("dev-1", "m-1", 125, sampleAt))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Created)
	require.Len(t, out.Alerts, 1)

	a := out.Alerts[0]
	assert.Equal(t, models.AlertHeartRateHigh, a.AlertType)
	assert.Equal(t, models.SeverityHigh, a.Severity)
	assert.InDelta(t, 0.75, a.Confidence, 1e-9)
	assert.Equal(t, sampleAt, a.TriggeredAt)

	var data models.AlertData
	require.NoError(t, json.Unmarshal(a.Data, &data))
	assert.Equal(t, "HEART_RATE_HIGH:dev-1:120:1777624200", data.DedupKey)

	seen, err := f.ledger.Seen(context.Background(), data.DedupKey)
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Len(t, f.rec.ByType(notify.EventAlertCreated), 1)
}

func TestProcess_DuplicateDeliveryProducesOneAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ev := heartRateEvent("dev-1", "m-1", 125, sampleAt)

	_, err := f.coord.Process(ctx, ev)
	require.NoError(t, err)
	out, err := f.coord.Process(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, 0, out.Created)
	assert.Equal(t, 1, out.Duplicates)
	assert.Equal(t, "duplicate", out.Result())
	assert.Len(t, f.alerts(t), 1)
	assert.Len(t, f.rec.ByType(notify.EventAlertCreated), 1)
}

func TestProcess_RecentOpenAlertIsReused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first, err := f.coord.Process(ctx, heartRateEvent("dev-1", "m-1", 125, sampleAt))
	require.NoError(t, err)

	// 两分钟后新样本：幂等键不同，但时间窗内已有 OPEN 告警
	f.now = sampleAt.Add(2 * time.Minute)
	out, err := f.coord.Process(ctx, heartRateEvent("dev-1", "m-2", 131, f.now))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Recent)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, first.Alerts[0].AlertID, out.Alerts[0].AlertID)
	assert.Len(t, f.alerts(t), 1)

	// 时间窗外重新建告警
	f.now = sampleAt.Add(10 * time.Minute)
	out, err = f.coord.Process(ctx, heartRateEvent("dev-1", "m-3", 131, f.now))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Created)
	assert.Len(t, f.alerts(t), 2)
}

func TestProcess_QualityGateDropsLowConfidence(t *testing.T) {
	f := newFixture(t, func(c *config.AlertingConfig) { c.MinConfidence = 0.8 })

	out, err := f.coord.Process(context.Background(), heartRateEvent("dev-1", "m-1", 125, sampleAt))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Dropped)
	assert.Equal(t, "no_alert", out.Result())
	assert.Empty(t, f.alerts(t))
}

func TestProcess_NoCandidates(t *testing.T) {
	f := newFixture(t, nil)
	out, err := f.coord.Process(context.Background(), heartRateEvent("dev-1", "m-1", 80, sampleAt))
	require.NoError(t, err)
	assert.Empty(t, out.Alerts)
	assert.Empty(t, out.RuleErrors)
}

func TestProcess_LedgerFailureIsRetryable(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.failures.Store(1)

	_, err := f.coord.Process(context.Background(), heartRateEvent("dev-1", "m-1", 125, sampleAt))
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
	assert.Empty(t, f.alerts(t))
}

func TestHandleDelivery_RetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.ledger.failures.Store(1)

	ok, err := f.coord.Enqueue(ctx, heartRateEvent("dev-1", "m-1", 125, sampleAt))
	require.NoError(t, err)
	require.True(t, ok)

	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Len(t, d, 1)
	f.coord.handleDelivery(ctx, d[0])
	assert.Empty(t, f.alerts(t))

	f.now = f.now.Add(time.Second)
	d, err = f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Len(t, d, 1)
	assert.Equal(t, 2, d[0].Attempts)
	f.coord.handleDelivery(ctx, d[0])

	assert.Len(t, f.alerts(t), 1)
	assert.Equal(t, 0, f.queue.Len())
}

func TestHandleDelivery_ParksAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.ledger.failures.Store(100)

	_, err := f.coord.Enqueue(ctx, heartRateEvent("dev-1", "m-1", 125, sampleAt))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		require.Len(t, d, 1, "attempt %d", i+1)
		f.coord.handleDelivery(ctx, d[0])
		f.now = f.now.Add(time.Minute)
	}

	require.Len(t, f.queue.Parked(), 1)
	dls, err := f.store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, 3, dls[0].Attempts)
	assert.Contains(t, dls[0].LastError, "connection refused")
}

func TestHandleDelivery_MalformedPayloadParkedImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.queue.Enqueue(ctx, "bad", []byte("not-json"))
	require.NoError(t, err)
	d, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Len(t, d, 1)

	f.coord.handleDelivery(ctx, d[0])
	parked := f.queue.Parked()
	require.Len(t, parked, 1)
	assert.Equal(t, 1, parked[0].Attempts)
}

func TestEnqueue_CollapsesDuplicateKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ev := heartRateEvent("dev-1", "m-1", 125, sampleAt)

	ok, err := f.coord.Enqueue(ctx, ev)
	require.NoError(t, err)
	assert.True(t, ok)

	// 同一分钟内的重复上报
	ok, err = f.coord.Enqueue(ctx, heartRateEvent("dev-1", "m-1", 125, sampleAt.Add(20*time.Second)))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, f.queue.Len())
}

func TestRun_WorkersDrainQueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	for _, dev := range []string{"dev-1", "dev-2", "dev-3"} {
		_, err := f.coord.Enqueue(ctx, heartRateEvent(dev, "m-1", 160, sampleAt))
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		f.coord.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		list, _ := f.store.ListAlerts(context.Background(), "tenant-a", nil, 0)
		return len(list) == 3
	}, 2*time.Second, 10*time.Millisecond)

	for _, a := range f.alerts(t) {
		assert.Equal(t, models.SeverityCritical, a.Severity)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// slowAlerts 放慢时间窗查询，放大检查与创建之间的竞争窗口
type slowAlerts struct {
	AlertService
	delay time.Duration
}

func (s *slowAlerts) FindRecentOpen(ctx context.Context, deviceID string, alertType models.AlertType, since time.Time) (*models.Alert, error) {
	time.Sleep(s.delay)
	return s.AlertService.FindRecentOpen(ctx, deviceID, alertType, since)
}

func processConcurrently(t *testing.T, f *fixture, events ...models.MetricEvent) []*Outcome {
	t.Helper()
	outs := make([]*Outcome, len(events))
	errs := make([]error, len(events))
	var wg sync.WaitGroup
	for i, ev := range events {
		wg.Add(1)
		go func(i int, ev models.MetricEvent) {
			defer wg.Done()
			outs[i], errs[i] = f.coord.Process(context.Background(), ev)
		}(i, ev)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return outs
}

func TestProcess_ConcurrentSameBucketCreatesOneAlert(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.alerts = &slowAlerts{AlertService: f.coord.alerts, delay: 50 * time.Millisecond}

	// 同一分钟、同一阈值档位：幂等键相同
	outs := processConcurrently(t, f,
		heartRateEvent("dev-1", "m-1", 125, sampleAt),
		heartRateEvent("dev-1", "m-2", 127, sampleAt.Add(5*time.Second)),
	)

	var created, duplicates int
	for _, out := range outs {
		created += out.Created
		duplicates += out.Duplicates
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, duplicates)
	assert.Len(t, f.alerts(t), 1)
	assert.Len(t, f.rec.ByType(notify.EventAlertCreated), 1)
}

func TestProcess_ConcurrentDifferentBucketsReuseOpenAlert(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.alerts = &slowAlerts{AlertService: f.coord.alerts, delay: 50 * time.Millisecond}

	// 不同分钟：幂等键不同，只能靠时间窗合并
	outs := processConcurrently(t, f,
		heartRateEvent("dev-1", "m-1", 125, sampleAt),
		heartRateEvent("dev-1", "m-2", 126, sampleAt.Add(time.Minute)),
	)

	var created, recent int
	for _, out := range outs {
		created += out.Created
		recent += out.Recent
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, recent)
	assert.Len(t, f.alerts(t), 1)
}

func TestProcess_RaiseLockBusyIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.coord.opTimeout = 100 * time.Millisecond

	ok, err := f.ledger.Claim(ctx, raiseLockKey("dev-1", models.AlertHeartRateHigh), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.coord.Process(ctx, heartRateEvent("dev-1", "m-1", 125, sampleAt))
	require.Error(t, err)
	assert.True(t, apperr.IsRetryable(err))
	assert.ErrorIs(t, err, errRaiseBusy)
	assert.Empty(t, f.alerts(t))

	// 锁释放后同一事件可以正常处理
	require.NoError(t, f.ledger.Release(ctx, raiseLockKey("dev-1", models.AlertHeartRateHigh)))
	out, err := f.coord.Process(ctx, heartRateEvent("dev-1", "m-1", 125, sampleAt))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Created)
}

func TestProcess_LockReleasedAfterRaise(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.coord.Process(ctx, heartRateEvent("dev-1", "m-1", 125, sampleAt))
	require.NoError(t, err)

	ok, err := f.ledger.Claim(ctx, raiseLockKey("dev-1", models.AlertHeartRateHigh), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcess_LateEventMatchedAgainstItsOwnTimestamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	first, err := f.coord.Process(ctx, heartRateEvent("dev-1", "m-1", 125, sampleAt))
	require.NoError(t, err)

	// 一分钟后采集的样本，十一分钟后才到达
	f.now = sampleAt.Add(11 * time.Minute)
	out, err := f.coord.Process(ctx, heartRateEvent("dev-1", "m-2", 128, sampleAt.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Recent)
	require.Len(t, out.Alerts, 1)
	assert.Equal(t, first.Alerts[0].AlertID, out.Alerts[0].AlertID)
	assert.Len(t, f.alerts(t), 1)
}
