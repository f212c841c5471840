// Package pipeline 指标事件 → 规则评估 → 去重 → 告警
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-band/internal/alerts"
	"wisefido-band/internal/apperr"
	"wisefido-band/internal/config"
	"wisefido-band/internal/ledger"
	"wisefido-band/internal/metrics"
	"wisefido-band/internal/models"
	"wisefido-band/internal/queue"
	"wisefido-band/internal/rules"

	"go.uber.org/zap"
)

// AlertService 流水线依赖的告警能力
type AlertService interface {
	Raise(ctx context.Context, req alerts.RaiseRequest) (*models.Alert, error)
	FindRecentOpen(ctx context.Context, deviceID string, alertType models.AlertType, since time.Time) (*models.Alert, error)
}

// Outcome 单个事件的处理结果
type Outcome struct {
	Alerts     []*models.Alert // 新建或复用的告警
	Created    int
	Duplicates int // 账本已记录
	Recent     int // 复用时间窗内的 OPEN 告警
	Dropped    int // 置信度不足
	RuleErrors []error
}

// Result 汇总为指标标签
func (o *Outcome) Result() string {
	switch {
	case o.Created > 0:
		return metrics.ResultCreated
	case o.Recent > 0:
		return metrics.ResultRecent
	case o.Duplicates > 0:
		return metrics.ResultDuplicate
	default:
		return metrics.ResultNoAlert
	}
}

// Coordinator 告警流水线
type Coordinator struct {
	cfg       config.AlertingConfig
	engine    *rules.Engine
	ledger    ledger.Ledger
	alerts    AlertService
	queue     queue.Queue
	metrics   *metrics.Metrics
	workers   int
	opTimeout time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// Option 可选配置
type Option func(*Coordinator)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator 创建流水线
func NewCoordinator(
	cfg config.AlertingConfig,
	engine *rules.Engine,
	ldg ledger.Ledger,
	alertSvc AlertService,
	q queue.Queue,
	m *metrics.Metrics,
	workers int,
	opTimeout time.Duration,
	logger *zap.Logger,
	opts ...Option,
) *Coordinator {
	if workers < 1 {
		workers = 1
	}
	c := &Coordinator{
		cfg:       cfg,
		engine:    engine,
		ledger:    ldg,
		alerts:    alertSvc,
		queue:     q,
		metrics:   m,
		workers:   workers,
		opTimeout: opTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue 投递事件；重复的幂等键返回 false
func (c *Coordinator) Enqueue(ctx context.Context, event models.MetricEvent) (bool, error) {
	if event.IdempotencyKey == "" {
		event.IdempotencyKey = models.BuildEventKey(models.EventTypeMetric, event.DeviceID, event.MetricID, event.Timestamp)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("failed to marshal metric event: %w", err)
	}

	qctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	ok, err := c.queue.Enqueue(qctx, event.IdempotencyKey, payload)
	if err != nil {
		return false, err
	}
	if !ok {
		c.logger.Debug("Duplicate event collapsed at enqueue", zap.String("key", event.IdempotencyKey))
	}
	return ok, nil
}

// Process 评估事件并为每个候选告警去重/落库；基础设施故障返回可重试错误
func (c *Coordinator) Process(ctx context.Context, event models.MetricEvent) (*Outcome, error) {
	out := &Outcome{}
	if lag := c.now().Sub(event.Timestamp); lag > c.cfg.RecencyWindow {
		c.logger.Debug("Evaluating late metric event",
			zap.String("device_id", event.DeviceID),
			zap.Duration("lag", lag),
		)
	}

	// 1. 规则评估
	res := c.engine.Evaluate(event)
	for _, err := range res.Errors {
		c.metrics.RuleError(apperrOp(err))
		c.logger.Warn("Rule evaluation failed",
			zap.String("device_id", event.DeviceID),
			zap.Error(err),
		)
	}
	out.RuleErrors = res.Errors

	// 2. 逐个候选处理；单个候选失败不影响其余候选
	var errs []error
	for _, cand := range res.Candidates {
		if cand.Confidence < c.cfg.MinConfidence {
			out.Dropped++
			c.metrics.CandidateDropped(string(cand.AlertType))
			continue
		}
		if err := c.handleCandidate(ctx, event, cand, out); err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// errRaiseBusy 同一设备同类型告警的创建锁一直被占用
var errRaiseBusy = errors.New("alert raise lock busy")

// raiseLockPoll 等待创建锁的轮询间隔
const raiseLockPoll = 20 * time.Millisecond

func raiseLockKey(deviceID string, alertType models.AlertType) string {
	return "raise:" + deviceID + ":" + string(alertType)
}

func (c *Coordinator) handleCandidate(ctx context.Context, event models.MetricEvent, cand rules.Candidate, out *Outcome) error {
	key := cand.DedupKey

	// 1. 账本（快速路径，不加锁）
	seen, err := c.seen(ctx, key)
	if err != nil {
		return err
	}
	if seen {
		out.Duplicates++
		return nil
	}

	// 2. 同一设备同类型的时间窗检查与创建必须串行，否则并发 worker 会各建一条
	lockKey := raiseLockKey(event.DeviceID, cand.AlertType)
	if err := c.acquire(ctx, lockKey); err != nil {
		return err
	}
	defer c.release(lockKey)

	// 持锁后复查：等锁期间其他 worker 可能已处理同一个键
	seen, err = c.seen(ctx, key)
	if err != nil {
		return err
	}
	if seen {
		out.Duplicates++
		return nil
	}

	// 3. 时间窗内同类型 OPEN 告警；以事件时间为锚，迟到的上报同样能命中
	since := event.Timestamp.Add(-c.cfg.RecencyWindow)
	recent, err := c.alerts.FindRecentOpen(ctx, event.DeviceID, cand.AlertType, since)
	if err != nil {
		return err
	}
	if recent != nil {
		if err := c.mark(ctx, key); err != nil {
			return err
		}
		out.Recent++
		out.Alerts = append(out.Alerts, recent)
		return nil
	}

	// 4. 新建告警
	data := cand.Data
	data.DedupKey = key
	alert, err := c.alerts.Raise(ctx, alerts.RaiseRequest{
		TenantID:    event.TenantID,
		DeviceID:    event.DeviceID,
		AlertType:   cand.AlertType,
		Severity:    cand.Severity,
		Confidence:  cand.Confidence,
		Description: cand.Description,
		Explanation: cand.Explanation,
		Data:        data,
		TriggeredAt: event.Timestamp,
	})
	if err != nil {
		return err
	}
	// 标记失败时重试会命中上面的时间窗检查，不会重复建告警
	if err := c.mark(ctx, key); err != nil {
		return err
	}
	out.Created++
	out.Alerts = append(out.Alerts, alert)
	return nil
}

func (c *Coordinator) seen(ctx context.Context, key string) (bool, error) {
	sctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.ledger.Seen(sctx, key)
}

func (c *Coordinator) mark(ctx context.Context, key string) error {
	mctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.ledger.Mark(mctx, key)
}

// acquire 在 opTimeout 内轮询获取创建锁；锁的 TTL 覆盖持锁期间的全部存储调用，进程崩溃时自动过期
func (c *Coordinator) acquire(ctx context.Context, lockKey string) error {
	const op = "pipeline.acquire"
	deadline := time.NewTimer(c.opTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(raiseLockPoll)
	defer ticker.Stop()

	for {
		cctx, cancel := context.WithTimeout(ctx, c.opTimeout)
		ok, err := c.ledger.Claim(cctx, lockKey, 4*c.opTimeout)
		cancel()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperr.Transient(op, ctx.Err())
		case <-deadline.C:
			return apperr.Transient(op, fmt.Errorf("%w: %s", errRaiseBusy, lockKey))
		case <-ticker.C:
		}
	}
}

// release 使用独立 context：调用方取消后也要释放锁
func (c *Coordinator) release(lockKey string) {
	rctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
	defer cancel()
	if err := c.ledger.Release(rctx, lockKey); err != nil {
		c.logger.Warn("Failed to release raise lock; it will expire",
			zap.String("lock", lockKey),
			zap.Error(err),
		)
	}
}

// Run 启动 workers 个消费协程，阻塞直到 ctx 取消或队列关闭
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.worker(ctx, worker)
		}(i)
	}
	c.logger.Info("Alert pipeline started", zap.Int("workers", c.workers))
	wg.Wait()
	c.logger.Info("Alert pipeline stopped")
}

func (c *Coordinator) worker(ctx context.Context, id int) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		deliveries, err := c.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return
			}
			c.logger.Error("Failed to dequeue events",
				zap.Int("worker", id),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, d := range deliveries {
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Coordinator) handleDelivery(ctx context.Context, d queue.Delivery) {
	start := time.Now()

	var event models.MetricEvent
	if err := json.Unmarshal(d.Payload, &event); err != nil {
		c.park(ctx, d, apperr.Validation("pipeline.decode", "malformed metric event: %v", err))
		c.metrics.ObserveEvent(metrics.ResultParked, time.Since(start))
		return
	}

	out, err := c.Process(ctx, event)
	if err == nil {
		if ackErr := c.queue.Ack(ctx, d); ackErr != nil {
			c.logger.Warn("Failed to ack event", zap.String("key", d.Key), zap.Error(ackErr))
		}
		c.metrics.ObserveEvent(out.Result(), time.Since(start))
		return
	}

	if !apperr.IsRetryable(err) {
		c.park(ctx, d, err)
		c.metrics.ObserveEvent(metrics.ResultParked, time.Since(start))
		return
	}

	parked, retryErr := c.queue.Retry(ctx, d, err)
	switch {
	case retryErr != nil:
		c.logger.Error("Failed to schedule retry", zap.String("key", d.Key), zap.Error(retryErr))
		c.metrics.ObserveEvent(metrics.ResultError, time.Since(start))
	case parked:
		c.metrics.ObserveEvent(metrics.ResultParked, time.Since(start))
	default:
		c.metrics.ObserveEvent(metrics.ResultRetry, time.Since(start))
	}
}

func (c *Coordinator) park(ctx context.Context, d queue.Delivery, cause error) {
	if err := c.queue.Park(ctx, d, cause); err != nil {
		c.logger.Error("Failed to park event", zap.String("key", d.Key), zap.Error(err))
	}
}

func apperrOp(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Op != "" {
		return e.Op
	}
	return "unknown"
}
