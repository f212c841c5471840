package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wisefido-band/internal/config"
	"wisefido-band/internal/repository"

	"go.uber.org/zap"
)

// MemoryQueue 进程内队列（单实例部署与测试）
type MemoryQueue struct {
	cfg         config.QueueConfig
	deadLetters repository.DeadLettersRepository
	now         func() time.Time
	logger      *zap.Logger

	mu       sync.Mutex
	seq      int64
	ready    []Delivery
	delayed  []delayedDelivery
	inflight map[string]Delivery
	dedup    map[string]time.Time // key -> 过期时间
	parked   []Delivery
	closed   bool
	wake     chan struct{}
}

type delayedDelivery struct {
	due time.Time
	d   Delivery
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(cfg config.QueueConfig, deadLetters repository.DeadLettersRepository, logger *zap.Logger) *MemoryQueue {
	return &MemoryQueue{
		cfg:         cfg,
		deadLetters: deadLetters,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
		inflight:    make(map[string]Delivery),
		dedup:       make(map[string]time.Time),
		wake:        make(chan struct{}, 1),
	}
}

// SetClock 替换时钟（测试用）
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) nextID() string {
	q.seq++
	return fmt.Sprintf("mem-%d", q.seq)
}

func (q *MemoryQueue) Enqueue(_ context.Context, key string, payload []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}
	now := q.now()
	if exp, ok := q.dedup[key]; ok && now.Before(exp) {
		return false, nil
	}
	q.dedup[key] = now.Add(q.cfg.DedupTTL)

	q.ready = append(q.ready, Delivery{
		ID:       q.nextID(),
		Key:      key,
		Payload:  append([]byte(nil), payload...),
		Attempts: 1,
	})
	q.signal()
	return true, nil
}

// take 取出已就绪与已到期的事件，调用方持有锁
func (q *MemoryQueue) take() []Delivery {
	now := q.now()
	kept := q.delayed[:0]
	for _, dd := range q.delayed {
		if !now.Before(dd.due) {
			q.ready = append(q.ready, dd.d)
		} else {
			kept = append(kept, dd)
		}
	}
	q.delayed = kept

	n := len(q.ready)
	if q.cfg.BatchSize > 0 && int64(n) > q.cfg.BatchSize {
		n = int(q.cfg.BatchSize)
	}
	if n == 0 {
		return nil
	}
	out := make([]Delivery, n)
	copy(out, q.ready[:n])
	q.ready = q.ready[n:]
	for _, d := range out {
		q.inflight[d.ID] = d
	}
	return out
}

func (q *MemoryQueue) Dequeue(ctx context.Context) ([]Delivery, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if out := q.take(); len(out) > 0 {
		q.mu.Unlock()
		return out, nil
	}
	q.mu.Unlock()

	if q.cfg.ReadBlock <= 0 {
		return nil, nil
	}

	timer := time.NewTimer(q.cfg.ReadBlock)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, nil
	case <-timer.C:
	case <-q.wake:
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	return q.take(), nil
}

func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	delete(q.inflight, d.ID)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, d Delivery, cause error) (bool, error) {
	if d.Attempts >= q.cfg.MaxAttempts {
		return true, q.Park(ctx, d, cause)
	}
	delay := Backoff(d.Attempts, q.cfg.BaseBackoff, q.cfg.MaxBackoff)

	q.mu.Lock()
	delete(q.inflight, d.ID)
	next := d
	next.ID = q.nextID()
	next.Attempts = d.Attempts + 1
	q.delayed = append(q.delayed, delayedDelivery{due: q.now().Add(delay), d: next})
	q.mu.Unlock()

	q.logger.Warn("Event scheduled for retry",
		zap.String("key", d.Key),
		zap.Int("attempt", d.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)
	return false, nil
}

func (q *MemoryQueue) Park(ctx context.Context, d Delivery, cause error) error {
	q.mu.Lock()
	delete(q.inflight, d.ID)
	q.parked = append(q.parked, d)
	now := q.now()
	q.mu.Unlock()

	if q.deadLetters != nil {
		if err := q.deadLetters.UpsertDeadLetter(ctx, repository.DeadLetter{
			EventKey:  d.Key,
			Payload:   d.Payload,
			Attempts:  d.Attempts,
			LastError: errString(cause),
			CreatedAt: now,
		}); err != nil {
			q.logger.Error("Failed to record dead letter", zap.String("key", d.Key), zap.Error(err))
		}
	}
	q.logger.Error("Event parked",
		zap.String("key", d.Key),
		zap.Int("attempts", d.Attempts),
		zap.Error(cause),
	)
	return nil
}

// Parked 已转入死信的事件
func (q *MemoryQueue) Parked() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Delivery(nil), q.parked...)
}

// Len 待处理（含延迟重试与未确认）的事件数
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.delayed) + len(q.inflight)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.wake)
	return nil
}
