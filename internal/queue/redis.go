package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"wisefido-band/internal/apperr"
	rediscommon "wisefido-band/internal/common/redis"
	"wisefido-band/internal/config"
	"wisefido-band/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisQueue 基于 Redis Streams 消费者组的队列
//
//	<stream>          待处理事件
//	<stream>:retry    延迟重试（ZSET，score 为到期毫秒时间戳）
//	<stream>:dlq      死信
//	<stream>:dedup:*  入队去重标记
type RedisQueue struct {
	client      *redis.Client
	cfg         config.QueueConfig
	deadLetters repository.DeadLettersRepository
	now         func() time.Time
	logger      *zap.Logger

	// 同一进程的 worker 共用消费者名，未确认消息按游标分批交给各 worker
	recoverMu     sync.Mutex
	pendingCursor string
	recovered     atomic.Bool
}

type retryEntry struct {
	Key      string `json:"key"`
	Payload  string `json:"payload"`
	Attempts int    `json:"attempts"`
	Origin   string `json:"origin"`
}

// NewRedisQueue 创建队列并确保消费者组存在
func NewRedisQueue(ctx context.Context, client *redis.Client, cfg config.QueueConfig, deadLetters repository.DeadLettersRepository, logger *zap.Logger) (*RedisQueue, error) {
	if err := rediscommon.CreateConsumerGroup(ctx, client, cfg.Stream, cfg.Group); err != nil {
		return nil, err
	}
	return &RedisQueue{
		client:      client,
		cfg:         cfg,
		deadLetters: deadLetters,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}, nil
}

// SetClock 替换时钟（测试用）
func (q *RedisQueue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *RedisQueue) retryKey() string { return q.cfg.Stream + ":retry" }
func (q *RedisQueue) dlqKey() string   { return q.cfg.Stream + ":dlq" }
func (q *RedisQueue) dedupKey(key string) string {
	return q.cfg.Stream + ":dedup:" + key
}

func (q *RedisQueue) Enqueue(ctx context.Context, key string, payload []byte) (bool, error) {
	const op = "queue.Enqueue"

	ok, err := q.client.SetNX(ctx, q.dedupKey(key), "1", q.cfg.DedupTTL).Result()
	if err != nil {
		return false, apperr.Transient(op, err)
	}
	if !ok {
		return false, nil
	}

	if _, err := rediscommon.PublishToStream(ctx, q.client, q.cfg.Stream, map[string]interface{}{
		"key":      key,
		"payload":  payload,
		"attempts": 1,
	}); err != nil {
		// 入队失败时释放去重标记，允许上游重投
		q.client.Del(ctx, q.dedupKey(key))
		return false, apperr.Transient(op, err)
	}
	return true, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) ([]Delivery, error) {
	const op = "queue.Dequeue"

	// 1. 重启后先处理本消费者未确认的消息
	if !q.recovered.Load() {
		pending, err := q.nextPending(ctx)
		if err != nil {
			return nil, apperr.Transient(op, err)
		}
		if len(pending) > 0 {
			q.logger.Info("Recovering pending queue messages", zap.Int("count", len(pending)))
			return toDeliveries(pending), nil
		}
	}

	// 2. 到期的重试移回主 stream
	if err := q.promoteDue(ctx); err != nil {
		q.logger.Warn("Failed to promote due retries", zap.Error(err))
	}

	// 3. 读取新消息
	msgs, err := rediscommon.ReadFromStream(ctx, q.client, q.cfg.Stream, q.cfg.Group, q.cfg.Consumer, q.cfg.BatchSize, q.cfg.ReadBlock)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, apperr.Transient(op, err)
	}
	return toDeliveries(msgs), nil
}

// nextPending 返回游标之后的下一批未确认消息；读空后标记恢复完成
func (q *RedisQueue) nextPending(ctx context.Context) ([]rediscommon.StreamMessage, error) {
	q.recoverMu.Lock()
	defer q.recoverMu.Unlock()
	if q.recovered.Load() {
		return nil, nil
	}

	cursor := q.pendingCursor
	if cursor == "" {
		cursor = "0"
	}
	pending, err := rediscommon.ReadPendingAfter(ctx, q.client, q.cfg.Stream, q.cfg.Group, q.cfg.Consumer, cursor, q.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		q.recovered.Store(true)
		return nil, nil
	}
	q.pendingCursor = pending[len(pending)-1].ID
	return pending, nil
}

// promoteDue ZREM 成功者负责重新 XADD，多实例不会重复投递
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	upper := strconv.FormatInt(q.now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.retryKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   upper,
		Count: q.cfg.BatchSize,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.retryKey(), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		var entry retryEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			q.logger.Error("Dropping malformed retry entry", zap.String("member", member), zap.Error(err))
			continue
		}
		if _, err := rediscommon.PublishToStream(ctx, q.client, q.cfg.Stream, map[string]interface{}{
			"key":      entry.Key,
			"payload":  entry.Payload,
			"attempts": entry.Attempts,
		}); err != nil {
			// 放回 ZSET，下次再试
			q.client.ZAdd(ctx, q.retryKey(), &redis.Z{Score: float64(q.now().UnixMilli()), Member: member})
			return err
		}
	}
	return nil
}

func toDeliveries(msgs []rediscommon.StreamMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Delivery{
			ID:       m.ID,
			Key:      m.Field("key"),
			Payload:  []byte(m.Field("payload")),
			Attempts: m.IntField("attempts", 1),
		})
	}
	return out
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	if err := rediscommon.AckMessage(ctx, q.client, q.cfg.Stream, q.cfg.Group, d.ID); err != nil {
		return apperr.Transient("queue.Ack", err)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, d Delivery, cause error) (bool, error) {
	const op = "queue.Retry"

	if d.Attempts >= q.cfg.MaxAttempts {
		return true, q.Park(ctx, d, cause)
	}

	delay := Backoff(d.Attempts, q.cfg.BaseBackoff, q.cfg.MaxBackoff)
	member, err := json.Marshal(retryEntry{
		Key:      d.Key,
		Payload:  string(d.Payload),
		Attempts: d.Attempts + 1,
		Origin:   d.ID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal retry entry: %w", err)
	}

	due := q.now().Add(delay).UnixMilli()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.retryKey(), &redis.Z{Score: float64(due), Member: string(member)})
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID)
		return nil
	})
	if err != nil {
		return false, apperr.Transient(op, err)
	}

	q.logger.Warn("Event scheduled for retry",
		zap.String("key", d.Key),
		zap.Int("attempt", d.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)
	return false, nil
}

func (q *RedisQueue) Park(ctx context.Context, d Delivery, cause error) error {
	const op = "queue.Park"
	now := q.now()

	if _, err := rediscommon.PublishToStream(ctx, q.client, q.dlqKey(), map[string]interface{}{
		"key":       d.Key,
		"payload":   d.Payload,
		"attempts":  d.Attempts,
		"error":     errString(cause),
		"parked_at": now.Format(time.RFC3339Nano),
	}); err != nil {
		return apperr.Transient(op, err)
	}

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

	if err := q.Ack(ctx, d); err != nil {
		return err
	}
	q.logger.Error("Event parked",
		zap.String("key", d.Key),
		zap.Int("attempts", d.Attempts),
		zap.Error(cause),
	)
	return nil
}

// Close 客户端由调用方管理
func (q *RedisQueue) Close() error {
	return nil
}
