// Package ledger 记录已处理的幂等键，避免重复投递产生重复告警
package ledger

import (
	"context"
	"sync"
	"time"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/common/redis"
)

// Ledger 幂等账本
type Ledger interface {
	// Seen 键是否已记录
	Seen(ctx context.Context, key string) (bool, error)
	// Mark 记录键（默认 TTL），重复记录无副作用
	Mark(ctx context.Context, key string) error
	// Claim 原子地"不存在则记录"；返回 true 表示本次新记录
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release 删除键（释放 Claim 获得的锁）
	Release(ctx context.Context, key string) error
}

// RedisLedger 基于 Redis SETNX 的账本
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLedger 创建 Redis 账本；ttl 为 Mark 使用的默认过期时间
func NewRedisLedger(client *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) key(k string) string {
	return l.prefix + k
}

func (l *RedisLedger) Seen(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(key)).Result()
	if err != nil {
		return false, apperr.Transient("ledger.Seen", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) Mark(ctx context.Context, key string) error {
	if err := l.client.Set(ctx, l.key(key), time.Now().UTC().Unix(), l.ttl).Err(); err != nil {
		return apperr.Transient("ledger.Mark", err)
	}
	return nil
}

func (l *RedisLedger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	ok, err := l.client.SetNX(ctx, l.key(key), time.Now().UTC().Unix(), ttl).Result()
	if err != nil {
		return false, apperr.Transient("ledger.Claim", err)
	}
	return ok, nil
}

func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return apperr.Transient("ledger.Release", err)
	}
	return nil
}

// MemoryLedger 进程内账本（单实例/测试）
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> 过期时间
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryLedger 创建内存账本
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		entries: map[string]time.Time{},
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock 替换时钟（测试用）
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLedger) live(key string, now time.Time) bool {
	exp, ok := l.entries[key]
	if !ok {
		return false
	}
	if !exp.IsZero() && !now.Before(exp) {
		delete(l.entries, key)
		return false
	}
	return true
}

func (l *MemoryLedger) expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (l *MemoryLedger) Seen(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live(key, l.now()), nil
}

func (l *MemoryLedger) Mark(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.entries[key] = l.expiry(now, l.ttl)
	return nil
}

func (l *MemoryLedger) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.live(key, now) {
		return false, nil
	}
	if ttl <= 0 {
		ttl = l.ttl
	}
	l.entries[key] = l.expiry(now, ttl)
	return true, nil
}

func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}
