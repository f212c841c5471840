// Package forensic 取证只读模式开关
package forensic

import (
	"context"
	"errors"
	"strconv"

	"wisefido-band/internal/common/redis"

	"go.uber.org/zap"
)

// Gate 写操作前检查
type Gate interface {
	IsWriteAllowed(ctx context.Context) bool
}

// StaticGate 固定开关
type StaticGate struct {
	ReadOnly bool
}

func (g StaticGate) IsWriteAllowed(context.Context) bool {
	return !g.ReadOnly
}

// RedisGate 读取 Redis 中的只读标记（"1"/"true" 表示只读）
// Redis 不可用时按 failClosed 决定是否放行
type RedisGate struct {
	client     *redis.Client
	key        string
	failClosed bool
	logger     *zap.Logger
}

func NewRedisGate(client *redis.Client, key string, failClosed bool, logger *zap.Logger) *RedisGate {
	return &RedisGate{client: client, key: key, failClosed: failClosed, logger: logger}
}

func (g *RedisGate) IsWriteAllowed(ctx context.Context) bool {
	val, err := g.client.Get(ctx, g.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return true
		}
		g.logger.Warn("Failed to read forensic mode flag",
			zap.String("key", g.key),
			zap.Bool("fail_closed", g.failClosed),
			zap.Error(err),
		)
		return !g.failClosed
	}
	readOnly, err := strconv.ParseBool(val)
	if err != nil {
		return true
	}
	return !readOnly
}

// SetReadOnly 设置只读标记（运维工具与测试使用）
func (g *RedisGate) SetReadOnly(ctx context.Context, readOnly bool) error {
	if !readOnly {
		return g.client.Del(ctx, g.key).Err()
	}
	return g.client.Set(ctx, g.key, "true", 0).Err()
}

// AnyGate 任一 gate 拒绝即拒绝
type AnyGate []Gate

func (gs AnyGate) IsWriteAllowed(ctx context.Context) bool {
	for _, g := range gs {
		if !g.IsWriteAllowed(ctx) {
			return false
		}
	}
	return true
}
