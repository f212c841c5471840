package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// Field 读取字符串字段，不存在时返回空串
func (m StreamMessage) Field(name string) string {
	v, ok := m.Values[name]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

// IntField 读取整数字段，解析失败时返回 def
func (m StreamMessage) IntField(name string, def int) int {
	i, err := strconv.Atoi(m.Field(name))
	if err != nil {
		return def
	}
	return i
}

// PublishToStream 使用 XADD 发布消息；值统一转换为字符串
func PublishToStream(ctx context.Context, client *redis.Client, stream string, values map[string]interface{}) (string, error) {
	streamValues := make(map[string]interface{}, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			streamValues[k] = val
		case []byte:
			streamValues[k] = string(val)
		case bool:
			streamValues[k] = strconv.FormatBool(val)
		default:
			streamValues[k] = fmt.Sprint(val)
		}
	}

	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: streamValues,
	}).Result()
}

// ReadFromStream 以消费者组方式读取新消息；block 为 0 时不阻塞
func ReadFromStream(ctx context.Context, client *redis.Client, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	return readGroup(ctx, client, stream, group, consumer, ">", count, block)
}

// ReadPendingFromStream 读取本消费者已投递但未确认的消息（进程重启后恢复用）
func ReadPendingFromStream(ctx context.Context, client *redis.Client, stream, group, consumer string, count int64) ([]StreamMessage, error) {
	return ReadPendingAfter(ctx, client, stream, group, consumer, "0", count)
}

// ReadPendingAfter 读取 ID 大于 after 的未确认消息，用于分批恢复
func ReadPendingAfter(ctx context.Context, client *redis.Client, stream, group, consumer, after string, count int64) ([]StreamMessage, error) {
	return readGroup(ctx, client, stream, group, consumer, after, count, 0)
}

func readGroup(ctx context.Context, client *redis.Client, stream, group, consumer, start string, count int64, block time.Duration) ([]StreamMessage, error) {
	if block <= 0 {
		block = -1
	}
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, start},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var messages []StreamMessage
	for _, s := range streams {
		for _, msg := range s.Messages {
			messages = append(messages, StreamMessage{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}
	return messages, nil
}

// AckMessage 确认消息已处理
func AckMessage(ctx context.Context, client *redis.Client, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return client.XAck(ctx, stream, group, ids...).Err()
}

// CreateConsumerGroup 创建消费者组（stream 不存在时一并创建），组已存在视为成功
func CreateConsumerGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}
