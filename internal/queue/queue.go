// Package queue 至少一次投递的事件工作队列（去重、重试退避、死信）
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed 队列已关闭
var ErrClosed = errors.New("queue closed")

// Delivery 一次投递
type Delivery struct {
	ID       string // 后端消息 ID
	Key      string // 幂等键
	Payload  []byte
	Attempts int // 从 1 开始
}

// Queue 工作队列
type Queue interface {
	// Enqueue 投递事件；同一 key 在去重窗口内重复投递返回 false
	Enqueue(ctx context.Context, key string, payload []byte) (bool, error)

	// Dequeue 取一批待处理事件；最多等待配置的阻塞时长，无数据返回空切片
	Dequeue(ctx context.Context) ([]Delivery, error)

	// Ack 确认处理完成
	Ack(ctx context.Context, d Delivery) error

	// Retry 按退避延迟重新投递；超过最大次数时转入死信，返回 parked=true
	Retry(ctx context.Context, d Delivery, cause error) (parked bool, err error)

	// Park 直接转入死信（不可重试的失败）
	Park(ctx context.Context, d Delivery, cause error) error

	Close() error
}

// Backoff 第 attempt 次失败后的等待时长：base·2^(attempt-1)，不超过 ceiling
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
