// Package async 运行有界的 fire-and-forget 后台任务
package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner 并发上限内执行后台任务；任务的 panic 和错误只记录日志
type Runner struct {
	sem     chan struct{}
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRunner 创建 Runner；limit 为并发上限，timeout 为单个任务的超时
func NewRunner(limit int, timeout time.Duration, logger *zap.Logger) *Runner {
	if limit <= 0 {
		limit = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Runner{
		sem:     make(chan struct{}, limit),
		timeout: timeout,
		logger:  logger,
	}
}

// Go 提交任务；并发已满或已关闭时丢弃并返回 false
// 任务使用独立的 context，不随请求取消
func (r *Runner) Go(name string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("Async task dropped: runner closed", zap.String("task", name))
		return false
	}
	select {
	case r.sem <- struct{}{}:
	default:
		r.mu.Unlock()
		r.logger.Warn("Async task dropped: concurrency limit reached", zap.String("task", name))
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Async task panicked",
					zap.String("task", name),
					zap.String("panic", fmt.Sprint(p)),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Warn("Async task failed", zap.String("task", name), zap.Error(err))
		}
	}()
	return true
}

// Close 拒绝新任务并等待已提交任务完成（或 ctx 结束）
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait 等待当前所有任务完成（测试用）
func (r *Runner) Wait() {
	r.wg.Wait()
}
