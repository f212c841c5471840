package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookNotifier POST JSON 到外部地址
type WebhookNotifier struct {
	client *resty.Client
	url    string
	logger *zap.Logger
}

// NewWebhookNotifier 创建 Webhook 通知；失败重试 2 次
func NewWebhookNotifier(url string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookNotifier{client: client, url: url, logger: logger}
}

func (n *WebhookNotifier) Emit(ctx context.Context, eventType string, payload Payload) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(Message{Type: eventType, Payload: payload}).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	if resp.IsError() {
		n.logger.Warn("Webhook returned error status",
			zap.String("event_type", eventType),
			zap.Int("status_code", resp.StatusCode()),
		)
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
