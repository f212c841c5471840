package ingest

import (
	"context"
	"encoding/json"
	"strings"

	"wisefido-band/internal/apperr"
	"wisefido-band/internal/common/mqtt"

	"go.uber.org/zap"
)

// Subscriber MQTT 订阅能力（common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// MQTTConsumer 订阅 bands/+/telemetry
type MQTTConsumer struct {
	sub     Subscriber
	handler *Handler
	topic   string
	qos     byte
	logger  *zap.Logger

	ctx context.Context
}

// NewMQTTConsumer 创建遥测消费者
func NewMQTTConsumer(sub Subscriber, handler *Handler, topic string, qos byte, logger *zap.Logger) *MQTTConsumer {
	return &MQTTConsumer{
		sub:     sub,
		handler: handler,
		topic:   topic,
		qos:     qos,
		logger:  logger,
		ctx:     context.Background(),
	}
}

// Start 订阅主题；消息处理使用 ctx
func (c *MQTTConsumer) Start(ctx context.Context) error {
	c.ctx = ctx
	if err := c.sub.Subscribe(c.topic, c.qos, c.HandleMessage); err != nil {
		return err
	}
	c.logger.Info("Telemetry consumer subscribed", zap.String("topic", c.topic))
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop() error {
	return c.sub.Unsubscribe(c.topic)
}

// HandleMessage 处理一条 MQTT 消息
func (c *MQTTConsumer) HandleMessage(topic string, payload []byte) error {
	var t Telemetry
	if err := json.Unmarshal(payload, &t); err != nil {
		return apperr.Validation("ingest.mqtt", "malformed telemetry payload: %v", err)
	}

	// 主题中的 uid 必须与载荷一致
	if uid := uidFromTopic(topic); uid != "" {
		if t.DeviceUID == "" {
			t.DeviceUID = uid
		} else if t.DeviceUID != uid {
			return apperr.Validation("ingest.mqtt", "device_uid %q does not match topic %s", t.DeviceUID, topic)
		}
	}

	_, err := c.handler.Handle(c.ctx, t)
	return err
}

// uidFromTopic bands/<uid>/telemetry → <uid>
func uidFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[2] != "telemetry" {
		return ""
	}
	return parts[1]
}
