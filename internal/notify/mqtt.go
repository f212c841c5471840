package notify

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publisher common/mqtt.Client 满足该接口
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTNotifier 发布到 <prefix>/<tenant_id>/<event_type>
type MQTTNotifier struct {
	pub    Publisher
	prefix string
	qos    byte
}

func NewMQTTNotifier(pub Publisher, prefix string, qos byte) *MQTTNotifier {
	return &MQTTNotifier{pub: pub, prefix: prefix, qos: qos}
}

// Topic 通知主题
func (n *MQTTNotifier) Topic(tenantID, eventType string) string {
	return fmt.Sprintf("%s/%s/%s", n.prefix, tenantID, eventType)
}

func (n *MQTTNotifier) Emit(_ context.Context, eventType string, payload Payload) error {
	body, err := json.Marshal(Message{Type: eventType, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return n.pub.Publish(n.Topic(payload.TenantID, eventType), n.qos, false, body)
}
