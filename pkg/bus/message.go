package bus

import (
	"encoding/json"
	"time"
)

// Message 不支持消息头的传输层(如 Redis)使用的信封
type Message struct {
	Timestamp   time.Time `json:"timestamp"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"data"`
}

func NewMessage(contentType string, data []byte) *Message {
	return &Message{
		Timestamp:   time.Now(),
		ContentType: contentType,
		Data:        data,
	}
}

func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *Message) Latency() time.Duration {
	return time.Since(m.Timestamp)
}
