package stream

import (
	"encoding/json"

	"github.com/chenxilol/pricehub/pkg/datapackage"
)

// 消息类型
const (
	TypeBatch      = "batch"
	TypeSubscribed = "subscribed"
	TypeError      = "error"
)

// 客户端请求动作
const (
	ActionSubscribe = "subscribe"
	ActionPing      = "ping"
)

// Message 推送给客户端的消息
type Message struct {
	Type      string               `json:"type"`
	Timestamp int64                `json:"timestamp,omitempty"`
	Packages  datapackage.Response `json:"packages,omitempty"`
	Feeds     []string             `json:"feeds,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Request 客户端发送的请求
type Request struct {
	Action string   `json:"action"`
	Feeds  []string `json:"feeds,omitempty"`
}

func encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}
