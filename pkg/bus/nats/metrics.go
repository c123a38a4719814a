package nats

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// publishErrorsCounter 记录发布错误次数
	publishErrorsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pricehub_bus_nats_publish_errors_total",
			Help: "NATS传输发布错误总数",
		},
	)

	// subscribeErrorsCounter 记录订阅和消息解析错误次数
	subscribeErrorsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pricehub_bus_nats_subscribe_errors_total",
			Help: "NATS传输订阅错误总数",
		},
	)

	// reconnectsCounter 记录重连次数
	reconnectsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pricehub_bus_nats_reconnects_total",
			Help: "NATS传输重连次数",
		},
	)
)

// 注册指标
func init() {
	prometheus.MustRegister(publishErrorsCounter)
	prometheus.MustRegister(subscribeErrorsCounter)
	prometheus.MustRegister(reconnectsCounter)
}

// IncPublishErrors 增加发布错误计数
func (n *NatsBus) IncPublishErrors() {
	publishErrorsCounter.Inc()
}

// IncSubscribeErrors 增加订阅错误计数
func (n *NatsBus) IncSubscribeErrors() {
	subscribeErrorsCounter.Inc()
}

// IncReconnects 增加重连计数
func (n *NatsBus) IncReconnects() {
	reconnectsCounter.Inc()
}
