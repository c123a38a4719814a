// Package metrics 提供监控指标收集功能
package metrics

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once           sync.Once
	registry       *prometheus.Registry
	defaultMetrics *Metrics
)

// 数据包被拒绝的原因
const (
	ReasonSchema      = "schema"
	ReasonUnknownFeed = "unknown_feed"
	ReasonSignature   = "signature"
	ReasonStale       = "stale"
	ReasonDuplicate   = "duplicate"
	ReasonTransport   = "transport"
)

// 发布来源
const (
	SourcePrimary  = "primary"
	SourceFallback = "fallback"
)

// 连接池中连接的用途
const (
	RoleSubscribe = "subscribe"
	RolePublish   = "publish"
)

// Metrics 封装所有监控指标
type Metrics struct {
	// 数据包指标
	PackagesReceived prometheus.Counter
	PackagesRejected *prometheus.CounterVec

	// 发布指标
	BatchesPublished *prometheus.CounterVec
	FeedsPublished   prometheus.Counter
	PublishLatency   prometheus.Histogram

	// 连接池指标
	PoolConnections *prometheus.GaugeVec

	// 保护与降级指标
	BreakerTrips     prometheus.Counter
	FallbackFailures prometheus.Counter

	// 推送连接指标
	ConnectedClients  prometheus.Gauge
	ConnectionRate    prometheus.Counter
	DisconnectionRate prometheus.Counter
	MessageRateOut    prometheus.Counter

	// 错误指标
	ErrorsTotal         prometheus.Counter
	CriticalErrorsTotal prometheus.Counter

	// 认证指标
	AuthSuccess prometheus.Counter
	AuthFailure prometheus.Counter
}

// NewMetrics 创建新的Metrics实例
func NewMetrics(namespace string) *Metrics {
	registry = prometheus.NewRegistry()

	metrics := &Metrics{
		// 数据包指标
		PackagesReceived: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_received_total",
			Help:      "收到的数据包总数",
		}),
		PackagesRejected: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_rejected_total",
			Help:      "按原因统计被拒绝的数据包",
		}, []string{"reason"}),

		// 发布指标
		BatchesPublished: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_published_total",
			Help:      "按来源统计发布的批次",
		}, []string{"source"}),
		FeedsPublished: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feeds_published_total",
			Help:      "发布的 feed 总数",
		}),
		PublishLatency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency",
			Help:      "数据包时间戳到发布的延迟(毫秒)",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}),

		// 连接池指标
		PoolConnections: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections",
			Help:      "连接池中的活跃连接数",
		}, []string{"role"}),

		// 保护与降级指标
		BreakerTrips: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "熔断器触发次数",
		}),
		FallbackFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_failures_total",
			Help:      "降级拉取失败次数",
		}),

		// 推送连接指标
		ConnectedClients: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "当前连接的客户端总数",
		}),
		ConnectionRate: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_rate",
			Help:      "新连接速率",
		}),
		DisconnectionRate: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnection_rate",
			Help:      "断开连接速率",
		}),
		MessageRateOut: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_rate_out",
			Help:      "出站消息速率",
		}),

		// 错误指标
		ErrorsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "错误总数",
		}),
		CriticalErrorsTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_errors_total",
			Help:      "严重错误总数",
		}),

		// 认证指标
		AuthSuccess: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_success",
			Help:      "认证成功计数",
		}),
		AuthFailure: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failure",
			Help:      "认证失败计数",
		}),
	}

	return metrics
}

// GetRegistry 获取Prometheus注册表
func GetRegistry() *prometheus.Registry {
	Default()
	return registry
}

// Default 获取默认指标实例
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = NewMetrics("pricehub")
	})
	return defaultMetrics
}

// 便捷方法，用于快速记录指标

// PackageReceived 记录收到数据包
func PackageReceived() {
	Default().PackagesReceived.Inc()
}

// PackageRejected 记录被拒绝的数据包
func PackageRejected(reason string) {
	Default().PackagesRejected.WithLabelValues(reason).Inc()
}

// BatchPublished 记录一次发布
func BatchPublished(source string, feeds int, latencyMs float64) {
	m := Default()
	m.BatchesPublished.WithLabelValues(source).Inc()
	m.FeedsPublished.Add(float64(feeds))
	m.PublishLatency.Observe(latencyMs)
}

// SetPoolConnections 设置连接池连接数
func SetPoolConnections(role string, n int) {
	Default().PoolConnections.WithLabelValues(role).Set(float64(n))
}

// BreakerTripped 记录熔断
func BreakerTripped() {
	Default().BreakerTrips.Inc()
}

// FallbackFailed 记录降级拉取失败
func FallbackFailed() {
	Default().FallbackFailures.Inc()
}

// ClientConnected 记录客户端连接
func ClientConnected() {
	m := Default()
	m.ConnectedClients.Inc()
	m.ConnectionRate.Inc()
}

// ClientDisconnected 记录客户端断开连接
func ClientDisconnected() {
	m := Default()
	m.ConnectedClients.Dec()
	m.DisconnectionRate.Inc()
}

// MessageSent 记录发送消息
func MessageSent() {
	Default().MessageRateOut.Inc()
}

// RecordError 记录错误
func RecordError() {
	Default().ErrorsTotal.Inc()
}

// RecordAuthSuccess 记录认证成功
func RecordAuthSuccess() {
	Default().AuthSuccess.Inc()
}

// RecordAuthFailure 记录认证失败
func RecordAuthFailure() {
	Default().AuthFailure.Inc()
}

// RecordCriticalError 记录严重错误
func RecordCriticalError(errorType string) {
	m := Default()
	m.CriticalErrorsTotal.Inc()

	// 记录在日志中，便于排查
	slog.Error("critical error encountered", "type", errorType)
}
