// Package metrics 提供桥接协议的运行指标
//
// 基于 prometheus/client_golang，计数器覆盖请求收发、队列
// 深度、重连尝试与幂等命中。所有方法对 nil 接收者安全，
// 未启用指标的组件可直接持有 nil Collector。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
//                              Collector
// ============================================================================

// Collector 桥接指标收集器
type Collector struct {
	requestsSent      prometheus.Counter
	requestsResolved  prometheus.Counter
	requestsTimedOut  prometheus.Counter
	requestsQueued    prometheus.Counter
	queueDepth        prometheus.Gauge
	reconnectAttempts prometheus.Counter
	heartbeatFailures prometheus.Counter
	nonceHits         prometheus.Counter
	broadcastsSent    prometheus.Counter
}

// NewCollector 创建并注册指标收集器
//
// reg 为 nil 时使用默认注册表。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		requestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portlink", Name: "requests_sent_total",
			Help: "Outbound requests sent over the bridge.",
		}),
		requestsResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portlink", Name: "requests_resolved_total",
			Help: "Requests resolved by a matching response.",
		}),
		requestsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portlink", Name: "requests_timed_out_total",
			Help: "Requests rejected by timeout.",
		}),
		requestsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portlink", Name: "requests_queued_total",
			Help: "Requests buffered while the channel was down.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portlink", Name: "queue_depth",
			Help: "Current offline queue depth.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portlink", Name: "reconnect_attempts_total",
			Help: "Reconnection attempts.",
		}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portlink", Name: "heartbeat_failures_total",
			Help: "Heartbeat ping failures.",
		}),
		nonceHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portlink", Name: "nonce_hits_total",
			Help: "Critical operations answered from the idempotency ledger.",
		}),
		broadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "portlink", Name: "broadcasts_sent_total",
			Help: "Broadcast frames pushed to foreground ports.",
		}),
	}

	reg.MustRegister(
		c.requestsSent, c.requestsResolved, c.requestsTimedOut,
		c.requestsQueued, c.queueDepth, c.reconnectAttempts,
		c.heartbeatFailures, c.nonceHits, c.broadcastsSent,
	)
	return c
}

// RequestSent 记录一次出站请求
func (c *Collector) RequestSent() {
	if c != nil {
		c.requestsSent.Inc()
	}
}

// RequestResolved 记录一次响应匹配
func (c *Collector) RequestResolved() {
	if c != nil {
		c.requestsResolved.Inc()
	}
}

// RequestTimedOut 记录一次请求超时
func (c *Collector) RequestTimedOut() {
	if c != nil {
		c.requestsTimedOut.Inc()
	}
}

// RequestQueued 记录一次请求入队
func (c *Collector) RequestQueued() {
	if c != nil {
		c.requestsQueued.Inc()
	}
}

// SetQueueDepth 更新队列深度
func (c *Collector) SetQueueDepth(n int) {
	if c != nil {
		c.queueDepth.Set(float64(n))
	}
}

// ReconnectAttempt 记录一次重连尝试
func (c *Collector) ReconnectAttempt() {
	if c != nil {
		c.reconnectAttempts.Inc()
	}
}

// HeartbeatFailure 记录一次心跳失败
func (c *Collector) HeartbeatFailure() {
	if c != nil {
		c.heartbeatFailures.Inc()
	}
}

// NonceHit 记录一次幂等账本命中
func (c *Collector) NonceHit() {
	if c != nil {
		c.nonceHits.Inc()
	}
}

// BroadcastSent 记录一次广播推送
func (c *Collector) BroadcastSent() {
	if c != nil {
		c.broadcastsSent.Inc()
	}
}
