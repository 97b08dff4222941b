// Package metrics 私信服务的 Prometheus 指标
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesSent 新写入的消息数，按消息类型
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "im",
			Name:      "messages_sent_total",
			Help:      "Messages persisted, by kind.",
		},
		[]string{"kind"},
	)

	// DuplicateSends 幂等ID命中已有消息的次数
	DuplicateSends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "im",
			Name:      "messages_duplicate_total",
			Help:      "Sends resolved to an existing message by clientMessageId.",
		},
	)

	// Connections 当前实时连接数
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "im",
			Name:      "gateway_connections",
			Help:      "Live gateway connections on this instance.",
		},
	)

	// OnlineUsers 当前在线用户数
	OnlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "im",
			Name:      "gateway_online_users",
			Help:      "Users with at least one live connection on this instance.",
		},
	)

	// EventsDelivered 投递到连接发送队列的事件数
	EventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "im",
			Name:      "gateway_events_delivered_total",
			Help:      "Outbound events queued to a connection, by event.",
		},
		[]string{"event"},
	)

	// EventsDropped 因发送队列已满或限流被丢弃的事件数
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "im",
			Name:      "gateway_events_dropped_total",
			Help:      "Events dropped, by reason.",
		},
		[]string{"reason"},
	)

	// TypingActive 当前处于输入中状态的条目数
	TypingActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "im",
			Name:      "typing_active",
			Help:      "Active typing indicators.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesSent,
		DuplicateSends,
		Connections,
		OnlineUsers,
		EventsDelivered,
		EventsDropped,
		TypingActive,
	)
}

// Handler /metrics 路由
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
