package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 进程级计数器，只在这里注册一次
var (
	OpsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uinova_realtime_ops_broadcast_total",
		Help: "Accepted edit operations fanned out to room peers.",
	})

	RateLimitedDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "uinova_realtime_rate_limited_total",
		Help: "Events dropped by the per-connection rate limiter.",
	}, []string{"class"})

	RoomJoinRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uinova_realtime_room_join_rejected_total",
		Help: "Join attempts rejected because the page room was full.",
	})

	HistoryAppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uinova_realtime_history_append_failures_total",
		Help: "Operation log appends that failed at the storage layer.",
	})

	SessionsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uinova_realtime_sessions_captured_total",
		Help: "Replay sessions captured and archived.",
	})
)
