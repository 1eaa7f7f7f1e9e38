// Package metrics 提供 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 弹幕连接指标
var (
	// 连接指标
	DanmuConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomwatch_danmu_connections",
		Help: "Number of streaming push connections",
	}, []string{"role"})

	DanmuConnectionCloseReason = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomwatch_danmu_connection_close_total",
		Help: "Connection close count by reason",
	}, []string{"reason"})

	DanmuReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomwatch_danmu_reconnects_total",
		Help: "Total reconnect attempts",
	})

	// 帧指标
	DanmuFramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomwatch_danmu_frames_received_total",
		Help: "Total frames received by operation",
	}, []string{"op"})

	DanmuFramingErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomwatch_danmu_framing_errors_total",
		Help: "Total framing errors counted against the error budget",
	})

	DanmuPopularity = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "roomwatch_danmu_popularity",
		Help:    "Popularity samples distribution",
		Buckets: []float64{1, 100, 1000, 10000, 50000, 100000, 1000000},
	})
)

// 事件指标
var (
	EventsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomwatch_events_decoded_total",
		Help: "Total events decoded by kind",
	}, []string{"kind"})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomwatch_events_emitted_total",
		Help: "Total unique events emitted downstream by kind",
	}, []string{"kind"})

	EventsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomwatch_events_duplicate_total",
		Help: "Total duplicate events dropped by kind",
	}, []string{"kind"})

	// 去重缓存大小
	HistoryEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomwatch_history_entries",
		Help: "Dedup cache entries by kind and list",
	}, []string{"kind", "list"}) // list: active, staging

	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomwatch_sink_errors_total",
		Help: "Downstream sink errors",
	}, []string{"sink"})

	BroadcastSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomwatch_broadcast_subscribers",
		Help: "Number of connected broadcast subscribers",
	})
)

// 地址解析指标
var (
	ResolverGoodAddresses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomwatch_resolver_good_addresses",
		Help: "Number of addresses in the current good set",
	})

	ResolverDisconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomwatch_resolver_disconnections_total",
		Help: "Total disconnections reported to the resolver",
	})
)

// 房间与集群指标
var (
	MonitorRooms = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomwatch_monitor_rooms",
		Help: "Number of monitored rooms per policy",
	}, []string{"policy"})

	MonitorPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "roomwatch_monitor_promotions_total",
		Help: "Total dynamic rooms promoted to fixed",
	})

	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomwatch_worker_restarts_total",
		Help: "Worker restarts by role",
	}, []string{"role"})

	WorkerOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomwatch_worker_online",
		Help: "1 if the worker is running and ready",
	}, []string{"role"})

	IPCMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomwatch_ipc_messages_total",
		Help: "IPC messages by command and direction",
	}, []string{"cmd", "dir"}) // dir: in, out

	// 平台 API 请求延迟
	PlatformRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomwatch_platform_request_duration_seconds",
		Help:    "Platform API request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint", "result"})
)
