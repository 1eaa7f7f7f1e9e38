package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/internal/history"
	"github.com/qiminjie89/roomwatch/pkg/logger"
)

// HealthStatus 健康状态
type HealthStatus struct {
	Status        string                  `json:"status"`
	Reason        string                  `json:"reason,omitempty"`
	Workers       map[string]WorkerStatus `json:"workers"`
	FixedRooms    int                     `json:"fixed_rooms"`
	UptimeSeconds float64                 `json:"uptime_seconds"`
}

// HealthServer 主进程的健康检查与去重缓存查询服务
type HealthServer struct {
	master  *Master
	history *history.History
	metrics bool
}

// NewHealthServer 创建健康检查服务，withMetrics 时同时挂载 /metrics
func NewHealthServer(master *Master, hist *history.History, withMetrics bool) *HealthServer {
	return &HealthServer{master: master, history: hist, metrics: withMetrics}
}

// Handler 路由
func (s *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/history", s.historyHandler)
	if s.metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	return mux
}

// Run 监听 addr，ctx 取消后关闭
func (s *HealthServer) Run(ctx context.Context, addr string) {
	serve(ctx, "health", addr, s.Handler())
}

// ServeMetrics 单独的 /metrics 服务，工作进程使用
func ServeMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	serve(ctx, "metrics", addr, mux)
}

func serve(ctx context.Context, name, addr string, handler http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting "+name+" server", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(name+" server error", zap.Error(err))
	}
}

// healthHandler 任一工作进程不在线时返回 503
func (s *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := &HealthStatus{
		Workers:       s.master.Status(),
		FixedRooms:    len(s.master.FixedRooms()),
		UptimeSeconds: s.master.Uptime().Seconds(),
	}

	status := http.StatusOK
	health.Status = "healthy"
	for role, ws := range health.Workers {
		if !ws.Online || !ws.Ready {
			health.Status = "unhealthy"
			health.Reason = role + "_down"
			status = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(health)
}

// historyHandler 返回去重缓存中仍有效的事件，?kind= 过滤类型
func (s *HealthServer) historyHandler(w http.ResponseWriter, r *http.Request) {
	kinds := event.Kinds
	if k := r.URL.Query().Get("kind"); k != "" {
		kind := event.Kind(k)
		if !kind.Valid() {
			http.Error(w, "unknown kind", http.StatusBadRequest)
			return
		}
		kinds = []event.Kind{kind}
	}

	out := make(map[event.Kind][]event.Event, len(kinds))
	for _, kind := range kinds {
		out[kind] = s.history.Active(kind)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
