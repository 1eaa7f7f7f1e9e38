package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/pkg/auth"
	"github.com/qiminjie89/roomwatch/pkg/config"
	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/metrics"
)

// Hub WebSocket 广播服务
//
// /ws 推送原生 JSON，/bilive 推送 bilive 兼容格式。订阅者只收不发；
// 发送队列满时丢弃该订阅者的消息而不阻塞广播。
type Hub struct {
	cfg       config.BroadcastConfig
	upgrader  websocket.Upgrader
	validator *auth.JWTValidator

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	server  *http.Server
}

// NewHub 创建广播服务，validator 为 nil 时不校验 token
func NewHub(cfg config.BroadcastConfig, validator *auth.JWTValidator) *Hub {
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true // 订阅者为本地工具，不限制 Origin
			},
		},
		validator: validator,
		clients:   make(map[string]*client),
	}
}

// Handler 返回路由
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) { h.serve(w, r, FormatNative) })
	mux.HandleFunc("/bilive", func(w http.ResponseWriter, r *http.Request) { h.serve(w, r, FormatBilive) })
	return mux
}

// Run 监听 cfg.Addr 直到 ctx 取消
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.server = &http.Server{
		Addr:    h.cfg.Addr,
		Handler: h.Handler(),
	}
	server := h.server
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.Close()
	}()

	logger.Info("starting broadcast server", zap.String("addr", h.cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, format Format) {
	subscriber := r.RemoteAddr
	if h.validator != nil {
		claims, err := h.validator.ValidateRequest(r)
		if err != nil {
			logger.Warn("subscriber rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		subscriber = claims.Subscriber
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:         uuid.New().String(),
		subscriber: subscriber,
		format:     format,
		ws:         ws,
		sendCh:     make(chan []byte, h.cfg.SendChSize),
		closeCh:    make(chan struct{}),
		hub:        h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	metrics.BroadcastSubscribers.Set(float64(count))
	logger.Info("subscriber connected",
		zap.String("conn_id", c.id),
		zap.String("subscriber", subscriber),
		zap.String("format", format.String()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	go c.readLoop()
	go c.writeLoop()
}

// Broadcast 向所有订阅者推送事件
func (h *Hub) Broadcast(ev event.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var payloads [2][]byte
	for _, c := range h.clients {
		data := payloads[c.format]
		if data == nil {
			var err error
			data, err = Encode(c.format, ev)
			if err != nil {
				logger.Warn("encode broadcast failed", zap.Error(err))
				return
			}
			payloads[c.format] = data
		}
		c.send(data)
	}
}

// Count 当前订阅者数量
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	count := len(h.clients)
	h.mu.Unlock()

	metrics.BroadcastSubscribers.Set(float64(count))
}

// Close 断开所有订阅者并停止监听
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	server := h.server
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if server != nil {
		_ = server.Close()
	}
}

// client 一个订阅者连接
type client struct {
	id         string
	subscriber string
	format     Format
	ws         *websocket.Conn
	sendCh     chan []byte
	hub        *Hub

	closeOnce sync.Once
	closeCh   chan struct{}
}

func (c *client) send(data []byte) {
	select {
	case c.sendCh <- data:
	case <-c.closeCh:
	default:
		metrics.SinkErrors.WithLabelValues("broadcast").Inc()
		logger.Warn("subscriber send queue full", zap.String("conn_id", c.id))
	}
}

// readLoop 丢弃订阅者发来的数据，只用于感知断开与 pong
func (c *client) readLoop() {
	defer c.close()

	wait := 2 * c.hub.cfg.PingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			logger.Debug("subscriber read error", zap.String("conn_id", c.id), zap.Error(err))
			return
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.closeCh:
			return

		case data := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("subscriber write error", zap.String("conn_id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.ws.Close()
		c.hub.remove(c)
		logger.Info("subscriber disconnected", zap.String("conn_id", c.id))
	})
}
