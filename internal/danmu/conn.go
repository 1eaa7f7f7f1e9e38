package danmu

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/pkg/config"
	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/metrics"
	"github.com/qiminjie89/roomwatch/pkg/retry"
)

// State 连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	}
	return "unknown"
}

// Handler 连接回调
//
// OnMessage/OnPopularity 在读 goroutine 中按到达顺序调用；
// OnClose 在连接彻底结束时调用且只调用一次，byUser=false 表示重连次数耗尽。
type Handler interface {
	OnMessage(msg *event.Message)
	OnPopularity(popularity uint32)
	OnClose(byUser bool)
}

// AddressSource 连接地址来源（由 resolver.Resolver 实现）
type AddressSource interface {
	Resolve() string
	ReportDisconnection(addr string)
}

// DialFunc 建立 TCP 连接
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

var errSessionGone = errors.New("session gone")

// errBadNotification 通知帧 JSON 无法解析，断开重连但不计入错误预算
var errBadNotification = errors.New("undecodable notification")

// Engine 同一进程内所有房间连接共享的依赖
type Engine struct {
	cfg    config.DanmuConfig
	retry  retry.Policy
	addrs  AddressSource
	budget *ErrorBudget
	dial   DialFunc
	role   string
}

// EngineOption 可选参数
type EngineOption func(*Engine)

// WithDialFunc 替换拨号函数（测试使用）
func WithDialFunc(dial DialFunc) EngineOption {
	return func(e *Engine) { e.dial = dial }
}

// WithRole 设置指标中的角色标签
func WithRole(role string) EngineOption {
	return func(e *Engine) { e.role = role }
}

// NewEngine 创建连接引擎
func NewEngine(cfg config.DanmuConfig, policy retry.Policy, addrs AddressSource, budget *ErrorBudget, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:    cfg,
		retry:  policy,
		addrs:  addrs,
		budget: budget,
		role:   "default",
	}
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}
	e.dial = dialer.DialContext

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Conn 单个直播间的推送连接
//
// 状态机：Disconnected → Connecting → Streaming → Disconnected。
// 非用户关闭时按退避间隔自动重连，成功握手后退避重置。
type Conn struct {
	roomID    int64
	engine    *Engine
	handler   Handler
	handshake []byte
	log       *zap.Logger
	splitter  *Splitter // 只在读循环中使用，同一时刻最多一个读循环

	mu        sync.Mutex
	state     State
	closed    bool
	sock      net.Conn
	addr      string
	acked     bool
	heartbeat *time.Timer
	health    *time.Timer
	reconnect *time.Timer
	backoff   backoff.BackOff

	lastRead   atomic.Int64 // unix nano
	finishOnce sync.Once
	done       chan struct{}
}

// NewConn 创建房间连接，调用 Run 后开始连接
func (e *Engine) NewConn(roomID int64, handler Handler) *Conn {
	return &Conn{
		roomID:    roomID,
		engine:    e,
		handler:   handler,
		handshake: HandshakePacket(roomID, e.cfg.UID, e.cfg.ClientVersion),
		log:       logger.With(zap.Int64("room_id", roomID)),
		backoff:   e.retry.NewBackOff(),
		splitter:  NewSplitter(e.cfg.MaxFrameLength),
		done:      make(chan struct{}),
	}
}

// RoomID 房间号
func (c *Conn) RoomID() int64 {
	return c.roomID
}

// State 当前状态
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done 连接彻底结束时关闭
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Run 开始连接，非 Disconnected 状态或已关闭时为空操作
func (c *Conn) Run() {
	c.mu.Lock()
	if c.state != StateDisconnected || c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.reconnect = nil
	addr := c.engine.addrs.Resolve()
	c.addr = addr
	c.mu.Unlock()

	go c.connect(addr)
}

// connect 拨号、握手并进入读循环
func (c *Conn) connect(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.engine.cfg.DialTimeout)
	sock, err := c.engine.dial(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(c.engine.cfg.Port)))
	cancel()

	if err != nil {
		c.log.Debug("dial failed", zap.String("addr", addr), zap.Error(err))

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.state = StateDisconnected
		c.mu.Unlock()

		metrics.DanmuConnectionCloseReason.WithLabelValues("dial_error").Inc()
		c.engine.addrs.ReportDisconnection(addr)
		c.scheduleReconnect(false)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sock.Close()
		return
	}
	c.sock = sock
	c.state = StateStreaming
	c.acked = false
	c.lastRead.Store(time.Now().UnixNano())
	c.writeLocked(sock, c.handshake)
	c.health = time.AfterFunc(c.engine.cfg.HealthCheckInterval, func() { c.checkHealth(sock) })
	c.mu.Unlock()

	metrics.DanmuConnections.WithLabelValues(c.engine.role).Inc()
	c.log.Debug("connected", zap.String("addr", addr))

	c.readLoop(sock, addr)
}

// readLoop 读循环，帧按到达顺序分发
func (c *Conn) readLoop(sock net.Conn, addr string) {
	splitter := c.splitter
	buf := make([]byte, 4096)
	reason := "read_error"

	for {
		n, err := sock.Read(buf)
		if n > 0 {
			c.lastRead.Store(time.Now().UnixNano())

			frames, ferr := splitter.Feed(buf[:n])
			for _, frame := range frames {
				if derr := c.dispatch(sock, frame); derr != nil {
					ferr = derr
					break
				}
			}
			if errors.Is(ferr, errSessionGone) {
				reason = "closed"
				break
			}
			if errors.Is(ferr, errBadNotification) {
				c.log.Warn("undecodable notification, reconnecting", zap.Error(ferr))
				reason = "decode_error"
				break
			}
			if ferr != nil {
				c.log.Warn("framing error", zap.Error(ferr))
				c.engine.budget.Add()
				reason = "framing_error"
				break
			}
		}
		if err != nil {
			c.log.Debug("connection read error", zap.Error(err))
			break
		}
	}

	c.endSession(sock, addr, reason)
}

// dispatch 按操作码分发一帧
func (c *Conn) dispatch(sock net.Conn, frame []byte) error {
	pkt, err := DecodePacket(frame)
	if err != nil {
		return err
	}
	metrics.DanmuFramesReceived.WithLabelValues(opName(pkt.Operation)).Inc()

	if !c.isCurrent(sock) {
		return errSessionGone
	}

	switch pkt.Operation {
	case OpHeartbeatReply:
		if popularity, ok := pkt.Popularity(); ok {
			metrics.DanmuPopularity.Observe(float64(popularity))
			c.handler.OnPopularity(popularity)
		}

	case OpNotification:
		msg, err := event.ParseMessage(pkt.Body)
		if err != nil {
			return fmt.Errorf("%w: %v", errBadNotification, err)
		}
		c.handler.OnMessage(msg)

	case OpHandshakeAck:
		c.startHeartbeat(sock)
		if popularity, ok := pkt.Popularity(); ok {
			c.handler.OnPopularity(popularity)
		}
	}
	return nil
}

func (c *Conn) isCurrent(sock net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock == sock && !c.closed
}

// startHeartbeat 首次收到握手确认时启动心跳
func (c *Conn) startHeartbeat(sock net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sock != sock || c.heartbeat != nil {
		return
	}
	c.acked = true
	c.writeLocked(sock, HeartbeatPacket)
	c.heartbeat = time.AfterFunc(c.engine.cfg.HeartbeatInterval, func() { c.sendHeartbeat(sock) })
}

func (c *Conn) sendHeartbeat(sock net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sock != sock || c.heartbeat == nil {
		return
	}
	c.writeLocked(sock, HeartbeatPacket)
	c.heartbeat.Reset(c.engine.cfg.HeartbeatInterval)
}

// checkHealth 长时间没有收到数据时主动断开，触发重连
func (c *Conn) checkHealth(sock net.Conn) {
	c.mu.Lock()
	if c.sock != sock || c.health == nil {
		c.mu.Unlock()
		return
	}

	idle := time.Since(time.Unix(0, c.lastRead.Load()))
	if idle > c.engine.cfg.StaleAfter {
		c.mu.Unlock()
		c.log.Info("connection stale, resetting", zap.Duration("idle", idle))
		metrics.DanmuConnectionCloseReason.WithLabelValues("stale").Inc()
		sock.Close()
		return
	}
	c.health.Reset(c.engine.cfg.HealthCheckInterval)
	c.mu.Unlock()
}

// writeLocked 写超时沿用拨号超时
func (c *Conn) writeLocked(sock net.Conn, data []byte) {
	if timeout := c.engine.cfg.DialTimeout; timeout > 0 {
		_ = sock.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := sock.Write(data); err != nil {
		c.log.Debug("write failed", zap.Error(err))
	}
}

func (c *Conn) stopTimersLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	if c.health != nil {
		c.health.Stop()
		c.health = nil
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// endSession 读循环退出后清理会话，非用户关闭时上报地址并重连
func (c *Conn) endSession(sock net.Conn, addr, reason string) {
	// 半帧数据属于旧 socket
	c.splitter.Reset()

	c.mu.Lock()
	if c.sock != sock {
		// Close 已经处理过这个 socket
		c.mu.Unlock()
		sock.Close()
		return
	}
	c.stopTimersLocked()
	c.sock = nil
	c.state = StateDisconnected
	acked := c.acked
	c.mu.Unlock()

	sock.Close()
	metrics.DanmuConnections.WithLabelValues(c.engine.role).Dec()
	metrics.DanmuConnectionCloseReason.WithLabelValues(reason).Inc()

	c.engine.addrs.ReportDisconnection(addr)
	c.scheduleReconnect(acked)
}

func (c *Conn) scheduleReconnect(reset bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if reset {
		c.backoff.Reset()
	}

	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		c.closed = true
		c.mu.Unlock()

		c.log.Warn("reconnect attempts exhausted")
		c.finish(false)
		return
	}
	c.reconnect = time.AfterFunc(delay, c.Run)
	c.mu.Unlock()

	metrics.DanmuReconnects.Inc()
	c.log.Debug("reconnect scheduled", zap.Duration("delay", delay))
}

// Close 关闭连接
//
// byUser=true 时返回前同步停止所有定时器并销毁 socket，之后不再重连；
// byUser=false 只断开当前 socket，由读循环触发重连。重复调用安全。
func (c *Conn) Close(byUser bool) {
	if !byUser {
		c.mu.Lock()
		sock := c.sock
		c.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTimersLocked()
	sock := c.sock
	c.sock = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
		metrics.DanmuConnections.WithLabelValues(c.engine.role).Dec()
		metrics.DanmuConnectionCloseReason.WithLabelValues("user").Inc()
	}
	c.finish(true)
}

func (c *Conn) finish(byUser bool) {
	c.finishOnce.Do(func() {
		close(c.done)
		c.handler.OnClose(byUser)
	})
}
