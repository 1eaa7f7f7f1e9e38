// Package monitor 实现直播间监听策略（固定、动态、分区抽奖）
package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/danmu"
	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/pkg/config"
	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/metrics"
)

// Sink 接收房间产生的输出，需并发安全
type Sink interface {
	Event(ev event.Event)
	AddFixed(roomID int64)
	RecordRoom(roomID int64)
	RoomHint(roomID int64)
}

// LiveChecker 查询房间直播状态
type LiveChecker interface {
	IsLive(ctx context.Context, roomID int64) (bool, error)
}

// RoomLister 列出分区内正在直播的房间
type RoomLister interface {
	ListLiveRooms(ctx context.Context, area, page int) ([]int64, error)
}

// Policy 房间策略
//
// 回调在连接读 goroutine 中执行，可以调用 Monitor.Close。
type Policy interface {
	Name() string
	Targets() event.Targets
	OnEvent(m *Monitor, ev event.Event)
	OnSignal(m *Monitor, sig event.Signal)
	OnPopularity(m *Monitor, popularity uint32)
}

// Deps 监听器共享的依赖
type Deps struct {
	Engine  *danmu.Engine
	Decoder *event.Decoder
	Sink    Sink
	Live    LiveChecker
	Config  config.MonitorConfig
}

// Monitor 单个房间的连接加策略计数
type Monitor struct {
	roomID  int64
	conn    *danmu.Conn
	policy  Policy
	deps    Deps
	onClose func(m *Monitor, byUser bool)
	log     *zap.Logger

	mu       sync.Mutex
	closed   bool
	guards   map[int64]struct{} // 观察到的舰队抽奖 id
	offCount int
	peak     uint32
	promoted bool
	checking bool
	pending  map[*time.Timer]struct{}
}

// NewMonitor 创建监听器，onClose 在连接彻底结束时调用
func NewMonitor(roomID int64, policy Policy, deps Deps, onClose func(m *Monitor, byUser bool)) *Monitor {
	m := &Monitor{
		roomID:  roomID,
		policy:  policy,
		deps:    deps,
		onClose: onClose,
		log:     logger.With(zap.Int64("room_id", roomID), zap.String("policy", policy.Name())),
		guards:  make(map[int64]struct{}),
		pending: make(map[*time.Timer]struct{}),
	}
	m.conn = deps.Engine.NewConn(roomID, m)
	return m
}

// RoomID 房间号
func (m *Monitor) RoomID() int64 {
	return m.roomID
}

// Run 开始连接
func (m *Monitor) Run() {
	m.conn.Run()
}

// Close 用户关闭，不再重连
func (m *Monitor) Close() {
	m.conn.Close(true)
}

// Done 监听结束时关闭
func (m *Monitor) Done() <-chan struct{} {
	return m.conn.Done()
}

// Peak 最高人气
func (m *Monitor) Peak() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// OnMessage 实现 danmu.Handler
func (m *Monitor) OnMessage(msg *event.Message) {
	targets := m.policy.Targets()

	if ev, ok := m.deps.Decoder.Decode(m.roomID, msg); ok {
		if !targets.Has(event.TargetOf(ev.Kind)) {
			return
		}
		metrics.EventsDecoded.WithLabelValues(string(ev.Kind)).Inc()
		m.policy.OnEvent(m, ev)
		return
	}

	if msg.Cmd == event.CmdAnchorLotStart {
		if !targets.Has(event.TargetAnchor) {
			return
		}
		if lot, ok := m.deps.Decoder.DecodeAnchor(m.roomID, msg); ok {
			m.log.Info("anchor lottery",
				zap.String("award", lot.Name),
				zap.Int64("price", lot.Price),
				zap.Int64("count", lot.Count),
			)
		}
		return
	}

	if sig, ok := event.DecodeSignal(msg); ok {
		m.policy.OnSignal(m, sig)
	}
}

// OnPopularity 实现 danmu.Handler
func (m *Monitor) OnPopularity(popularity uint32) {
	m.mu.Lock()
	if popularity > m.peak {
		m.peak = popularity
	}
	m.mu.Unlock()

	m.policy.OnPopularity(m, popularity)
}

// OnClose 实现 danmu.Handler
func (m *Monitor) OnClose(byUser bool) {
	m.mu.Lock()
	m.closed = true
	for t := range m.pending {
		t.Stop()
	}
	m.pending = nil
	m.mu.Unlock()

	m.log.Info("monitor closed", zap.Bool("by_user", byUser))
	if m.onClose != nil {
		m.onClose(m, byUser)
	}
}

// emit 输出事件；礼物抽奖在冷却时间结束后才输出
func (m *Monitor) emit(ev event.Event) {
	if ev.Kind != event.KindGift || ev.Wait <= 0 {
		m.deps.Sink.Event(ev)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(time.Duration(ev.Wait)*time.Second, func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		delete(m.pending, t)
		m.mu.Unlock()

		m.deps.Sink.Event(ev)
	})
	m.pending[t] = struct{}{}
}

// observeGuard 记录舰队抽奖 id，返回不同 id 的数量
func (m *Monitor) observeGuard(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guards[id] = struct{}{}
	return len(m.guards)
}

// markPromoted 只有第一次调用返回 true
func (m *Monitor) markPromoted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.promoted {
		return false
	}
	m.promoted = true
	return true
}

// countLow 记录一次人气样本，返回连续低人气次数
func (m *Monitor) countLow(popularity uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if popularity <= 1 {
		m.offCount++
	} else {
		m.offCount = 0
	}
	return m.offCount
}

func (m *Monitor) resetLow() {
	m.mu.Lock()
	m.offCount = 0
	m.mu.Unlock()
}

// checkLive 异步查询直播状态，同一时间只有一个查询
//
// 查询失败按仍在直播处理。
func (m *Monitor) checkLive(then func(live bool)) {
	m.mu.Lock()
	if m.checking || m.closed {
		m.mu.Unlock()
		return
	}
	m.checking = true
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.deps.Config.LookupTimeout)
		live, err := m.deps.Live.IsLive(ctx, m.roomID)
		cancel()

		m.mu.Lock()
		m.checking = false
		closed := m.closed
		m.mu.Unlock()

		if err != nil {
			m.log.Warn("live status lookup failed", zap.Error(err))
			live = true
		}
		if !closed {
			then(live)
		}
	}()
}
