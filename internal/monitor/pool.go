package monitor

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/metrics"
)

// Controller 房间控制器
type Controller interface {
	Run(ctx context.Context)
	UpdateRooms(rooms []int64)
	Rooms() []int64
	Close()
}

// Pool 固定与动态策略共用的房间池
//
// 每个房间最多一个监听器；新房间错开 20~50ms 依次启动；
// 最近关闭的房间保留在有限长度的列表中，随 Rooms 一起上报，避免被立即重新分配。
type Pool struct {
	policy Policy
	deps   Deps

	mu       sync.Mutex
	monitors map[int64]*Monitor
	recent   []int64
	closed   bool
	pending  []*Monitor // 待启动的监听器，按分配顺序
	wake     chan struct{}
	rng      *rand.Rand
}

// NewPool 创建房间池
func NewPool(policy Policy, deps Deps) *Pool {
	return &Pool{
		policy:   policy,
		deps:     deps,
		monitors: make(map[int64]*Monitor),
		wake:     make(chan struct{}, 1),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewFixedController 固定房间控制器
func NewFixedController(deps Deps) *Pool {
	return NewPool(FixedPolicy{}, deps)
}

// NewDynamicController 动态房间控制器
func NewDynamicController(deps Deps) *Pool {
	return NewPool(DynamicPolicy{}, deps)
}

// Run 依次启动排队的监听器，ctx 取消后关闭全部房间
func (p *Pool) Run(ctx context.Context) {
	defer p.Close()

	for {
		m := p.next()
		if m == nil {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}

		m.Run()

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.stagger()):
		}
	}
}

// next 取出队首监听器，跳过排队期间已被移除的房间
func (p *Pool) next() *Monitor {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.pending) > 0 {
		m := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		if cur, ok := p.monitors[m.RoomID()]; ok && cur == m {
			return m
		}
	}
	p.pending = nil
	return nil
}

func (p *Pool) stagger() time.Duration {
	lo, hi := p.deps.Config.StaggerMin, p.deps.Config.StaggerMax
	if hi <= lo {
		return lo
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + time.Duration(p.rng.Int63n(int64(hi-lo)))
}

// UpdateRooms 为尚未监听的房间创建监听器并排队启动
func (p *Pool) UpdateRooms(rooms []int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	added := 0
	for _, id := range rooms {
		if id <= 0 {
			continue
		}
		if _, ok := p.monitors[id]; ok {
			continue
		}
		if limit := p.deps.Config.Limit; limit > 0 && len(p.monitors) >= limit {
			logger.Warn("room limit reached", zap.String("policy", p.policy.Name()), zap.Int("limit", limit))
			break
		}

		m := NewMonitor(id, p.policy, p.deps, p.onMonitorClose)
		p.monitors[id] = m
		p.pending = append(p.pending, m)
		added++
	}

	if added > 0 {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}

	metrics.MonitorRooms.WithLabelValues(p.policy.Name()).Set(float64(len(p.monitors)))
	if added > 0 {
		logger.Info("rooms assigned",
			zap.String("policy", p.policy.Name()),
			zap.Int("added", added),
			zap.Int("total", len(p.monitors)),
		)
	}
}

func (p *Pool) onMonitorClose(m *Monitor, byUser bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.monitors[m.RoomID()]; ok && cur == m {
		delete(p.monitors, m.RoomID())
	}

	p.recent = append(p.recent, m.RoomID())
	if bound, keep := p.deps.Config.RecentlyClosedMax, p.deps.Config.RecentlyClosedKeep; bound > 0 && len(p.recent) > bound {
		p.recent = append([]int64(nil), p.recent[len(p.recent)-keep:]...)
	}
	metrics.MonitorRooms.WithLabelValues(p.policy.Name()).Set(float64(len(p.monitors)))
}

// Remove 关闭指定房间
func (p *Pool) Remove(roomID int64) {
	p.mu.Lock()
	m, ok := p.monitors[roomID]
	p.mu.Unlock()

	if ok {
		m.Close()
	}
}

// Active 正在监听的房间
func (p *Pool) Active() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	rooms := make([]int64, 0, len(p.monitors))
	for id := range p.monitors {
		rooms = append(rooms, id)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// Rooms 正在监听与最近关闭的房间（去重）
func (p *Pool) Rooms() []int64 {
	rooms := p.Active()

	p.mu.Lock()
	recent := append([]int64(nil), p.recent...)
	p.mu.Unlock()

	seen := make(map[int64]struct{}, len(rooms))
	for _, id := range rooms {
		seen[id] = struct{}{}
	}
	for _, id := range recent {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			rooms = append(rooms, id)
		}
	}
	return rooms
}

// Close 关闭全部房间
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.pending = nil
	monitors := make([]*Monitor, 0, len(p.monitors))
	for _, m := range p.monitors {
		monitors = append(monitors, m)
	}
	p.mu.Unlock()

	for _, m := range monitors {
		m.Close()
	}
	logger.Info("controller closed", zap.String("policy", p.policy.Name()), zap.Int("rooms", len(monitors)))
}
