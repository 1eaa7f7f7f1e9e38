package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/metrics"
	"github.com/qiminjie89/roomwatch/pkg/retry"
)

var errNoLiveRoom = errors.New("no live room in area")

// RaffleController 每个分区监听一个正在直播的房间，房间关闭后重新选房
type RaffleController struct {
	deps   Deps
	lister RoomLister
	retry  retry.Policy

	mu       sync.Mutex
	ctx      context.Context
	monitors map[int]*Monitor // area → monitor
	closed   bool
	wg       sync.WaitGroup
}

// NewRaffleController 创建分区抽奖控制器
func NewRaffleController(deps Deps, lister RoomLister, policy retry.Policy) *RaffleController {
	return &RaffleController{
		deps:     deps,
		lister:   lister,
		retry:    policy,
		monitors: make(map[int]*Monitor),
	}
}

// Run 为每个分区选房，ctx 取消后关闭全部房间
func (c *RaffleController) Run(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	areas := make([]int, 0, len(c.deps.Config.Areas))
	for area := range c.deps.Config.Areas {
		areas = append(areas, area)
	}
	sort.Ints(areas)

	for _, area := range areas {
		c.recover(area)
	}

	<-ctx.Done()
	c.Close()
	c.wg.Wait()
}

// recover 异步为分区重新选房
func (c *RaffleController) recover(area int) {
	c.mu.Lock()
	if c.closed || c.ctx == nil {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()

		err := c.retry.Do(ctx, func() error {
			return c.setupArea(ctx, area)
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("raffle area recovery gave up",
				zap.Int("area", area),
				zap.String("area_name", c.deps.Config.Areas[area]),
				zap.Error(err),
			)
		}
	}()
}

// setupArea 从分区最新开播的房间中选第一个确认在播的房间
func (c *RaffleController) setupArea(ctx context.Context, area int) error {
	rooms, err := c.lister.ListLiveRooms(ctx, area, 1)
	if err != nil {
		return err
	}
	if n := c.deps.Config.AreaCandidates; n > 0 && len(rooms) > n {
		rooms = rooms[:n]
	}

	for _, room := range rooms {
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}

		lookup, cancel := context.WithTimeout(ctx, c.deps.Config.LookupTimeout)
		live, err := c.deps.Live.IsLive(lookup, room)
		cancel()
		if err != nil || !live {
			continue
		}

		if c.start(area, room) {
			return nil
		}
		return retry.Permanent(errors.New("controller closed"))
	}
	return errNoLiveRoom
}

func (c *RaffleController) start(area int, room int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if _, ok := c.monitors[area]; ok {
		return true
	}

	m := NewMonitor(room, RafflePolicy{Area: area}, c.deps, func(m *Monitor, byUser bool) {
		c.onMonitorClose(area, m)
	})
	c.monitors[area] = m
	metrics.MonitorRooms.WithLabelValues("raffle").Set(float64(len(c.monitors)))

	logger.Info("raffle monitor started",
		zap.Int64("room_id", room),
		zap.Int("area", area),
		zap.String("area_name", c.deps.Config.Areas[area]),
	)
	m.Run()
	return true
}

func (c *RaffleController) onMonitorClose(area int, m *Monitor) {
	c.mu.Lock()
	if cur, ok := c.monitors[area]; ok && cur == m {
		delete(c.monitors, area)
	}
	closed := c.closed
	metrics.MonitorRooms.WithLabelValues("raffle").Set(float64(len(c.monitors)))
	c.mu.Unlock()

	if !closed {
		logger.Info("raffle monitor closed, recovering area",
			zap.Int64("room_id", m.RoomID()),
			zap.String("area_name", c.deps.Config.Areas[area]),
		)
		c.recover(area)
	}
}

// UpdateRooms 分区监听自行选房，忽略外部分配
func (c *RaffleController) UpdateRooms([]int64) {}

// Rooms 正在监听的房间
func (c *RaffleController) Rooms() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]int64, 0, len(c.monitors))
	for _, m := range c.monitors {
		rooms = append(rooms, m.RoomID())
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// Areas 分区到房间的映射
func (c *RaffleController) Areas() map[int]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[int]int64, len(c.monitors))
	for area, m := range c.monitors {
		out[area] = m.RoomID()
	}
	return out
}

// Close 关闭全部房间
func (c *RaffleController) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	monitors := make([]*Monitor, 0, len(c.monitors))
	for _, m := range c.monitors {
		monitors = append(monitors, m)
	}
	c.mu.Unlock()

	for _, m := range monitors {
		m.Close()
	}
}
