package cluster

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/internal/history"
	"github.com/qiminjie89/roomwatch/internal/platform"
	"github.com/qiminjie89/roomwatch/internal/protocol"
	"github.com/qiminjie89/roomwatch/pkg/config"
	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/metrics"
)

// Listener 去重后的事件回调，需要快速返回
type Listener func(ev event.Event)

// WorkerStatus 工作进程状态
type WorkerStatus struct {
	Online   bool   `json:"online"`
	Ready    bool   `json:"ready"`
	PID      int    `json:"pid,omitempty"`
	Session  string `json:"session,omitempty"`
	Restarts int    `json:"restarts"`
}

// workerSlot 一个角色的当前进程与重启记录
type workerSlot struct {
	role string

	mu       sync.Mutex
	proc     *Process
	ready    *ReadyState
	restarts []time.Time // 窗口内的重启时间
	total    int
	changed  chan struct{} // 进程替换时关闭
}

func newWorkerSlot(role string) *workerSlot {
	return &workerSlot{role: role, changed: make(chan struct{})}
}

func (s *workerSlot) set(proc *Process, ready *ReadyState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proc = proc
	s.ready = ready
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *workerSlot) clear(proc *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == proc {
		s.proc = nil
		s.ready = nil
	}
}

func (s *workerSlot) current() (*Process, *ReadyState, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc, s.ready, s.changed
}

// waitReady 等待当前进程就绪，进程被替换时继续等待新进程
func (s *workerSlot) waitReady(ctx context.Context) (*Process, error) {
	for {
		proc, ready, changed := s.current()
		if proc != nil && ready != nil {
			if ready.IsReady() {
				return proc, nil
			}
			select {
			case <-ready.done:
				continue
			case <-changed:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// allowRestart 重启预算：窗口内超过 max 次则拒绝
func (s *workerSlot) allowRestart(now time.Time, max int, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	s.restarts = kept
	if len(s.restarts) >= max {
		return false
	}
	s.restarts = append(s.restarts, now)
	s.total++
	return true
}

func (s *workerSlot) status() WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := WorkerStatus{Restarts: s.total}
	if s.proc != nil {
		st.Online = true
		st.PID = s.proc.PID
	}
	if s.ready != nil && s.ready.IsReady() {
		st.Ready = true
		st.Session = s.ready.Info().Session
	}
	return st
}

// Option Master 可选参数
type Option func(*Master)

// WithFatal 替换重启预算耗尽时的处理（默认记录日志后退出进程）
func WithFatal(fn func(msg string)) Option {
	return func(m *Master) { m.fatal = fn }
}

// Master 主进程
//
// 负责启动并守护各角色的工作进程，汇总事件去重后交给监听者，
// 并周期性地为固定与动态分片分配房间。
type Master struct {
	cfg       *config.Config
	spawner   Spawner
	history   *history.History
	dir       Directory
	store     FixedStore
	collector *Collector
	ring      *HashRing
	fatal     func(msg string)
	started   time.Time

	slots map[string]*workerSlot
	roles []string

	mu        sync.RWMutex
	fixed     map[int64]struct{}
	listeners []Listener
	giftNames *platform.GiftConfig

	hintCh  chan int64
	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewMaster 创建主进程，store 可以为 nil
func NewMaster(cfg *config.Config, spawner Spawner, hist *history.History, dir Directory, store FixedStore, opts ...Option) *Master {
	m := &Master{
		cfg:       cfg,
		spawner:   spawner,
		history:   hist,
		dir:       dir,
		store:     store,
		collector: NewCollector(dir, store),
		ring:      NewHashRing(cfg.Cluster.VirtualNodes),
		fatal:     func(msg string) { logger.Fatal(msg) },
		started:   time.Now(),
		slots:     make(map[string]*workerSlot),
		roles:     Roles(cfg.Cluster.DynamicShards),
		fixed:     make(map[int64]struct{}),
		hintCh:    make(chan int64, 256),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, role := range m.roles {
		m.slots[role] = newWorkerSlot(role)
		if IsDynamic(role) {
			m.ring.AddNode(role)
		}
	}
	return m
}

// OnEvent 注册事件监听者
func (m *Master) OnEvent(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// On 注册只接收一种事件类型的监听者
func (m *Master) On(kind event.Kind, fn Listener) {
	m.OnEvent(func(ev event.Event) {
		if ev.Kind == kind {
			fn(ev)
		}
	})
}

// Run 启动全部工作进程并执行房间分配，ctx 取消后关闭工作进程
func (m *Master) Run(ctx context.Context) error {
	logger.Info("starting master", zap.Strings("roles", m.roles))

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	for _, role := range m.roles {
		slot := m.slots[role]
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.supervise(workerCtx, slot)
		}()
	}

	go m.runHints(ctx)
	m.refreshGiftNames(ctx)
	m.setupFixed(ctx)

	dynamic := time.NewTicker(m.cfg.Cluster.DynamicRefreshInterval)
	defer dynamic.Stop()
	fixed := time.NewTicker(m.cfg.Cluster.FixedRefreshInterval)
	defer fixed.Stop()

	m.setupDynamic(ctx)
	for {
		select {
		case <-ctx.Done():
			m.shutdown(stopWorkers)
			return nil
		case <-dynamic.C:
			m.setupDynamic(ctx)
		case <-fixed.C:
			m.refreshGiftNames(ctx)
			m.setupFixed(ctx)
		}
	}
}

// supervise 启动角色进程，退出后按重启预算重新启动
func (m *Master) supervise(ctx context.Context, slot *workerSlot) {
	log := logger.With(zap.String("role", slot.role))

	for ctx.Err() == nil {
		proc, err := m.spawner.Spawn(ctx, slot.role)
		if err != nil {
			log.Error("spawn worker failed", zap.Error(err))
			if !m.restartAllowed(slot) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		ready := NewReadyState(m.cfg.Cluster.ReadyTimeout)
		slot.set(proc, ready)
		metrics.WorkerOnline.WithLabelValues(slot.role).Set(1)
		log.Info("worker started", zap.Int("pid", proc.PID))

		go func() {
			if err := ready.Wait(ctx); errors.Is(err, ErrNotReady) {
				log.Warn("worker not ready in time, killing", zap.Int("pid", proc.PID))
				_ = proc.Kill()
			}
		}()

		// 先读完管道再 Wait
		if err := proc.Channel.Serve(func(msg *protocol.Message) {
			m.handle(slot, proc, ready, msg)
		}); err != nil {
			log.Warn("worker channel error", zap.Error(err))
		}
		waitErr := proc.Wait()

		slot.clear(proc)
		metrics.WorkerOnline.WithLabelValues(slot.role).Set(0)

		if ctx.Err() != nil || m.closing.Load() {
			log.Info("worker exited", zap.Int("pid", proc.PID))
			return
		}

		log.Warn("worker exited unexpectedly", zap.Int("pid", proc.PID), zap.Error(waitErr))
		metrics.WorkerRestarts.WithLabelValues(slot.role).Inc()
		if !m.restartAllowed(slot) {
			return
		}
	}
}

func (m *Master) restartAllowed(slot *workerSlot) bool {
	if slot.allowRestart(time.Now(), m.cfg.Cluster.MaxRestarts, m.cfg.Cluster.RestartWindow) {
		return true
	}
	m.fatal("worker restart budget exhausted: " + slot.role)
	return false
}

// handle 处理工作进程上报的消息，在该进程的读循环中执行
func (m *Master) handle(slot *workerSlot, proc *Process, ready *ReadyState, msg *protocol.Message) {
	if kind, ok := msg.Cmd.EventKind(); ok {
		var ev event.Event
		if err := msg.Bind(&ev); err != nil {
			logger.Warn("bad event payload", zap.String("role", slot.role), zap.Error(err))
			return
		}
		ev.Kind = kind
		m.HandleEvent(ev)
		return
	}

	switch msg.Cmd {
	case protocol.CmdReady:
		var info protocol.Ready
		if err := msg.Bind(&info); err != nil {
			logger.Warn("bad ready payload", zap.String("role", slot.role), zap.Error(err))
			return
		}
		ready.MarkReady(info)
		logger.Info("worker ready",
			zap.String("role", slot.role),
			zap.Int("pid", info.PID),
			zap.String("session", info.Session),
			zap.Duration("startup", ready.Duration()),
		)
		if slot.role == RoleFixed {
			if rooms := m.FixedRooms(); len(rooms) > 0 {
				m.sendRooms(proc, rooms)
			}
		}

	case protocol.CmdAddFixed:
		var room protocol.Room
		if err := msg.Bind(&room); err == nil {
			m.AddFixed(room.RoomID)
		}

	case protocol.CmdRecordRoom:
		var room protocol.Room
		if err := msg.Bind(&room); err == nil && m.store != nil {
			m.store.Record(room.RoomID)
		}

	case protocol.CmdRoomHint:
		var room protocol.Room
		if err := msg.Bind(&room); err != nil {
			return
		}
		select {
		case m.hintCh <- room.RoomID:
		default:
			logger.Warn("room hint queue full", zap.Int64("room_id", room.RoomID))
		}

	default:
		logger.Warn("unexpected command from worker", zap.String("role", slot.role), zap.Stringer("cmd", msg.Cmd))
	}
}

// HandleEvent 去重后通知监听者，返回事件是否首次出现
func (m *Master) HandleEvent(ev event.Event) bool {
	if !m.history.CheckAndAdd(ev) {
		metrics.EventsDuplicate.WithLabelValues(string(ev.Kind)).Inc()
		return false
	}
	metrics.EventsEmitted.WithLabelValues(string(ev.Kind)).Inc()

	m.mu.RLock()
	listeners := m.listeners
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
	return true
}

// AddFixed 将房间提升为固定监听
func (m *Master) AddFixed(roomID int64) {
	if roomID <= 0 {
		return
	}
	m.mu.Lock()
	_, exists := m.fixed[roomID]
	m.fixed[roomID] = struct{}{}
	m.mu.Unlock()

	if m.store != nil {
		m.store.MarkFixed(roomID)
	}
	if exists {
		return
	}

	logger.Info("adding room to fixed", zap.Int64("room_id", roomID))
	if proc, _, _ := m.slots[RoleFixed].current(); proc != nil {
		m.sendRooms(proc, []int64{roomID})
	}
}

// IsFixed 是否为固定房间
func (m *Master) IsFixed(roomID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.fixed[roomID]
	return ok
}

// FixedRooms 当前固定房间
func (m *Master) FixedRooms() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]int64, 0, len(m.fixed))
	for id := range m.fixed {
		rooms = append(rooms, id)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

func (m *Master) sendRooms(proc *Process, rooms []int64) {
	if err := proc.Channel.Send(protocol.CmdUpdateRooms, protocol.Rooms{Rooms: rooms}); err != nil {
		logger.Warn("send update_rooms failed", zap.String("role", proc.Role), zap.Error(err))
	}
}

// setupFixed 收集固定房间，新增的发送给固定分片
func (m *Master) setupFixed(ctx context.Context) {
	rooms := m.collector.FixedRooms(ctx)

	var added []int64
	m.mu.Lock()
	for _, id := range rooms {
		if _, ok := m.fixed[id]; !ok {
			m.fixed[id] = struct{}{}
			added = append(added, id)
		}
	}
	m.mu.Unlock()

	if len(added) == 0 {
		return
	}
	// 就绪时 handle 会发送完整列表；这里只处理已就绪的进程
	if proc, ready, _ := m.slots[RoleFixed].current(); proc != nil && ready != nil && ready.IsReady() {
		m.sendRooms(proc, added)
	}
	logger.Info("fixed rooms collected", zap.Int("added", len(added)), zap.Int("total", len(m.FixedRooms())))
}

// setupDynamic 向动态分片查询已监听房间，把新的直播房间按哈希分配下去
func (m *Master) setupDynamic(ctx context.Context) {
	type result struct {
		role  string
		proc  *Process
		rooms []int64
	}

	candidates := make(chan []int64, 1)
	go func() { candidates <- m.collector.DynamicRooms(ctx) }()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []result
	)
	for _, role := range m.roles {
		if !IsDynamic(role) {
			continue
		}
		slot := m.slots[role]
		wg.Add(1)
		go func() {
			defer wg.Done()

			waitCtx, cancel := context.WithTimeout(ctx, m.cfg.Cluster.ReadyTimeout)
			proc, err := slot.waitReady(waitCtx)
			cancel()
			if err != nil {
				logger.Warn("dynamic shard not ready", zap.String("role", slot.role), zap.Error(err))
				return
			}

			reqCtx, cancel := context.WithTimeout(ctx, m.cfg.Cluster.ReplyTimeout)
			reply, err := proc.Channel.Request(reqCtx, protocol.CmdGetRooms, nil)
			cancel()
			if err != nil {
				logger.Warn("get_rooms failed", zap.String("role", slot.role), zap.Error(err))
				return
			}
			var rooms protocol.Rooms
			if err := reply.Bind(&rooms); err != nil {
				logger.Warn("bad established_rooms", zap.String("role", slot.role), zap.Error(err))
			}

			mu.Lock()
			results = append(results, result{role: slot.role, proc: proc, rooms: rooms.Rooms})
			mu.Unlock()
		}()
	}
	wg.Wait()

	var live []int64
	select {
	case live = <-candidates:
	case <-ctx.Done():
		return
	}

	established := make(map[int64]struct{})
	procs := make(map[string]*Process, len(results))
	for _, r := range results {
		procs[r.role] = r.proc
		for _, id := range r.rooms {
			established[id] = struct{}{}
		}
		logger.Info("dynamic shard status", zap.String("role", r.role), zap.Int("rooms", len(r.rooms)))
	}

	var fresh []int64
	for _, id := range live {
		if _, ok := established[id]; ok || m.IsFixed(id) {
			continue
		}
		fresh = append(fresh, id)
	}

	for role, rooms := range m.ring.Split(fresh) {
		if proc, ok := procs[role]; ok {
			m.sendRooms(proc, rooms)
		}
	}
	logger.Info("dynamic rooms distributed",
		zap.Int("live", len(live)),
		zap.Int("filtered", len(live)-len(fresh)),
		zap.Int("assigned", len(fresh)),
	)
}

// runHints 处理全区广播线索：查询房间内的抽奖，并交给动态分片监听
func (m *Master) runHints(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case roomID := <-m.hintCh:
			m.handleHint(ctx, roomID)
		}
	}
}

func (m *Master) handleHint(ctx context.Context, roomID int64) {
	if !m.IsFixed(roomID) {
		if role := m.ring.Node(roomID); role != "" {
			if proc, _, _ := m.slots[role].current(); proc != nil {
				m.sendRooms(proc, []int64{roomID})
			}
		}
	}

	m.mu.RLock()
	names := m.giftNames
	m.mu.RUnlock()

	lookup, cancel := context.WithTimeout(ctx, m.cfg.Platform.Timeout)
	events, err := m.dir.CheckLottery(lookup, roomID, names)
	cancel()
	if err != nil {
		logger.Warn("check lottery failed", zap.Int64("room_id", roomID), zap.Error(err))
		return
	}

	for _, ev := range events {
		if ev.Wait <= 0 {
			m.HandleEvent(ev)
			continue
		}
		ev := ev
		time.AfterFunc(time.Duration(ev.Wait)*time.Second, func() {
			if ctx.Err() == nil {
				m.HandleEvent(ev)
			}
		})
	}
}

func (m *Master) refreshGiftNames(ctx context.Context) {
	names, err := m.dir.GiftConfig(ctx)
	if err != nil {
		logger.Warn("load gift config failed", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.giftNames = names
	m.mu.Unlock()
}

// shutdown 通知各工作进程关闭，超过宽限期后强制结束
func (m *Master) shutdown(stopWorkers context.CancelFunc) {
	m.closing.Store(true)
	logger.Info("stopping workers")

	for _, role := range m.roles {
		if proc, _, _ := m.slots[role].current(); proc != nil {
			if err := proc.Channel.Send(protocol.CmdClose, nil); err != nil {
				logger.Warn("send close failed", zap.String("role", role), zap.Error(err))
			}
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.cfg.Cluster.ShutdownGrace):
		for _, role := range m.roles {
			if proc, _, _ := m.slots[role].current(); proc != nil {
				logger.Warn("worker did not exit in time, killing", zap.String("role", role), zap.Int("pid", proc.PID))
				_ = proc.Kill()
			}
		}
		<-done
	}
	stopWorkers()
	logger.Info("master stopped")
}

// Status 各角色的状态
func (m *Master) Status() map[string]WorkerStatus {
	out := make(map[string]WorkerStatus, len(m.slots))
	for role, slot := range m.slots {
		out[role] = slot.status()
	}
	return out
}

// Uptime 运行时长
func (m *Master) Uptime() time.Duration {
	return time.Since(m.started)
}

// LogEvent 打印事件的监听者
func LogEvent(ev event.Event) {
	fields := []zap.Field{
		zap.Int64("id", ev.ID),
		zap.Int64("room_id", ev.RoomID),
		zap.String("kind", string(ev.Kind)),
		zap.String("type", ev.Type),
		zap.String("name", ev.Name),
	}
	if !ev.ExpireAt.IsZero() {
		fields = append(fields, zap.Time("expire_at", ev.ExpireAt))
	}
	logger.Info("raffle", fields...)
}
