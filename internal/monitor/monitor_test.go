package monitor

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/roomwatch/internal/danmu"
	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/pkg/config"
	"github.com/qiminjie89/roomwatch/pkg/retry"
)

type fakeSink struct {
	mu       sync.Mutex
	events   []event.Event
	fixed    []int64
	recorded []int64
	hints    []int64
}

func (s *fakeSink) Event(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeSink) AddFixed(roomID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixed = append(s.fixed, roomID)
}

func (s *fakeSink) RecordRoom(roomID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, roomID)
}

func (s *fakeSink) RoomHint(roomID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints = append(s.hints, roomID)
}

func (s *fakeSink) Events() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

func (s *fakeSink) Fixed() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.fixed...)
}

func (s *fakeSink) Hints() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.hints...)
}

type fakeLive struct {
	mu    sync.Mutex
	live  map[int64]bool
	err   error
	calls int
}

func (f *fakeLive) IsLive(ctx context.Context, roomID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.live[roomID], nil
}

func (f *fakeLive) set(roomID int64, live bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[roomID] = live
}

func (f *fakeLive) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLister struct {
	rooms map[int][]int64
}

func (f *fakeLister) ListLiveRooms(ctx context.Context, area, page int) ([]int64, error) {
	rooms, ok := f.rooms[area]
	if !ok {
		return nil, errors.New("unknown area")
	}
	return rooms, nil
}

type nopAddrs struct{}

func (nopAddrs) Resolve() string            { return "127.0.0.1" }
func (nopAddrs) ReportDisconnection(string) {}

func testDeps(t *testing.T) (Deps, *fakeSink, *fakeLive) {
	t.Helper()

	refuse := func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("refused")
	}
	slow := retry.Policy{InitialInterval: time.Hour, MaxInterval: time.Hour, Multiplier: 1}
	engine := danmu.NewEngine(config.Default().Danmu, slow, nopAddrs{}, danmu.NewErrorBudget(100, func(string) {}), danmu.WithDialFunc(refuse))

	cfg := config.Default().Monitor
	cfg.LookupTimeout = time.Second
	cfg.StaggerMin = 0
	cfg.StaggerMax = 0
	cfg.Areas = map[int]string{1: "娱乐"}

	sink := &fakeSink{}
	live := &fakeLive{live: make(map[int64]bool)}
	return Deps{
		Engine:  engine,
		Decoder: event.NewDecoder(),
		Sink:    sink,
		Live:    live,
		Config:  cfg,
	}, sink, live
}

func parse(t *testing.T, body string) *event.Message {
	t.Helper()
	msg, err := event.ParseMessage([]byte(body))
	require.NoError(t, err)
	return msg
}

func guardMsg(t *testing.T, id string) *event.Message {
	return parse(t, `{"cmd":"GUARD_LOTTERY_START","data":{"id":`+id+`,"privilege_type":3,"type":"guard","lottery":{"time":600}}}`)
}

type closeRecorder struct {
	ch chan bool
}

func newCloseRecorder() *closeRecorder {
	return &closeRecorder{ch: make(chan bool, 4)}
}

func (r *closeRecorder) fn(m *Monitor, byUser bool) { r.ch <- byUser }

func waitClosed(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor not closed")
	}
}

func assertOpen(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Done():
		t.Fatal("monitor closed unexpectedly")
	default:
	}
}

func TestDynamicClosesAfterOfflineConfirmed(t *testing.T) {
	deps, sink, live := testDeps(t)
	live.set(9, false)
	rec := newCloseRecorder()
	m := NewMonitor(9, DynamicPolicy{}, deps, rec.fn)

	for i := 0; i < deps.Config.OffHeartbeats; i++ {
		m.OnPopularity(1)
	}
	assert.Equal(t, 0, live.Calls())
	assertOpen(t, m)

	m.OnPopularity(1)
	waitClosed(t, m)
	assert.True(t, <-rec.ch)
	assert.Empty(t, sink.Fixed())
}

func TestDynamicHighPopularityResetsCounter(t *testing.T) {
	deps, _, live := testDeps(t)
	m := NewMonitor(9, DynamicPolicy{}, deps, nil)

	for i := 0; i < 20; i++ {
		m.OnPopularity(1)
		if i%5 == 4 {
			m.OnPopularity(300)
		}
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, live.Calls())
	assertOpen(t, m)
}

func TestDynamicLookupFailureTreatedAsLive(t *testing.T) {
	deps, _, live := testDeps(t)
	live.err = errors.New("timeout")
	m := NewMonitor(9, DynamicPolicy{}, deps, nil)

	for i := 0; i <= deps.Config.OffHeartbeats; i++ {
		m.OnPopularity(0)
	}
	require.Eventually(t, func() bool { return live.Calls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assertOpen(t, m)

	// 计数已重置，需要重新累计
	m.OnPopularity(0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, live.Calls())
}

func TestDynamicPromotesOnPeakAtOffline(t *testing.T) {
	deps, sink, live := testDeps(t)
	live.set(9, false)
	m := NewMonitor(9, DynamicPolicy{}, deps, nil)

	m.OnPopularity(deps.Config.PromotePeakPopularity + 1)
	for i := 0; i <= deps.Config.OffHeartbeats; i++ {
		m.OnPopularity(1)
	}
	waitClosed(t, m)
	assert.Equal(t, []int64{9}, sink.Fixed())
}

func TestDynamicPromotesOnDistinctGuards(t *testing.T) {
	deps, sink, _ := testDeps(t)
	rec := newCloseRecorder()
	m := NewMonitor(9, DynamicPolicy{}, deps, rec.fn)

	m.OnMessage(guardMsg(t, "1001"))
	m.OnMessage(guardMsg(t, "1001"))
	assert.Empty(t, sink.Fixed())
	assertOpen(t, m)

	m.OnMessage(guardMsg(t, "1002"))
	waitClosed(t, m)
	assert.True(t, <-rec.ch)

	m.OnMessage(guardMsg(t, "1003"))
	assert.Equal(t, []int64{9}, sink.Fixed())
	assert.Len(t, sink.Events(), 4)
}

func TestFixedRecordsAndEmits(t *testing.T) {
	deps, sink, live := testDeps(t)
	m := NewMonitor(7, FixedPolicy{}, deps, nil)

	m.OnMessage(parse(t, `{"cmd":"PK_LOTTERY_START","data":{"id":3,"time":60}}`))
	for i := 0; i < 30; i++ {
		m.OnPopularity(1)
	}

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, event.KindPK, events[0].Kind)
	assert.Equal(t, []int64{7}, sink.recorded)
	assert.Equal(t, 0, live.Calls())
	assert.Equal(t, uint32(1), m.Peak())
}

func TestGiftDelayedAndCancelledOnClose(t *testing.T) {
	deps, sink, _ := testDeps(t)
	m := NewMonitor(7, FixedPolicy{}, deps, nil)

	m.OnMessage(parse(t, `{"cmd":"RAFFLE_START","data":{"raffleId":1,"type":"tv","time_wait":1,"time":60}}`))
	assert.Empty(t, sink.Events())

	m.Close()
	assert.Never(t, func() bool { return len(sink.Events()) > 0 }, 1500*time.Millisecond, 50*time.Millisecond)
}

func TestGiftEmittedAfterWait(t *testing.T) {
	deps, sink, _ := testDeps(t)
	m := NewMonitor(7, FixedPolicy{}, deps, nil)
	t.Cleanup(m.Close)

	m.OnMessage(parse(t, `{"cmd":"RAFFLE_START","data":{"raffleId":1,"type":"tv","time_wait":1,"time":60}}`))
	assert.Empty(t, sink.Events())
	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestRaffleSignals(t *testing.T) {
	deps, sink, _ := testDeps(t)
	m := NewMonitor(5, RafflePolicy{Area: 1}, deps, nil)

	m.OnMessage(parse(t, `{"cmd":"NOTICE_MSG","msg_type":2,"real_roomid":888}`))
	m.OnMessage(parse(t, `{"cmd":"NOTICE_MSG","msg_type":1,"real_roomid":999}`))
	assert.Equal(t, []int64{888}, sink.Hints())

	// 舰队抽奖不在分区监听范围内
	m.OnMessage(guardMsg(t, "1"))
	assert.Empty(t, sink.Events())

	m.OnMessage(parse(t, `{"cmd":"ROOM_CHANGE","data":{"parent_area_id":1}}`))
	assertOpen(t, m)

	m.OnMessage(parse(t, `{"cmd":"ROOM_CHANGE","data":{"parent_area_id":3}}`))
	waitClosed(t, m)
}

func TestRaffleClosesOnPreparing(t *testing.T) {
	deps, _, _ := testDeps(t)
	m := NewMonitor(5, RafflePolicy{Area: 1}, deps, nil)

	m.OnMessage(parse(t, `{"cmd":"PREPARING"}`))
	waitClosed(t, m)
}

func TestRaffleLowPopularityChecksLive(t *testing.T) {
	deps, _, live := testDeps(t)
	live.set(5, true)
	m := NewMonitor(5, RafflePolicy{Area: 1}, deps, nil)

	m.OnPopularity(1)
	require.Eventually(t, func() bool { return live.Calls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assertOpen(t, m)

	live.set(5, false)
	m.OnPopularity(0)
	waitClosed(t, m)
}

func TestPoolUpdateRooms(t *testing.T) {
	deps, _, _ := testDeps(t)
	deps.Config.Limit = 3
	p := NewDynamicController(deps)

	p.UpdateRooms([]int64{1, 2, 2, 0, -5})
	assert.Equal(t, []int64{1, 2}, p.Active())

	p.UpdateRooms([]int64{3, 4, 5})
	assert.Equal(t, []int64{1, 2, 3}, p.Active())

	p.Remove(2)
	assert.Equal(t, []int64{1, 3}, p.Active())
	assert.ElementsMatch(t, []int64{1, 2, 3}, p.Rooms())

	p.Close()
	assert.Empty(t, p.Active())
	p.UpdateRooms([]int64{9})
	assert.Empty(t, p.Active())
}

func TestPoolQueuesEveryRoom(t *testing.T) {
	deps, _, _ := testDeps(t)
	p := NewDynamicController(deps)
	defer p.Close()

	rooms := make([]int64, 5000)
	for i := range rooms {
		rooms[i] = int64(i + 1)
	}
	p.UpdateRooms(rooms)

	assert.Len(t, p.Active(), 5000)
	p.mu.Lock()
	assert.Len(t, p.pending, 5000)
	p.mu.Unlock()

	// 排队期间被移除的房间不再启动
	p.Remove(1)
	m := p.next()
	require.NotNil(t, m)
	assert.Equal(t, int64(2), m.RoomID())

	p.mu.Lock()
	assert.Len(t, p.pending, 4998)
	p.mu.Unlock()
}

func TestPoolRecentlyClosedBounded(t *testing.T) {
	deps, _, _ := testDeps(t)
	deps.Config.RecentlyClosedMax = 4
	deps.Config.RecentlyClosedKeep = 2
	p := NewFixedController(deps)

	p.UpdateRooms([]int64{1, 2, 3, 4, 5})
	for id := int64(1); id <= 5; id++ {
		p.Remove(id)
	}
	assert.Equal(t, []int64{4, 5}, p.Rooms())
}

func TestPoolRunStartsAndClosesOnCancel(t *testing.T) {
	deps, _, _ := testDeps(t)
	p := NewFixedController(deps)
	p.UpdateRooms([]int64{1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Empty(t, p.Active())
}

func TestRaffleControllerReselects(t *testing.T) {
	deps, _, live := testDeps(t)
	live.set(2, true)
	lister := &fakeLister{rooms: map[int][]int64{1: {1, 2, 3}}}
	c := NewRaffleController(deps, lister, retry.Fixed(10*time.Millisecond, 5))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.Areas()[1] == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{2}, c.Rooms())

	// 房间下播后重新选房
	live.set(2, false)
	live.set(3, true)
	c.mu.Lock()
	m := c.monitors[1]
	c.mu.Unlock()
	m.Close()

	require.Eventually(t, func() bool { return c.Areas()[1] == 3 }, 2*time.Second, 5*time.Millisecond)

	c.UpdateRooms([]int64{100})
	assert.Equal(t, []int64{3}, c.Rooms())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Empty(t, c.Rooms())
}
