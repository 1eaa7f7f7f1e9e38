package monitor

import (
	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/pkg/metrics"
)

// fixedTargets 固定与动态房间解码的事件类型
const fixedTargets = event.TargetGift | event.TargetGuard | event.TargetStorm | event.TargetPK | event.TargetAnchor

// FixedPolicy 固定监听，不因人气关闭
type FixedPolicy struct{}

func (FixedPolicy) Name() string { return "fixed" }

func (FixedPolicy) Targets() event.Targets { return fixedTargets }

func (FixedPolicy) OnEvent(m *Monitor, ev event.Event) {
	m.deps.Sink.RecordRoom(m.roomID)
	m.emit(ev)
}

func (FixedPolicy) OnSignal(*Monitor, event.Signal) {}

func (FixedPolicy) OnPopularity(*Monitor, uint32) {}

// DynamicPolicy 动态监听
//
// 连续低人气超过阈值且确认下播后关闭；观察到足够多的舰队抽奖，
// 或下播时峰值人气超过阈值，则提升为固定房间（只提升一次）。
type DynamicPolicy struct{}

func (DynamicPolicy) Name() string { return "dynamic" }

func (DynamicPolicy) Targets() event.Targets { return fixedTargets }

func (DynamicPolicy) OnEvent(m *Monitor, ev event.Event) {
	m.deps.Sink.RecordRoom(m.roomID)
	m.emit(ev)

	if ev.Kind != event.KindGuard {
		return
	}
	if n := m.observeGuard(ev.ID); n > m.deps.Config.PromoteGuardCount && m.markPromoted() {
		m.log.Info("promote to fixed", zap.Int("guards", n))
		metrics.MonitorPromotions.Inc()
		m.deps.Sink.AddFixed(m.roomID)
		m.Close()
	}
}

func (DynamicPolicy) OnSignal(*Monitor, event.Signal) {}

func (DynamicPolicy) OnPopularity(m *Monitor, popularity uint32) {
	if m.countLow(popularity) <= m.deps.Config.OffHeartbeats {
		return
	}

	m.checkLive(func(live bool) {
		if live {
			m.resetLow()
			return
		}
		if m.Peak() > m.deps.Config.PromotePeakPopularity && m.markPromoted() {
			m.log.Info("promote to fixed", zap.Uint32("peak", m.Peak()))
			metrics.MonitorPromotions.Inc()
			m.deps.Sink.AddFixed(m.roomID)
		}
		m.log.Info("room offline, closing")
		m.Close()
	})
}

// RafflePolicy 分区抽奖监听
//
// 只解码礼物与风暴；全区广播中的抽奖房间作为线索上报；
// 下播、换分区或低人气且确认下播时关闭，由控制器重新选房。
type RafflePolicy struct {
	Area int
}

func (p RafflePolicy) Name() string { return "raffle" }

func (p RafflePolicy) Targets() event.Targets { return event.TargetGift | event.TargetStorm }

func (p RafflePolicy) OnEvent(m *Monitor, ev event.Event) {
	m.emit(ev)
}

func (p RafflePolicy) OnSignal(m *Monitor, sig event.Signal) {
	switch sig.Type {
	case event.SignalNotice:
		switch sig.MsgType {
		case 2, 6, 8:
			if sig.RealRoomID > 0 {
				m.deps.Sink.RoomHint(sig.RealRoomID)
			}
		}

	case event.SignalPreparing:
		if p.Area != 0 {
			m.log.Info("room preparing, closing")
			m.Close()
		}

	case event.SignalRoomChange:
		if p.Area != 0 && sig.AreaID != p.Area {
			m.log.Info("room left area, closing", zap.Int("area", sig.AreaID))
			m.Close()
		}
	}
}

func (p RafflePolicy) OnPopularity(m *Monitor, popularity uint32) {
	if popularity > 1 {
		return
	}
	m.checkLive(func(live bool) {
		if !live {
			m.Close()
		}
	})
}
