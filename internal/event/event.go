// Package event 定义直播间推送事件的数据模型和解码规则
package event

import (
	"time"
)

// Kind 事件类型
type Kind string

const (
	KindGuard Kind = "guard" // 舰长/提督/总督抽奖
	KindGift  Kind = "gift"  // 小电视等礼物抽奖
	KindPK    Kind = "pk"    // 大乱斗抽奖
	KindStorm Kind = "storm" // 节奏风暴
)

// Kinds 全部事件类型
var Kinds = []Kind{KindGuard, KindGift, KindPK, KindStorm}

// Valid 是否为已知事件类型
func (k Kind) Valid() bool {
	switch k {
	case KindGuard, KindGift, KindPK, KindStorm:
		return true
	}
	return false
}

// Event 抽奖事件（四种类型共用一个值类型）
type Event struct {
	ID       int64     `json:"id" msgpack:"id"`
	RoomID   int64     `json:"room_id" msgpack:"room_id"`
	Kind     Kind      `json:"kind" msgpack:"kind"`
	Type     string    `json:"type" msgpack:"type"`
	Name     string    `json:"name" msgpack:"name"`
	Wait     int       `json:"wait" msgpack:"wait"` // 秒，到期前的冷却时间
	ExpireAt time.Time `json:"expire_at" msgpack:"expire_at"`
}

// AnchorLottery 天选时刻摘要（不进入去重缓存）
type AnchorLottery struct {
	Name   string `json:"name"`
	RoomID int64  `json:"room_id"`
	Price  int64  `json:"price"`
	Count  int64  `json:"count"`
}

// SignalType 策略信号类型
type SignalType int

const (
	SignalNotice     SignalType = iota + 1 // NOTICE_MSG 全区广播
	SignalPreparing                        // 下播
	SignalRoomChange                       // 房间信息变更（分区）
)

// Signal 房间策略信号
type Signal struct {
	Type       SignalType
	MsgType    int   // NOTICE_MSG 的 msg_type
	RealRoomID int64 // NOTICE_MSG 指向的房间
	AreaID     int   // ROOM_CHANGE 的 parent_area_id
}

// Targets 需要解码的事件类型位掩码
type Targets uint8

const (
	TargetGift Targets = 1 << iota
	TargetGuard
	TargetStorm
	TargetPK
	TargetAnchor

	TargetAll Targets = 0xff
)

// Has 是否包含指定类型
func (t Targets) Has(target Targets) bool {
	return t&target == target
}
