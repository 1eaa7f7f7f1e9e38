package event

import (
	"time"
)

// DefaultGuardNames 舰队等级名称
var DefaultGuardNames = map[int]string{
	1: "总督",
	2: "提督",
	3: "舰长",
}

const (
	defaultGiftTitle = "未知"
	pkName           = "大乱斗"
	stormName        = "节奏风暴"
	stormGiftKey     = "39"
)

// Decoder 将通知消息解码为抽奖事件
//
// 缺少必要字段时返回 false，不报错。
type Decoder struct {
	GuardNames map[int]string
	Now        func() time.Time
}

// NewDecoder 创建默认解码器
func NewDecoder() *Decoder {
	return &Decoder{
		GuardNames: DefaultGuardNames,
		Now:        time.Now,
	}
}

func (d *Decoder) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// Decode 按 cmd 分发解码
func (d *Decoder) Decode(roomID int64, msg *Message) (Event, bool) {
	if msg == nil {
		return Event{}, false
	}

	switch msg.Cmd {
	case CmdRaffleStart, CmdTVStart:
		return d.decodeGift(roomID, msg)
	case CmdGuardLotteryStart:
		return d.decodeGuard(roomID, msg)
	case CmdPKLotteryStart:
		return d.decodePK(roomID, msg)
	case CmdSpecialGift:
		return d.decodeStorm(roomID, msg)
	}
	return Event{}, false
}

// TargetOf 返回事件类型对应的位掩码
func TargetOf(kind Kind) Targets {
	switch kind {
	case KindGift:
		return TargetGift
	case KindGuard:
		return TargetGuard
	case KindStorm:
		return TargetStorm
	case KindPK:
		return TargetPK
	}
	return 0
}

func (d *Decoder) decodeGift(roomID int64, msg *Message) (Event, bool) {
	data, ok := msg.Data()
	if !ok {
		return Event{}, false
	}
	id, ok := data.Int("raffleId")
	if !ok {
		return Event{}, false
	}
	seconds, ok := data.Int("time")
	if !ok {
		return Event{}, false
	}

	title, _ := data.String("title")
	if title == "" {
		title = defaultGiftTitle
	}
	typ, _ := data.String("type")
	wait, _ := data.Int("time_wait")

	return Event{
		ID:       id,
		RoomID:   roomID,
		Kind:     KindGift,
		Type:     typ,
		Name:     title,
		Wait:     int(wait),
		ExpireAt: d.now().Add(time.Duration(seconds) * time.Second),
	}, true
}

func (d *Decoder) decodeGuard(roomID int64, msg *Message) (Event, bool) {
	data, ok := msg.Data()
	if !ok {
		return Event{}, false
	}
	id, ok := data.Int("id")
	if !ok {
		return Event{}, false
	}
	// 未知等级照常发布，名称留空
	privilege, _ := data.Int("privilege_type")
	name := d.guardNames()[int(privilege)]

	var seconds int64
	if lottery, ok := data.Object("lottery"); ok {
		seconds, _ = lottery.Int("time")
	}
	typ, _ := data.String("type")

	return Event{
		ID:       id,
		RoomID:   roomID,
		Kind:     KindGuard,
		Type:     typ,
		Name:     name,
		ExpireAt: d.now().Add(time.Duration(seconds) * time.Second),
	}, true
}

func (d *Decoder) guardNames() map[int]string {
	if len(d.GuardNames) == 0 {
		return DefaultGuardNames
	}
	return d.GuardNames
}

func (d *Decoder) decodePK(roomID int64, msg *Message) (Event, bool) {
	data, ok := msg.Data()
	if !ok {
		return Event{}, false
	}
	id, ok := data.Int("id")
	if !ok {
		return Event{}, false
	}
	seconds, _ := data.Int("time")

	return Event{
		ID:       id,
		RoomID:   roomID,
		Kind:     KindPK,
		Type:     string(KindPK),
		Name:     pkName,
		ExpireAt: d.now().Add(time.Duration(seconds) * time.Second),
	}, true
}

func (d *Decoder) decodeStorm(roomID int64, msg *Message) (Event, bool) {
	data, ok := msg.Data()
	if !ok {
		return Event{}, false
	}
	info, ok := data.Object(stormGiftKey)
	if !ok {
		return Event{}, false
	}
	if action, _ := info.String("action"); action != "start" {
		return Event{}, false
	}
	id, ok := info.Int("id")
	if !ok {
		return Event{}, false
	}

	// 风暴没有到期时间，去重窗口完全由宽限期决定
	return Event{
		ID:     id,
		RoomID: roomID,
		Kind:   KindStorm,
		Type:   string(KindStorm),
		Name:   stormName,
	}, true
}

// DecodeAnchor 解码天选时刻
func (d *Decoder) DecodeAnchor(roomID int64, msg *Message) (AnchorLottery, bool) {
	if msg == nil || msg.Cmd != CmdAnchorLotStart {
		return AnchorLottery{}, false
	}
	data, ok := msg.Data()
	if !ok {
		return AnchorLottery{}, false
	}

	name, ok := data.String("award_name")
	if !ok {
		return AnchorLottery{}, false
	}
	room, ok := data.Int("room_id")
	if !ok {
		room = roomID
	}
	price, _ := data.Int("gift_price")
	count, _ := data.Int("gift_num")

	return AnchorLottery{
		Name:   name,
		RoomID: room,
		Price:  price,
		Count:  count,
	}, true
}

// DecodeSignal 解码房间策略信号
func DecodeSignal(msg *Message) (Signal, bool) {
	if msg == nil {
		return Signal{}, false
	}

	switch msg.Cmd {
	case CmdNoticeMsg:
		msgType, ok := msg.Int("msg_type")
		if !ok {
			return Signal{}, false
		}
		realRoomID, _ := msg.Int("real_roomid")
		return Signal{Type: SignalNotice, MsgType: int(msgType), RealRoomID: realRoomID}, true

	case CmdPreparing:
		return Signal{Type: SignalPreparing}, true

	case CmdRoomChange:
		data, ok := msg.Data()
		if !ok {
			return Signal{}, false
		}
		area, ok := data.Int("parent_area_id")
		if !ok {
			return Signal{}, false
		}
		return Signal{Type: SignalRoomChange, AreaID: int(area)}, true
	}
	return Signal{}, false
}
