package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/qiminjie89/roomwatch/internal/event"
)

// Command 管道命令
type Command uint32

// 主进程 → 工作进程
const (
	CmdUpdateRooms Command = 0x0001 // 分配房间
	CmdGetRooms    Command = 0x0002 // 查询已监听的房间
	CmdClose       Command = 0x0003 // 关闭工作进程
)

// 工作进程 → 主进程
const (
	CmdReady            Command = 0x1001 // 工作进程就绪
	CmdEstablishedRooms Command = 0x1002 // CmdGetRooms 的应答
	CmdGuard            Command = 0x1010 // 舰队抽奖
	CmdGift             Command = 0x1011 // 礼物抽奖
	CmdPK               Command = 0x1012 // 大乱斗抽奖
	CmdStorm            Command = 0x1013 // 节奏风暴
	CmdAddFixed         Command = 0x1020 // 提升为固定房间
	CmdRecordRoom       Command = 0x1021 // 记录出现舰队的房间
	CmdRoomHint         Command = 0x1022 // 全区广播中的抽奖房间
)

var commandNames = map[Command]string{
	CmdUpdateRooms:      "update_rooms",
	CmdGetRooms:         "get_rooms",
	CmdClose:            "close",
	CmdReady:            "ready",
	CmdEstablishedRooms: "established_rooms",
	CmdGuard:            "guard",
	CmdGift:             "gift",
	CmdPK:               "pk",
	CmdStorm:            "storm",
	CmdAddFixed:         "add_fixed",
	CmdRecordRoom:       "record_room",
	CmdRoomHint:         "room_hint",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cmd(0x%04x)", uint32(c))
}

// EventCommand 事件类型对应的命令
func EventCommand(kind event.Kind) (Command, bool) {
	switch kind {
	case event.KindGuard:
		return CmdGuard, true
	case event.KindGift:
		return CmdGift, true
	case event.KindPK:
		return CmdPK, true
	case event.KindStorm:
		return CmdStorm, true
	}
	return 0, false
}

// EventKind 命令对应的事件类型
func (c Command) EventKind() (event.Kind, bool) {
	switch c {
	case CmdGuard:
		return event.KindGuard, true
	case CmdGift:
		return event.KindGift, true
	case CmdPK:
		return event.KindPK, true
	case CmdStorm:
		return event.KindStorm, true
	}
	return "", false
}

// Envelope 帧载荷
type Envelope struct {
	From    string             `msgpack:"from"`
	To      string             `msgpack:"to"`
	ReplyTo uint64             `msgpack:"reply_to,omitempty"` // 应答对应的请求序号
	Data    msgpack.RawMessage `msgpack:"data,omitempty"`
}

// Message 解码后的帧
type Message struct {
	Cmd Command
	Seq uint64
	Envelope
}

// Bind 解码数据部分
func (m *Message) Bind(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty data", m.Cmd)
	}
	return Decode(m.Data, v)
}

// Rooms 房间列表，用于 update_rooms 与 established_rooms
type Rooms struct {
	Rooms []int64 `msgpack:"rooms"`
}

// Room 单个房间，用于 add_fixed、record_room、room_hint
type Room struct {
	RoomID int64 `msgpack:"room_id"`
}

// Ready 工作进程启动信息
type Ready struct {
	Role    string `msgpack:"role"`
	PID     int    `msgpack:"pid"`
	Session string `msgpack:"session"`
}
