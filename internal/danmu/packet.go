// Package danmu 实现直播间推送协议的连接引擎
package danmu

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

/*
推送协议帧格式（大端序）：
+-------------+--------------+---------+-----------+----------+------------+
| TotalLength | HeaderLength | Version | Operation | Sequence |    Body    |
|   4 bytes   |   2 bytes    | 2 bytes |  4 bytes  |  4 bytes |  变长       |
+-------------+--------------+---------+-----------+----------+------------+
*/

const (
	HeaderLength    = 16
	ProtocolVersion = 1
	Sequence        = 1
)

// 操作码
const (
	OpHeartbeat      uint32 = 2 // 客户端心跳
	OpHeartbeatReply uint32 = 3 // 心跳回复，body 为 u32 人气值
	OpNotification   uint32 = 5 // 通知，body 为 UTF-8 JSON
	OpHandshake      uint32 = 7 // 进房握手
	OpHandshakeAck   uint32 = 8 // 握手确认
)

var (
	ErrInvalidPacket = errors.New("invalid packet")
	ErrFrameTooLarge = errors.New("frame too large")
)

// Header 帧头
type Header struct {
	TotalLength  uint32
	HeaderLength uint16
	Version      uint16
	Operation    uint32
	Sequence     uint32
}

// Packet 完整的协议帧
type Packet struct {
	Header
	Body []byte
}

// EncodePacket 编码一帧
func EncodePacket(op uint32, body []byte) []byte {
	buf := make([]byte, HeaderLength+len(body))

	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint16(buf[4:6], HeaderLength)
	binary.BigEndian.PutUint16(buf[6:8], ProtocolVersion)
	binary.BigEndian.PutUint32(buf[8:12], op)
	binary.BigEndian.PutUint32(buf[12:16], Sequence)
	copy(buf[HeaderLength:], body)

	return buf
}

// DecodePacket 解码一帧，data 必须恰好包含一个完整帧
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderLength {
		return nil, ErrInvalidPacket
	}

	h := Header{
		TotalLength:  binary.BigEndian.Uint32(data[0:4]),
		HeaderLength: binary.BigEndian.Uint16(data[4:6]),
		Version:      binary.BigEndian.Uint16(data[6:8]),
		Operation:    binary.BigEndian.Uint32(data[8:12]),
		Sequence:     binary.BigEndian.Uint32(data[12:16]),
	}

	if int(h.TotalLength) != len(data) {
		return nil, fmt.Errorf("%w: declared %d, got %d bytes", ErrInvalidPacket, h.TotalLength, len(data))
	}
	if h.HeaderLength < HeaderLength || uint32(h.HeaderLength) > h.TotalLength {
		return nil, fmt.Errorf("%w: header length %d", ErrInvalidPacket, h.HeaderLength)
	}

	return &Packet{
		Header: h,
		Body:   data[h.HeaderLength:],
	}, nil
}

// Popularity 读取 body 中的人气值
func (p *Packet) Popularity() (uint32, bool) {
	if len(p.Body) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(p.Body), true
}

type handshake struct {
	RoomID    int64  `json:"roomid"`
	UID       int64  `json:"uid,omitempty"`
	Platform  string `json:"platform"`
	ClientVer string `json:"clientver"`
}

// HandshakeBody 构造握手 JSON，uid 为 0 时省略
func HandshakeBody(roomID, uid int64, clientVer string) []byte {
	body, _ := json.Marshal(handshake{
		RoomID:    roomID,
		UID:       uid,
		Platform:  "web",
		ClientVer: clientVer,
	})
	return body
}

// HandshakePacket 构造握手帧
func HandshakePacket(roomID, uid int64, clientVer string) []byte {
	return EncodePacket(OpHandshake, HandshakeBody(roomID, uid, clientVer))
}

// HeartbeatPacket 心跳帧（空 body）
var HeartbeatPacket = EncodePacket(OpHeartbeat, nil)

func opName(op uint32) string {
	switch op {
	case OpHeartbeat:
		return "heartbeat"
	case OpHeartbeatReply:
		return "heartbeat_reply"
	case OpNotification:
		return "notification"
	case OpHandshake:
		return "handshake"
	case OpHandshakeAck:
		return "handshake_ack"
	}
	return "unknown"
}
