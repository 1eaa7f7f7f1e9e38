package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// 推送消息 cmd
const (
	CmdRaffleStart       = "RAFFLE_START"
	CmdTVStart           = "TV_START"
	CmdGuardLotteryStart = "GUARD_LOTTERY_START"
	CmdPKLotteryStart    = "PK_LOTTERY_START"
	CmdSpecialGift       = "SPECIAL_GIFT"
	CmdAnchorLotStart    = "ANCHOR_LOT_START"
	CmdNoticeMsg         = "NOTICE_MSG"
	CmdPreparing         = "PREPARING"
	CmdRoomChange        = "ROOM_CHANGE"
)

var ErrEmptyMessage = errors.New("empty message")

// Message 已解析的通知消息
//
// 顶层字段保留为原始 JSON，按 cmd 延迟解析；scene_key 外层信封在 ParseMessage 中展开。
type Message struct {
	Cmd    string
	Fields map[string]json.RawMessage
}

// ParseMessage 解析通知帧的 JSON 内容
func ParseMessage(body []byte) (*Message, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, ErrEmptyMessage
	}

	fields, err := parseObject(body)
	if err != nil {
		return nil, err
	}

	// {"scene_key": ..., "msg": {...}}
	if _, ok := fields["scene_key"]; ok {
		if inner, ok := fields["msg"]; ok {
			if fields, err = parseObject(inner); err != nil {
				return nil, fmt.Errorf("scene envelope: %w", err)
			}
		}
	}

	msg := &Message{Fields: fields}
	if raw, ok := fields["cmd"]; ok {
		_ = json.Unmarshal(raw, &msg.Cmd)
	}
	return msg, nil
}

func parseObject(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, ErrEmptyMessage
	}
	return fields, nil
}

// Data 返回 data 字段的对象视图
func (m *Message) Data() (Object, bool) {
	return m.Object("data")
}

// Object 返回顶层字段的对象视图
func (m *Message) Object(key string) (Object, bool) {
	if m == nil {
		return nil, false
	}
	return objectOf(m.Fields[key])
}

// Int 读取顶层整数字段
func (m *Message) Int(key string) (int64, bool) {
	if m == nil {
		return 0, false
	}
	return intOf(m.Fields[key])
}

// Object JSON 对象的惰性视图
type Object map[string]json.RawMessage

func objectOf(raw json.RawMessage) (Object, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// Object 返回嵌套对象
func (o Object) Object(key string) (Object, bool) {
	return objectOf(o[key])
}

// Int 读取整数，接受数字或数字字符串
func (o Object) Int(key string) (int64, bool) {
	return intOf(o[key])
}

// String 读取字符串，数字按文本返回
func (o Object) String(key string) (string, bool) {
	raw := o[key]
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func intOf(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n = json.Number(s)
	}

	if v, err := n.Int64(); err == nil {
		return v, true
	}
	if f, err := strconv.ParseFloat(n.String(), 64); err == nil {
		return int64(f), true
	}
	return 0, false
}
