// Package transport 向下游 WebSocket 订阅者广播抽奖事件
package transport

import (
	"encoding/json"

	"github.com/qiminjie89/roomwatch/internal/event"
)

// Format 订阅者的消息格式
type Format int

const (
	FormatNative Format = iota // event.Event 的 JSON
	FormatBilive               // bilive 客户端兼容格式
)

func (f Format) String() string {
	if f == FormatBilive {
		return "bilive"
	}
	return "native"
}

// BiliveMessage bilive 客户端识别的消息
type BiliveMessage struct {
	Cmd    string `json:"cmd"`
	ID     int64  `json:"id"`
	RoomID int64  `json:"roomID"`
	Title  string `json:"title"`
	Type   string `json:"type"`
}

// biliveCmd 事件类型到 bilive 命令
func biliveCmd(kind event.Kind) string {
	switch kind {
	case event.KindStorm:
		return "beatStorm"
	case event.KindGuard:
		return "lottery"
	case event.KindPK:
		return "pklottery"
	}
	return "raffle"
}

// Encode 按格式编码事件
func Encode(f Format, ev event.Event) ([]byte, error) {
	if f == FormatBilive {
		return json.Marshal(BiliveMessage{
			Cmd:    biliveCmd(ev.Kind),
			ID:     ev.ID,
			RoomID: ev.RoomID,
			Title:  ev.Name,
			Type:   ev.Type,
		})
	}
	return json.Marshal(ev)
}
