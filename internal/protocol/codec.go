package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode 使用 msgpack 编码
func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode 使用 msgpack 解码
func Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// NewFrame 将命令与数据打包为帧
func NewFrame(cmd Command, seq uint64, env *Envelope, data any) (*Frame, error) {
	if data != nil {
		raw, err := Encode(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", cmd, err)
		}
		env.Data = raw
	}

	payload, err := Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", cmd, err)
	}
	return &Frame{MsgType: uint32(cmd), Seq: seq, Payload: payload}, nil
}

// ParseFrame 解出帧中的命令与信封
func ParseFrame(f *Frame) (*Message, error) {
	msg := &Message{Cmd: Command(f.MsgType), Seq: f.Seq}
	if len(f.Payload) == 0 {
		return msg, nil
	}
	if err := Decode(f.Payload, &msg.Envelope); err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", msg.Cmd, err)
	}
	return msg, nil
}
