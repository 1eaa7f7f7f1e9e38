// Package protocol 定义主进程与工作进程之间的管道协议
package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

/*
管道消息帧格式（工作进程的 stdin/stdout）：
+----------+----------+----------+------------------+
|  Command |   Seq    |  Length  |     Payload      |
|  4 bytes |  8 bytes |  4 bytes |   变长 (msgpack)  |
+----------+----------+----------+------------------+
*/

const (
	HeaderSize    = 16      // 4 + 8 + 4
	MaxPayloadLen = 8 << 20 // 8MB，房间列表可能较大
)

var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidFrame    = errors.New("invalid frame")
)

// Frame 一个消息帧
type Frame struct {
	MsgType uint32
	Seq     uint64
	Payload []byte
}

// EncodeFrame 编码消息帧
func EncodeFrame(f *Frame) []byte {
	payloadLen := len(f.Payload)
	buf := make([]byte, HeaderSize+payloadLen)

	binary.BigEndian.PutUint32(buf[0:4], f.MsgType)
	binary.BigEndian.PutUint64(buf[4:12], f.Seq)
	binary.BigEndian.PutUint32(buf[12:16], uint32(payloadLen))
	copy(buf[HeaderSize:], f.Payload)

	return buf
}

// DecodeFrame 从完整的字节切片解码
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, ErrInvalidFrame
	}

	payloadLen := binary.BigEndian.Uint32(data[12:16])
	if payloadLen > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	if len(data) != HeaderSize+int(payloadLen) {
		return nil, ErrInvalidFrame
	}

	f := &Frame{
		MsgType: binary.BigEndian.Uint32(data[0:4]),
		Seq:     binary.BigEndian.Uint64(data[4:12]),
	}
	if payloadLen > 0 {
		f.Payload = append([]byte(nil), data[HeaderSize:]...)
	}
	return f, nil
}

// ReadFrame 从流中读取一帧，流结束时返回 io.EOF
func ReadFrame(r io.Reader) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	payloadLen := binary.BigEndian.Uint32(header[12:16])
	if payloadLen > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}

	f := &Frame{
		MsgType: binary.BigEndian.Uint32(header[0:4]),
		Seq:     binary.BigEndian.Uint64(header[4:12]),
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return f, nil
}

// WriteFrame 写入一帧，调用方负责串行化
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayloadLen {
		return ErrPayloadTooLarge
	}
	_, err := w.Write(EncodeFrame(f))
	return err
}
