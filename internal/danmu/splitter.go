package danmu

import (
	"encoding/binary"
	"fmt"
)

// Splitter 将 TCP 字节流切分为完整帧
//
// 不完整的帧保留在缓冲区，等待后续数据。返回错误后需 Reset 才能继续使用。
type Splitter struct {
	maxLength int
	buf       []byte
	expected  int // 下一帧的声明长度，-1 表示未知
}

// NewSplitter 创建切分器，maxLength 为允许的最大帧长度
func NewSplitter(maxLength int) *Splitter {
	return &Splitter{
		maxLength: maxLength,
		expected:  -1,
	}
}

// Feed 追加数据并返回其中所有完整帧（每帧为独立拷贝）
func (s *Splitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf = append(s.buf, chunk...)

	var frames [][]byte
	for {
		if s.expected < 0 {
			if len(s.buf) < 4 {
				break
			}
			length := int(binary.BigEndian.Uint32(s.buf[0:4]))
			if s.maxLength > 0 && length > s.maxLength {
				return frames, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
			}
			if length < HeaderLength {
				return frames, fmt.Errorf("%w: declared length %d", ErrInvalidPacket, length)
			}
			s.expected = length
		}

		if len(s.buf) < s.expected {
			break
		}

		frame := make([]byte, s.expected)
		copy(frame, s.buf[:s.expected])
		frames = append(frames, frame)

		s.buf = s.buf[s.expected:]
		s.expected = -1
	}

	if len(s.buf) == 0 {
		s.buf = nil
	}
	return frames, nil
}

// Buffered 返回缓冲区中尚未成帧的字节数
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

// Reset 清空缓冲区
func (s *Splitter) Reset() {
	s.buf = nil
	s.expected = -1
}
