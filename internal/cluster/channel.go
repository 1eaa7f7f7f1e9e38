// Package cluster 实现主进程与各工作进程的协调
package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/protocol"
	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/metrics"
)

// ErrChannelClosed 通道已关闭（对端退出或读到 EOF）
var ErrChannelClosed = errors.New("channel closed")

// Channel 进程间的双向消息通道
//
// 写入串行化；读循环由 Serve 独占，应答按 ReplyTo 交给等待中的 Request。
type Channel struct {
	self string
	peer string
	r    io.Reader
	w    io.Writer

	wmu sync.Mutex
	seq atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *protocol.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// NewChannel 创建通道
func NewChannel(self, peer string, r io.Reader, w io.Writer) *Channel {
	return &Channel{
		self:    self,
		peer:    peer,
		r:       r,
		w:       w,
		pending: make(map[uint64]chan *protocol.Message),
		closed:  make(chan struct{}),
	}
}

// Done 通道关闭时关闭
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

func (c *Channel) write(cmd protocol.Command, replyTo uint64, data any) (uint64, error) {
	select {
	case <-c.closed:
		return 0, ErrChannelClosed
	default:
	}

	seq := c.seq.Add(1)
	frame, err := protocol.NewFrame(cmd, seq, &protocol.Envelope{From: c.self, To: c.peer, ReplyTo: replyTo}, data)
	if err != nil {
		return 0, err
	}

	c.wmu.Lock()
	err = protocol.WriteFrame(c.w, frame)
	c.wmu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("write %s to %s: %w", cmd, c.peer, err)
	}

	metrics.IPCMessages.WithLabelValues(cmd.String(), "out").Inc()
	return seq, nil
}

// Send 发送一条消息，data 可以为 nil
func (c *Channel) Send(cmd protocol.Command, data any) error {
	_, err := c.write(cmd, 0, data)
	return err
}

// Reply 应答一个请求
func (c *Channel) Reply(req *protocol.Message, cmd protocol.Command, data any) error {
	_, err := c.write(cmd, req.Seq, data)
	return err
}

// Request 发送请求并等待应答
func (c *Channel) Request(ctx context.Context, cmd protocol.Command, data any) (*protocol.Message, error) {
	ch := make(chan *protocol.Message, 1)

	// 先登记再发送，应答不会先于登记到达
	seq := c.seq.Add(1)
	c.mu.Lock()
	c.pending[seq] = ch
	c.mu.Unlock()

	frame, err := protocol.NewFrame(cmd, seq, &protocol.Envelope{From: c.self, To: c.peer}, data)
	if err == nil {
		c.wmu.Lock()
		err = protocol.WriteFrame(c.w, frame)
		c.wmu.Unlock()
	}

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err != nil {
		return nil, fmt.Errorf("write %s to %s: %w", cmd, c.peer, err)
	}
	metrics.IPCMessages.WithLabelValues(cmd.String(), "out").Inc()

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrChannelClosed
	}
}

// Serve 读循环，非应答消息交给 handle；对端关闭时返回 nil
func (c *Channel) Serve(handle func(msg *protocol.Message)) error {
	defer c.Close()

	for {
		frame, err := protocol.ReadFrame(c.r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("read from %s: %w", c.peer, err)
		}

		msg, err := protocol.ParseFrame(frame)
		if err != nil {
			logger.Warn("drop undecodable ipc frame", zap.String("peer", c.peer), zap.Error(err))
			continue
		}
		metrics.IPCMessages.WithLabelValues(msg.Cmd.String(), "in").Inc()

		if msg.ReplyTo != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ReplyTo]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
				}
				continue
			}
		}
		handle(msg)
	}
}

// Close 关闭通道，等待中的请求返回 ErrChannelClosed
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if closer, ok := c.w.(io.Closer); ok {
			_ = closer.Close()
		}
	})
}
