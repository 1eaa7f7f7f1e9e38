package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/qiminjie89/roomwatch/internal/protocol"
)

// ErrNotReady 工作进程在超时前没有上报 ready
var ErrNotReady = errors.New("worker not ready")

// ReadyState 单次启动的就绪状态
type ReadyState struct {
	startTime time.Time
	timeout   time.Duration
	done      chan struct{}
	doneOnce  sync.Once

	mu   sync.Mutex
	info protocol.Ready
}

// NewReadyState 创建就绪状态
func NewReadyState(timeout time.Duration) *ReadyState {
	return &ReadyState{
		startTime: time.Now(),
		timeout:   timeout,
		done:      make(chan struct{}),
	}
}

// MarkReady 收到 ready，重复调用只记录第一次
func (r *ReadyState) MarkReady(info protocol.Ready) {
	r.doneOnce.Do(func() {
		r.mu.Lock()
		r.info = info
		r.mu.Unlock()
		close(r.done)
	})
}

// IsReady 是否已就绪
func (r *ReadyState) IsReady() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Info 工作进程上报的信息
func (r *ReadyState) Info() protocol.Ready {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// Wait 等待就绪，超时返回 ErrNotReady
func (r *ReadyState) Wait(ctx context.Context) error {
	timer := time.NewTimer(r.timeout - time.Since(r.startTime))
	defer timer.Stop()

	select {
	case <-r.done:
		return nil
	case <-timer.C:
		return ErrNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Duration 从启动到现在的时间
func (r *ReadyState) Duration() time.Duration {
	return time.Since(r.startTime)
}
