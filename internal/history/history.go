// Package history 提供抽奖事件去重缓存
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/pkg/config"
	"github.com/qiminjie89/roomwatch/pkg/logger"
	"github.com/qiminjie89/roomwatch/pkg/metrics"
)

// Option 可选参数
type Option func(*History)

// WithClock 替换时钟（测试使用）
func WithClock(now func() time.Time) Option {
	return func(h *History) { h.now = now }
}

type entry struct {
	ev       event.Event
	addedAt  time.Time
	deadline time.Time // max(expireAt, addedAt) + grace
}

// bucket 单个事件类型的缓存
//
// active 存放仍有效的事件，即将到期的事件在清理时移入 staging；
// staging 超过上限时才丢弃已过去重窗口的条目。
type bucket struct {
	window  config.KindWindow
	active  map[int64]entry
	staging map[int64]entry
}

// History 按事件类型分桶的去重缓存，并发安全
type History struct {
	stagingLimit int
	now          func() time.Time

	mu      sync.Mutex
	buckets map[event.Kind]*bucket
}

// New 创建去重缓存
func New(cfg config.HistoryConfig, opts ...Option) *History {
	h := &History{
		stagingLimit: cfg.StagingLimit,
		now:          time.Now,
		buckets:      make(map[event.Kind]*bucket, len(event.Kinds)),
	}
	for _, kind := range event.Kinds {
		h.buckets[kind] = &bucket{
			window:  cfg.Kinds[string(kind)],
			active:  make(map[int64]entry),
			staging: make(map[int64]entry),
		}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// bucketOf 未知类型按礼物处理
func (h *History) bucketOf(kind event.Kind) *bucket {
	if b, ok := h.buckets[kind]; ok {
		return b
	}
	return h.buckets[event.KindGift]
}

// IsUnique 事件 id 是否不在当前去重窗口内
func (h *History) IsUnique(kind event.Kind, ev event.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.bucketOf(kind)
	now := h.now()
	if e, ok := b.active[ev.ID]; ok && !now.After(e.deadline) {
		return false
	}
	if e, ok := b.staging[ev.ID]; ok && !now.After(e.deadline) {
		return false
	}
	return true
}

// Add 记录事件；同一 id 仍在窗口内时保持原记录
func (h *History) Add(ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addLocked(ev)
}

// CheckAndAdd 原子地检查并记录，返回事件是否首次出现
func (h *History) CheckAndAdd(ev event.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addLocked(ev)
}

func (h *History) addLocked(ev event.Event) bool {
	b := h.bucketOf(ev.Kind)
	now := h.now()

	for _, list := range []map[int64]entry{b.active, b.staging} {
		if e, ok := list[ev.ID]; ok && !now.After(e.deadline) {
			return false
		}
	}
	delete(b.staging, ev.ID)

	base := ev.ExpireAt
	if base.Before(now) {
		base = now
	}
	b.active[ev.ID] = entry{
		ev:       ev,
		addedAt:  now,
		deadline: base.Add(b.window.Grace),
	}
	h.reportLocked(ev.Kind, b)
	return true
}

// Sweep 将即将到期的事件移入 staging，staging 超限时清理过期条目
func (h *History) Sweep(kind event.Kind) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.buckets[kind]
	if !ok {
		return
	}
	now := h.now()
	horizon := now.Add(b.window.Grace)

	for id, e := range b.active {
		if e.ev.ExpireAt.Before(horizon) {
			b.staging[id] = e
			delete(b.active, id)
		}
	}

	if len(b.staging) > h.stagingLimit {
		dropped := 0
		for id, e := range b.staging {
			if now.After(e.deadline) {
				delete(b.staging, id)
				dropped++
			}
		}
		if dropped > 0 {
			logger.Debug("history staging pruned",
				zap.String("kind", string(kind)),
				zap.Int("dropped", dropped),
			)
		}
	}
	h.reportLocked(kind, b)
}

func (h *History) reportLocked(kind event.Kind, b *bucket) {
	metrics.HistoryEntries.WithLabelValues(string(kind), "active").Set(float64(len(b.active)))
	metrics.HistoryEntries.WithLabelValues(string(kind), "staging").Set(float64(len(b.staging)))
}

// Active 返回仍有效的事件，按到期时间排序
func (h *History) Active(kind event.Kind) []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.buckets[kind]
	if !ok {
		return nil
	}
	out := make([]event.Event, 0, len(b.active))
	for _, e := range b.active {
		out = append(out, e.ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpireAt.Equal(out[j].ExpireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpireAt.Before(out[j].ExpireAt)
	})
	return out
}

// Len 返回 active 与 staging 的条目数
func (h *History) Len(kind event.Kind) (active, staging int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.buckets[kind]
	if !ok {
		return 0, 0
	}
	return len(b.active), len(b.staging)
}

// Run 按各类型的清理间隔定期执行 Sweep，直到 ctx 取消
func (h *History) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, kind := range event.Kinds {
		interval := h.buckets[kind].window.SweepInterval
		if interval <= 0 {
			continue
		}

		wg.Add(1)
		go func(kind event.Kind, interval time.Duration) {
			defer wg.Done()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					h.Sweep(kind)
				}
			}
		}(kind, interval)
	}
	wg.Wait()
}
