package cluster

import (
	"context"

	"go.uber.org/zap"

	"github.com/qiminjie89/roomwatch/internal/event"
	"github.com/qiminjie89/roomwatch/internal/platform"
	"github.com/qiminjie89/roomwatch/pkg/logger"
)

// Directory 主进程使用的平台接口
type Directory interface {
	AllLiveRooms(ctx context.Context, area int) ([]int64, error)
	FixedCandidateRooms(ctx context.Context) ([]int64, error)
	GiftConfig(ctx context.Context) (*platform.GiftConfig, error)
	CheckLottery(ctx context.Context, roomID int64, names *platform.GiftConfig) ([]event.Event, error)
}

// FixedStore 固定房间持久化
type FixedStore interface {
	Record(roomID int64)
	MarkFixed(roomID int64)
	FixedRooms() []int64
}

// Collector 汇总候选房间
type Collector struct {
	dir   Directory
	store FixedStore
}

// NewCollector 创建收集器，store 可以为 nil
func NewCollector(dir Directory, store FixedStore) *Collector {
	return &Collector{dir: dir, store: store}
}

// DynamicRooms 全站正在直播的房间，失败时返回空列表
func (c *Collector) DynamicRooms(ctx context.Context) []int64 {
	rooms, err := c.dir.AllLiveRooms(ctx, 0)
	if err != nil {
		logger.Warn("collect dynamic rooms failed", zap.Error(err))
		return nil
	}
	return rooms
}

// FixedRooms 持久化记录与榜单房间的并集，失败的来源按空处理
func (c *Collector) FixedRooms(ctx context.Context) []int64 {
	var lists [][]int64
	if c.store != nil {
		lists = append(lists, c.store.FixedRooms())
	}

	ranked, err := c.dir.FixedCandidateRooms(ctx)
	if err != nil {
		logger.Warn("collect fixed candidates failed", zap.Error(err))
	}
	lists = append(lists, ranked)

	return union(lists...)
}

// union 去重合并，保持首次出现的顺序
func union(lists ...[]int64) []int64 {
	var out []int64
	seen := make(map[int64]struct{})
	for _, list := range lists {
		for _, id := range list {
			if _, ok := seen[id]; ok || id <= 0 {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
