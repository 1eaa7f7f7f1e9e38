// Package store 持久化房间记录（出现舰队的次数、是否固定监听）
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/qiminjie89/roomwatch/pkg/config"
	"github.com/qiminjie89/roomwatch/pkg/logger"
)

// Record 单个房间的记录
type Record struct {
	Guard     int       `yaml:"guard"`
	Fixed     bool      `yaml:"fixed,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Store 基于 YAML 文件的房间记录
//
// 修改只在内存中进行，由 Flush 或 Run 周期性写回文件。
type Store struct {
	cfg config.StoreConfig
	now func() time.Time

	mu      sync.Mutex
	records map[int64]*Record
	dirty   bool
}

// Option 可选参数
type Option func(*Store)

// WithClock 替换时钟（测试使用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open 加载记录文件，文件不存在时从空记录开始
func Open(cfg config.StoreConfig, opts ...Option) (*Store, error) {
	s := &Store{
		cfg:     cfg,
		now:     time.Now,
		records: make(map[int64]*Record),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("parse store %s: %w", cfg.Path, err)
	}
	if s.records == nil {
		s.records = make(map[int64]*Record)
	}
	return s, nil
}

func (s *Store) get(roomID int64) *Record {
	r, ok := s.records[roomID]
	if !ok {
		r = &Record{}
		s.records[roomID] = r
	}
	return r
}

// Record 房间出现一次舰队抽奖
func (s *Store) Record(roomID int64) {
	if roomID <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.get(roomID)
	r.Guard++
	r.UpdatedAt = s.now()
	s.dirty = true
}

// MarkFixed 标记为固定监听
func (s *Store) MarkFixed(roomID int64) {
	if roomID <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.get(roomID)
	if r.Fixed {
		return
	}
	r.Fixed = true
	r.UpdatedAt = s.now()
	s.dirty = true
}

// Get 返回记录副本
func (s *Store) Get(roomID int64) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[roomID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// FixedRooms 已固定或舰队次数达到阈值的房间
func (s *Store) FixedRooms() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rooms []int64
	for id, r := range s.records {
		if r.Fixed || r.Guard >= s.cfg.GuardThreshold {
			rooms = append(rooms, id)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// Flush 有修改时写回文件（先写临时文件再改名）
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	data, err := yaml.Marshal(s.records)
	s.dirty = false
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	if dir := filepath.Dir(s.cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.markDirty()
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	tmp := s.cfg.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.markDirty()
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.Path); err != nil {
		s.markDirty()
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

func (s *Store) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Run 周期性写回，ctx 取消时最后写一次
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				logger.Error("flush store failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				logger.Warn("flush store failed", zap.Error(err))
			}
		}
	}
}
