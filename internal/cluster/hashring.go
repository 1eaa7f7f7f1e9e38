package cluster

import (
	"hash/crc32"
	"sort"
	"strconv"
	"sync"
)

// HashRing 一致性哈希环，将动态房间分配到各个动态分片
type HashRing struct {
	virtualNodes int
	ring         []uint32          // 排序的哈希值
	nodes        map[uint32]string // 哈希值 → 分片角色
	mu           sync.RWMutex
}

// NewHashRing 创建哈希环
func NewHashRing(virtualNodes int) *HashRing {
	if virtualNodes <= 0 {
		virtualNodes = 1
	}
	return &HashRing{
		virtualNodes: virtualNodes,
		nodes:        make(map[uint32]string),
	}
}

// AddNode 添加分片
func (h *HashRing) AddNode(node string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.virtualNodes; i++ {
		hash := hashKey(node + "#" + strconv.Itoa(i))
		if _, ok := h.nodes[hash]; ok {
			continue
		}
		h.ring = append(h.ring, hash)
		h.nodes[hash] = node
	}

	sort.Slice(h.ring, func(i, j int) bool {
		return h.ring[i] < h.ring[j]
	})
}

// Node 负责该房间的分片，环为空时返回空串
func (h *HashRing) Node(roomID int64) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nodeLocked(roomID)
}

func (h *HashRing) nodeLocked(roomID int64) string {
	if len(h.ring) == 0 {
		return ""
	}

	hash := hashKey(strconv.FormatInt(roomID, 10))
	idx := sort.Search(len(h.ring), func(i int) bool {
		return h.ring[i] >= hash
	})
	if idx >= len(h.ring) {
		idx = 0
	}
	return h.nodes[h.ring[idx]]
}

// Split 将房间按分片分组，保持输入顺序
func (h *HashRing) Split(rooms []int64) map[string][]int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string][]int64)
	for _, id := range rooms {
		if node := h.nodeLocked(id); node != "" {
			out[node] = append(out[node], id)
		}
	}
	return out
}

func hashKey(key string) uint32 {
	return crc32.ChecksumIEEE([]byte(key))
}
