package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"YieldHarvester-Agent/internal/web3"
)

// Store 保存每个策略最近一次已知的状态。它既是链上读取失败时的兜底，
// 也是判断 APR 是否变化的依据。
type Store interface {
	Get(ctx context.Context, id uint64) (web3.Strategy, bool)
	Put(ctx context.Context, strategy web3.Strategy) error
	All(ctx context.Context) []web3.Strategy
}

// MemoryStore 是进程内的快照缓存，可被状态 API 并发读取。
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[uint64]web3.Strategy
	updatedAt map[uint64]time.Time
}

// NewMemoryStore 创建空缓存。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:     make(map[uint64]web3.Strategy),
		updatedAt: make(map[uint64]time.Time),
	}
}

// Get 返回快照副本。
func (s *MemoryStore) Get(_ context.Context, id uint64) (web3.Strategy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return web3.Strategy{}, false
	}
	return item.Clone(), true
}

// Put 写入快照副本。
func (s *MemoryStore) Put(_ context.Context, strategy web3.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[strategy.ID] = strategy.Clone()
	s.updatedAt[strategy.ID] = time.Now().UTC()
	return nil
}

// All 按策略 ID 升序返回全部快照。
func (s *MemoryStore) All(_ context.Context) []web3.Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]web3.Strategy, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, item.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdatedAt 返回快照最近一次写入时间。
func (s *MemoryStore) UpdatedAt(id uint64) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.updatedAt[id]
	return ts, ok
}
