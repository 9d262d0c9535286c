// Package storage 提供运行上下文的持久化实现：内存、PostgreSQL 与 Redis。
// 三种实现都满足 domain.RunRepository，读写时复制运行，调用方拿到的对象互不共享。
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oriys/triage/internal/domain"
)

// MemoryStore 进程内运行存储，用于开发环境与测试
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*domain.RunContext
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*domain.RunContext)}
}

// Ping 内存存储始终可用
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close 无需释放资源
func (s *MemoryStore) Close() error { return nil }

// CreateRun 保存新运行，ID 已存在时返回 ErrRunExists
func (s *MemoryStore) CreateRun(_ context.Context, run *domain.RunContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("%w: %s", domain.ErrRunExists, run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun 按 ID 读取运行
func (s *MemoryStore) GetRun(_ context.Context, id string) (*domain.RunContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return run.Clone(), nil
}

// UpdateRun 覆盖已有运行
func (s *MemoryStore) UpdateRun(_ context.Context, run *domain.RunContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return domain.ErrRunNotFound
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// ListRuns 按创建时间倒序列出运行，返回当前页和总数
func (s *MemoryStore) ListRuns(_ context.Context, filter domain.RunFilter) ([]*domain.RunContext, int, error) {
	s.mu.RLock()
	matched := make([]*domain.RunContext, 0, len(s.runs))
	for _, run := range s.runs {
		if matchesFilter(run, filter) {
			matched = append(matched, run)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	page := paginate(matched, filter.Offset, filter.Limit)
	out := make([]*domain.RunContext, len(page))
	for i, run := range page {
		out[i] = run.Clone()
	}
	return out, total, nil
}

// ListResumableRuns 按更新时间正序返回非终态运行，最早停滞的先恢复
func (s *MemoryStore) ListResumableRuns(_ context.Context, limit int) ([]*domain.RunContext, error) {
	s.mu.RLock()
	var active []*domain.RunContext
	for _, run := range s.runs {
		if !run.IsTerminal() {
			active = append(active, run)
		}
	}
	s.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool { return active[i].UpdatedAt.Before(active[j].UpdatedAt) })
	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}
	out := make([]*domain.RunContext, len(active))
	for i, run := range active {
		out[i] = run.Clone()
	}
	return out, nil
}

// matchesFilter 检查运行是否满足过滤条件
func matchesFilter(run *domain.RunContext, filter domain.RunFilter) bool {
	if filter.State != "" && run.State != filter.State {
		return false
	}
	if filter.AwaitingBefore != nil {
		if run.AwaitingSince == nil || !run.AwaitingSince.Before(*filter.AwaitingBefore) {
			return false
		}
	}
	return true
}

// paginate 截取分页区间，limit <= 0 表示不限制
func paginate(runs []*domain.RunContext, offset, limit int) []*domain.RunContext {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(runs) {
		return nil
	}
	runs = runs[offset:]
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}
