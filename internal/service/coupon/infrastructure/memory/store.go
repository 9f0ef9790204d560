// Package memory 提供快速通道存储和关系库仓储的内存实现，
// 语义与 Redis / MySQL 实现一致，用于确定性测试和本地调试。
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"nexus-coupon/internal/service/coupon/domain"
)

type statusEntry struct {
	status    domain.IssuanceStatus
	expiresAt time.Time
}

// Store 是 port.AdmissionStore 的内存实现。所有操作在同一把锁下完成，因此天然原子。
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	counters map[int64]int64
	members  map[int64]map[int64]struct{}
	queues   map[int64][]domain.QueueEntry
	statuses map[[2]int64]statusEntry
}

// NewStore 创建一个空的内存存储
func NewStore() *Store {
	return &Store{
		now:      time.Now,
		counters: make(map[int64]int64),
		members:  make(map[int64]map[int64]struct{}),
		queues:   make(map[int64][]domain.QueueEntry),
		statuses: make(map[[2]int64]statusEntry),
	}
}

// WithClock 替换时钟，用于测试状态过期
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Reserve(_ context.Context, campaignID, ceiling int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters[campaignID] >= ceiling {
		return false, nil
	}
	s.counters[campaignID]++
	return true, nil
}

func (s *Store) Release(_ context.Context, campaignID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters[campaignID] > 0 {
		s.counters[campaignID]--
	}
	return nil
}

func (s *Store) CounterValue(_ context.Context, campaignID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[campaignID], nil
}

func (s *Store) RaiseCounter(_ context.Context, campaignID, floor int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters[campaignID] < floor {
		s.counters[campaignID] = floor
	}
	return s.counters[campaignID], nil
}

func (s *Store) TestAndAdd(_ context.Context, campaignID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[campaignID]
	if !ok {
		set = make(map[int64]struct{})
		s.members[campaignID] = set
	}
	if _, exists := set[userID]; exists {
		return false, nil
	}
	set[userID] = struct{}{}
	return true, nil
}

func (s *Store) Forget(_ context.Context, campaignID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[campaignID], userID)
	return nil
}

// IsMember 仅供测试观察去重集合
func (s *Store) IsMember(campaignID, userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[campaignID][userID]
	return ok
}

func (s *Store) Enqueue(_ context.Context, entry domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[entry.CampaignID]
	// 与 ZADD 一致: 同一成员再次加入只更新分数
	for i := range q {
		if q[i].UserID == entry.UserID {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	q = append(q, entry)
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].AdmittedAt != q[j].AdmittedAt {
			return q[i].AdmittedAt < q[j].AdmittedAt
		}
		return q[i].UserID < q[j].UserID
	})
	s.queues[entry.CampaignID] = q
	return nil
}

func (s *Store) QueueLength(_ context.Context, campaignID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[campaignID])), nil
}

func (s *Store) PopBatch(_ context.Context, campaignID int64, n int) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[campaignID]
	if n > len(q) {
		n = len(q)
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]domain.QueueEntry, n)
	copy(out, q[:n])
	s.queues[campaignID] = q[n:]
	return out, nil
}

func (s *Store) SetStatus(_ context.Context, campaignID, userID int64, status domain.IssuanceStatus, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[[2]int64{campaignID, userID}] = statusEntry{status: status, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *Store) SetStatuses(_ context.Context, campaignID int64, statuses map[int64]domain.IssuanceStatus, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt := s.now().Add(ttl)
	for userID, status := range statuses {
		s.statuses[[2]int64{campaignID, userID}] = statusEntry{status: status, expiresAt: expiresAt}
	}
	return nil
}

func (s *Store) GetStatus(_ context.Context, campaignID, userID int64) (domain.IssuanceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{campaignID, userID}
	e, ok := s.statuses[key]
	if !ok {
		return "", domain.ErrStatusNotFound
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.statuses, key)
		return "", domain.ErrStatusNotFound
	}
	return e.status, nil
}

func (s *Store) Reset(_ context.Context, campaignID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, campaignID)
	delete(s.members, campaignID)
	delete(s.queues, campaignID)
	return nil
}
