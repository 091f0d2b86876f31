package leader

import (
	"context"
	"sync"
	"time"

	"pricerelay.com/internal/relay/domain"
)

// Store 全局唯一一行 LeaderRecord 的条件写。实现必须是原子的 compare-and-set
type Store interface {
	// TryAcquire 记录不存在、属于自己或已过期时写入自己的心跳并返回 true
	TryAcquire(ctx context.Context, instanceID string, now time.Time, timeout time.Duration) (bool, error)
	// Release 仍归自己时把心跳置为过期，别人可以立即接管
	Release(ctx context.Context, instanceID string) error
	Get(ctx context.Context) (domain.LeaderRecord, bool, error)
}

// MemStore 单进程用，也是测试的参照实现
type MemStore struct {
	mu  sync.Mutex
	rec *domain.LeaderRecord
}

func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) TryAcquire(_ context.Context, instanceID string, now time.Time, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec != nil && !s.rec.AcquirableBy(instanceID, now, timeout) {
		return false, nil
	}
	s.rec = &domain.LeaderRecord{ID: domain.LeaderRecordID, InstanceID: instanceID, HeartbeatAt: now}
	return true, nil
}

func (s *MemStore) Release(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec != nil && s.rec.InstanceID == instanceID {
		s.rec.HeartbeatAt = time.Time{}
	}
	return nil
}

func (s *MemStore) Get(_ context.Context) (domain.LeaderRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return domain.LeaderRecord{}, false, nil
	}
	return *s.rec, true, nil
}

var _ Store = (*MemStore)(nil)
