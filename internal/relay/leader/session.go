package leader

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrLeadershipLost = errors.New("leader: leadership lost")
	ErrReleased       = errors.New("leader: leadership released")
)

// Session 一次任期。需要判断 leader 身份的组件都拿它，不读全局状态
type Session struct {
	instanceID string
	interval   time.Duration
	timeout    time.Duration
	cancel     context.CancelFunc

	done    chan struct{}
	stopped chan struct{} // 心跳协程退出
	once    sync.Once

	mu     sync.RWMutex
	lastOK time.Time
	err    error
}

func newSession(instanceID string, at time.Time, interval, timeout time.Duration, cancel context.CancelFunc) *Session {
	return &Session{
		instanceID: instanceID,
		interval:   interval,
		timeout:    timeout,
		cancel:     cancel,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		lastOK:     at,
	}
}

func (s *Session) InstanceID() string { return s.instanceID }

// Done 任期结束时关闭
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Deadline 最后一次成功续期 + timeout - interval，过了这个点别人可能已经接管
func (s *Session) Deadline() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastOK.Add(s.timeout - s.interval)
}

func (s *Session) IsLeader(now time.Time) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	return !now.After(s.Deadline())
}

func (s *Session) renewed(at time.Time) {
	s.mu.Lock()
	if at.After(s.lastOK) {
		s.lastOK = at
	}
	s.mu.Unlock()
}

func (s *Session) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
	})
}
