package leader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"pricerelay.com/internal/relay/relaymetrics"
	"pricerelay.com/pkg/logger"
	"pricerelay.com/pkg/safe"
)

type Config struct {
	InstanceID        string        `mapstructure:"instance_id"`
	Backend           string        `mapstructure:"backend"` // sql | redis | etcd | memory
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LeaderTimeout     time.Duration `mapstructure:"leader_timeout"`
	RedisKey          string        `mapstructure:"redis_key"`
	EtcdKey           string        `mapstructure:"etcd_key"`
	EtcdEndpoints     []string      `mapstructure:"etcd_endpoints"`
}

func DefaultConfig() Config {
	return Config{
		Backend:           "sql",
		HeartbeatInterval: 5 * time.Second,
		LeaderTimeout:     30 * time.Second,
	}
}

var ErrBadTiming = errors.New("leader: leader_timeout must be at least 2x heartbeat_interval")

// Validate timeout 要能覆盖至少两次心跳
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 || c.LeaderTimeout < 2*c.HeartbeatInterval {
		return fmt.Errorf("%w (interval=%s timeout=%s)", ErrBadTiming, c.HeartbeatInterval, c.LeaderTimeout)
	}
	return nil
}

// NewInstanceID hostname-uuid
func NewInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return host + "-" + uuid.NewString()
}

type Option func(*Manager)

// WithClock 测试注入
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

type Manager struct {
	store    Store
	id       string
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	session *Session
}

func NewManager(store Store, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = NewInstanceID()
	}
	m := &Manager{
		store:    store,
		id:       cfg.InstanceID,
		interval: cfg.HeartbeatInterval,
		timeout:  cfg.LeaderTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *Manager) InstanceID() string { return m.id }

func (m *Manager) Store() Store { return m.store }

// Current 当前任期，没有或已结束时返回 nil
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	select {
	case <-m.session.Done():
		return nil
	default:
		return m.session
	}
}

// TryBecomeLeader 一次条件写；成功且没有任期时开一个任期并启动心跳
func (m *Manager) TryBecomeLeader(ctx context.Context) (bool, error) {
	at := m.now()
	ok, err := m.store.TryAcquire(ctx, m.id, at, m.timeout)
	if err != nil {
		return false, fmt.Errorf("leader: acquire: %w", err)
	}
	if !ok {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.session; s != nil {
		select {
		case <-s.Done():
		default:
			s.renewed(at)
			return true, nil
		}
	}
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := newSession(m.id, at, m.interval, m.timeout, cancel)
	m.session = s
	relaymetrics.SetLeader(true)
	logger.Info(ctx, "leadership acquired", zap.String("instance", m.id))
	safe.GoCtx(hbCtx, "leader-heartbeat", func(ctx context.Context) { m.keepAlive(ctx, s) })
	return true, nil
}

// Campaign 每个 heartbeatInterval 试一次，直到当选或 ctx 结束
func (m *Manager) Campaign(ctx context.Context) (*Session, error) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		ok, err := m.TryBecomeLeader(ctx)
		if err != nil {
			logger.Warn(ctx, "leader campaign", zap.Error(err))
		}
		if ok {
			if s := m.Current(); s != nil {
				return s, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// keepAlive 同一时刻只有一个心跳协程，跟着 session 走。
// 每次续期最多等一个 interval；看门狗按 Deadline 卸任，不依赖存储调用返回
func (m *Manager) keepAlive(ctx context.Context, s *Session) {
	defer close(s.stopped)
	var watchdog *time.Timer
	watchdog = time.AfterFunc(s.Deadline().Sub(m.now()), func() {
		select {
		case <-s.Done():
			return
		default:
		}
		// 期间续上了就按新的 Deadline 重新上弦，只有这个回调会 Reset
		if d := s.Deadline().Sub(m.now()); d > 0 {
			watchdog.Reset(d)
			return
		}
		m.lose(ctx, s, fmt.Errorf("%w: no successful heartbeat before %s", ErrLeadershipLost, s.Deadline().Format(time.RFC3339Nano)))
	})
	defer watchdog.Stop()

	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		at := m.now()
		rctx, cancel := context.WithTimeout(ctx, m.interval)
		ok, err := m.store.TryAcquire(rctx, m.id, at, m.timeout)
		cancel()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			relaymetrics.HeartbeatErrorsTotal.Inc()
			// 下一次 tick 已经过了 Deadline，现在就卸任
			if at.Add(m.interval).After(s.Deadline()) {
				m.lose(ctx, s, fmt.Errorf("%w: heartbeat failing since %s: %v", ErrLeadershipLost, s.Deadline().Format(time.RFC3339), err))
				return
			}
			logger.Warn(ctx, "leader heartbeat failed", zap.Error(err), zap.Time("deadline", s.Deadline()))
		case !ok:
			m.lose(ctx, s, fmt.Errorf("%w: record owned by another instance", ErrLeadershipLost))
			return
		default:
			s.renewed(at)
		}
	}
}

func (m *Manager) lose(ctx context.Context, s *Session, err error) {
	logger.Error(ctx, "leadership lost", zap.String("instance", m.id), zap.Error(err))
	relaymetrics.SetLeader(false)
	s.end(err)
}

// Release 停心跳，仍是自己的记录就置为过期
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s != nil {
		s.end(ErrReleased)
		// 等心跳退出，避免释放之后又被续上
		select {
		case <-s.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	relaymetrics.SetLeader(false)
	if err := m.store.Release(ctx, m.id); err != nil {
		return fmt.Errorf("leader: release: %w", err)
	}
	logger.Info(ctx, "leadership released", zap.String("instance", m.id))
	return nil
}
