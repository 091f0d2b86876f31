package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"pricerelay.com/internal/relay/broadcast"
	"pricerelay.com/internal/relay/domain"
	"pricerelay.com/internal/relay/feed"
	"pricerelay.com/internal/relay/leader"
	"pricerelay.com/internal/relay/persist"
	"pricerelay.com/internal/relay/pricecache"
	"pricerelay.com/internal/relay/quote"
	"pricerelay.com/pkg/logger"
	"pricerelay.com/pkg/safe"
)

type SupervisorConfig struct {
	Feed             feed.Config
	Persist          persist.Config
	Window           time.Duration
	MinRelativeDelta float64
	BaselineRefresh  time.Duration
	// 重连耗尽主动让位后的冷却
	Cooldown time.Duration
}

// Supervisor 竞选成功后跑采集链路：connector -> cache -> (batcher, window)
// 卸任、重连耗尽、关停都走 teardown 这一条路
type Supervisor struct {
	cfg      SupervisorConfig
	mgr      *leader.Manager
	quotes   quote.Fetcher // 可以为 nil，不刷基准价
	feedOpts []feed.Option

	cache   *pricecache.Cache
	batcher *persist.Batcher
	window  *broadcast.Window

	state   atomic.Uint32 // domain.ConnectionState
	leading atomic.Bool
}

func NewSupervisor(cfg SupervisorConfig, mgr *leader.Manager, pub broadcast.Publisher, quotes quote.Fetcher, sinks ...persist.PriceSink) *Supervisor {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	s := &Supervisor{
		cfg:     cfg,
		mgr:     mgr,
		quotes:  quotes,
		batcher: persist.NewBatcher(cfg.Persist, sinks...),
		window:  broadcast.NewWindow(pub, cfg.Window),
	}
	s.cache = pricecache.New(cfg.MinRelativeDelta, s.batcher, s.window)
	return s
}

// WithFeedOptions 测试里换 dialer
func (s *Supervisor) WithFeedOptions(opts ...feed.Option) *Supervisor {
	s.feedOpts = append(s.feedOpts, opts...)
	return s
}

func (s *Supervisor) Cache() *pricecache.Cache { return s.cache }

func (s *Supervisor) FeedState() domain.ConnectionState {
	return domain.ConnectionState(s.state.Load())
}

func (s *Supervisor) IsLeader() bool { return s.leading.Load() }

// SetMinRelativeDelta 配置热更新入口
func (s *Supervisor) SetMinRelativeDelta(v float64) { s.cache.SetMinRelativeDelta(v) }

// Run 阻塞到 ctx 结束；鉴权失败、配置错误返回 error，进程应退出
func (s *Supervisor) Run(ctx context.Context) error {
	// 配置问题当选之前就暴露
	if _, err := feed.New(s.cfg.Feed, s.cache); err != nil {
		return err
	}
	for {
		sess, err := s.mgr.Campaign(ctx)
		if err != nil {
			return nil // 只有 ctx 结束才会返回
		}
		err = s.lead(ctx, sess)

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		switch {
		case ctx.Err() != nil:
			s.release(rctx)
			cancel()
			return nil
		case errors.Is(err, feed.ErrAuthFailed):
			s.release(rctx)
			cancel()
			return err
		case errors.Is(err, feed.ErrMaxReconnects):
			s.release(rctx)
			cancel()
			logger.Warn(ctx, "upstream unreachable, stepping down",
				zap.Duration("cooldown", s.cfg.Cooldown), zap.Error(err))
			if !sleepCtx(ctx, s.cfg.Cooldown) {
				return nil
			}
		default:
			// 心跳丢了，记录已经不是自己的，清掉本地任期就行
			s.release(rctx)
			cancel()
			logger.Warn(ctx, "leadership ended", zap.Error(err))
		}
	}
}

func (s *Supervisor) release(ctx context.Context) {
	if err := s.mgr.Release(ctx); err != nil {
		logger.Warn(ctx, "leader release", zap.Error(err))
	}
}

// lead 一个任期。返回时所有采集协程都已退出，缓存和缓冲都清空
func (s *Supervisor) lead(ctx context.Context, sess *leader.Session) error {
	s.leading.Store(true)
	defer s.leading.Store(false)

	ictx, cancel := context.WithCancel(ctx)
	defer cancel()
	safe.Go("session-watch", func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ictx.Done():
		}
	})

	conn, err := feed.New(s.cfg.Feed, s.cache, append([]feed.Option{feed.WithStateObserver(s.onState(ictx))}, s.feedOpts...)...)
	if err != nil {
		return fmt.Errorf("service: build connector: %w", err)
	}

	// batcher 单独控制：关停时最后刷一次，卸任时直接丢弃
	bctx, bcancel := context.WithCancel(context.WithoutCancel(ictx))
	bdone := make(chan struct{})
	safe.GoCtx(bctx, "persist-batcher", func(ctx context.Context) {
		defer close(bdone)
		_ = s.batcher.Run(ctx)
	})

	logger.Info(ctx, "ingestion started", zap.String("instance", sess.InstanceID()))
	g, gctx := errgroup.WithContext(ictx)
	g.Go(func() error { return safe.Run(gctx, "feed-connector", conn.Run) })
	g.Go(func() error { return safe.Run(gctx, "broadcast-window", s.window.Run) })
	if s.quotes != nil {
		symbols := domain.Symbols(s.cfg.Feed.Subscriptions)
		g.Go(func() error {
			return safe.Run(gctx, "baseline-refresher", func(ctx context.Context) error {
				return quote.RunBaselineRefresher(ctx, s.quotes, symbols, s.cache, s.cfg.BaselineRefresh)
			})
		})
	}
	err = g.Wait()

	// teardown
	if ctx.Err() == nil {
		s.batcher.Reset()
	}
	bcancel()
	<-bdone
	s.window.Reset()
	s.cache.Reset()
	s.state.Store(uint32(domain.Disconnected))
	s.window.PublishStatus(context.WithoutCancel(ctx), broadcast.StatusReconnecting)
	logger.Info(ctx, "ingestion stopped", zap.Error(err))

	if errors.Is(err, context.Canceled) {
		if serr := sess.Err(); serr != nil {
			return serr
		}
	}
	return err
}

// onState 上游状态 -> 下行 status；客户端只看到 connected / reconnecting
func (s *Supervisor) onState(ctx context.Context) func(domain.ConnectionState) {
	return func(st domain.ConnectionState) {
		s.state.Store(uint32(st))
		switch st {
		case domain.Connected:
			s.window.PublishStatus(ctx, broadcast.StatusConnected)
		case domain.Connecting, domain.Error:
			s.window.PublishStatus(ctx, broadcast.StatusReconnecting)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
