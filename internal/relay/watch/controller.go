package watch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"pricerelay.com/internal/relay/domain"
	"pricerelay.com/internal/relay/feed"
	"pricerelay.com/internal/relay/pricecache"
	"pricerelay.com/internal/relay/quote"
	"pricerelay.com/internal/relay/relaymetrics"
	"pricerelay.com/pkg/logger"
	"pricerelay.com/pkg/safe"
)

// View 推给上层的当前视图
type View struct {
	Mode      Mode
	Prices    []domain.PriceUpdate
	UpdatedAt time.Time
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithOnChange 每次视图变化回调，不要在里面阻塞
func WithOnChange(fn func(View)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// Controller 消费端：推送优先，推送断了切 REST 轮询，推送恢复再切回来
type Controller struct {
	cfg      Config
	quotes   quote.Fetcher
	symbols  []string
	dec      *feed.Decoder
	now      func() time.Time
	onChange func(View)
	sf       singleflight.Group

	mu         sync.Mutex
	runCtx     context.Context
	mode       Mode
	prices     map[string]domain.PriceUpdate
	baselines  map[string]float64
	lastPushAt time.Time
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(cfg Config, quotes quote.Fetcher, opts ...Option) (*Controller, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:       cfg,
		quotes:    quotes,
		symbols:   domain.Symbols(cfg.Subscriptions),
		dec:       feed.NewDecoder(cfg.Subscriptions),
		now:       time.Now,
		mode:      ModeConnecting,
		prices:    make(map[string]domain.PriceUpdate, len(cfg.Subscriptions)),
		baselines: make(map[string]float64, len(cfg.Subscriptions)),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) Price(sym string) (domain.PriceUpdate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.prices[sym]
	return u, ok
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	out := make([]domain.PriceUpdate, 0, len(c.prices))
	for _, u := range c.prices {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return View{Mode: c.mode, Prices: out, UpdatedAt: c.now()}
}

func (c *Controller) emit(v View) {
	if c.onChange != nil {
		c.onChange(v)
	}
}

// Run 阻塞到 ctx 结束；只有鉴权失败这类不可恢复错误才提前返回
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.lastPushAt = c.now()
	c.setModeLocked(ModeConnecting)
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return safe.Run(gctx, "watch-socket", c.socketLoop) })
	g.Go(func() error { return safe.Run(gctx, "watch-health", c.healthLoop) })
	g.Go(func() error { return safe.Run(gctx, "watch-baseline", c.baselineLoop) })
	err := g.Wait()
	c.stopPolling()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Controller) healthLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.checkHealth(c.now())
		}
	}
}

// checkHealth 推送停了超过 StaleAfter 开始轮询；轮询中又看到 RecoverWithin 内的推送就回到 live
func (c *Controller) checkHealth(now time.Time) {
	c.mu.Lock()
	since := now.Sub(c.lastPushAt)
	switch {
	case c.mode != ModePolling && since > c.cfg.StaleAfter:
		logger.Warn(c.ctx(), "push stale, falling back to polling", zap.Duration("since", since))
		c.startPollingLocked()
	case c.mode == ModePolling && since <= c.cfg.RecoverWithin:
		logger.Info(c.ctx(), "push recovered, polling stopped", zap.Duration("since", since))
		c.stopPollingLocked()
		c.setModeLocked(ModeLive)
	default:
		c.mu.Unlock()
		return
	}
	v := c.viewLocked()
	c.mu.Unlock()
	c.emit(v)
}

func (c *Controller) ctx() context.Context {
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

func (c *Controller) setModeLocked(m Mode) {
	if c.mode == m {
		return
	}
	c.mode = m
	relaymetrics.SetClientMode(string(m), allModes...)
}

// markPush 来自 socket 的数据才算推送
func (c *Controller) markPush() {
	c.mu.Lock()
	c.lastPushAt = c.now()
	if c.mode != ModeConnecting {
		c.mu.Unlock()
		return
	}
	c.setModeLocked(ModeLive)
	v := c.viewLocked()
	c.mu.Unlock()
	c.emit(v)
}

// apply 有基准价就按基准价重算 change24h
func (c *Controller) apply(updates []domain.PriceUpdate) {
	if len(updates) == 0 {
		return
	}
	c.mu.Lock()
	for _, u := range updates {
		if !u.Valid() {
			continue
		}
		if base, ok := c.baselines[u.Instrument]; ok {
			u.Change24h = pricecache.PercentChange(base, u.Price)
		}
		c.prices[u.Instrument] = u
	}
	v := c.viewLocked()
	c.mu.Unlock()
	c.emit(v)
}

// replace 快照：整表替换
func (c *Controller) replace(snapshot []domain.PriceUpdate) {
	c.mu.Lock()
	clear(c.prices)
	c.mu.Unlock()
	c.apply(snapshot)
}

func (c *Controller) baselineLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.BaselineEvery)
	defer t.Stop()
	for {
		if err := c.refreshBaselines(ctx); err != nil && ctx.Err() == nil {
			logger.Warn(ctx, "baseline refresh", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// refreshBaselines 并发调用只打一次 REST
func (c *Controller) refreshBaselines(ctx context.Context) error {
	_, err, _ := c.sf.Do("baseline", func() (any, error) {
		resp, err := c.quotes.Fetch(ctx, c.symbols)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		for _, q := range resp.Quotes {
			if base := pricecache.BaselineFrom(q.Price, q.Change24h); base > 0 {
				c.baselines[q.Symbol] = base
			}
		}
		c.mu.Unlock()
		return nil, nil
	})
	return err
}
