package persist

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"pricerelay.com/internal/relay/domain"
	"pricerelay.com/internal/relay/relaymetrics"
	"pricerelay.com/pkg/logger"
)

// PriceSink 一次批量 upsert，按 instrument 覆盖
type PriceSink interface {
	Name() string
	UpsertPrices(ctx context.Context, rows []domain.PriceUpdate) error
}

// Warmer 能读回已落库最新价的 sink
type Warmer interface {
	Latest(ctx context.Context) ([]domain.PriceUpdate, error)
}

type Config struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout"`
	Sinks         []string      `mapstructure:"sinks"` // sql | redis | postgres
	RedisKey      string        `mapstructure:"redis_key"`
}

func DefaultConfig() Config {
	return Config{
		FlushInterval: time.Second,
		FlushTimeout:  3 * time.Second,
		Sinks:         []string{"sql"},
		RedisKey:      DefaultRedisKey,
	}
}

// Batcher 缓冲里每个品种只留最新一条，定时整批写出
type Batcher struct {
	sinks    []PriceSink
	interval time.Duration
	timeout  time.Duration

	mu  sync.Mutex
	buf map[string]domain.PriceUpdate
}

func NewBatcher(cfg Config, sinks ...PriceSink) *Batcher {
	def := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	return &Batcher{
		sinks:    sinks,
		interval: cfg.FlushInterval,
		timeout:  cfg.FlushTimeout,
		buf:      make(map[string]domain.PriceUpdate, 64),
	}
}

// OnPrice 挂在 pricecache 上
func (b *Batcher) OnPrice(u domain.PriceUpdate) { b.Offer(u) }

func (b *Batcher) Offer(u domain.PriceUpdate) {
	b.mu.Lock()
	b.buf[u.Instrument] = u
	b.mu.Unlock()
}

func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Reset 丢掉未写出的缓冲（teardown 用）
func (b *Batcher) Reset() {
	b.mu.Lock()
	clear(b.buf)
	b.mu.Unlock()
}

func (b *Batcher) drain() []domain.PriceUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return nil
	}
	rows := make([]domain.PriceUpdate, 0, len(b.buf))
	for _, u := range b.buf {
		rows = append(rows, u)
	}
	clear(b.buf)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Instrument < rows[j].Instrument })
	return rows
}

// Flush 写一批；失败只记日志不重试，下一轮会带上更新的值
func (b *Batcher) Flush(ctx context.Context) int {
	rows := b.drain()
	if len(rows) == 0 {
		return 0
	}
	for _, s := range b.sinks {
		fctx, cancel := context.WithTimeout(ctx, b.timeout)
		start := time.Now()
		err := s.UpsertPrices(fctx, rows)
		cancel()
		relaymetrics.ObserveFlush(s.Name(), len(rows), err)
		if err != nil {
			logger.Error(ctx, "persist flush failed",
				zap.String("sink", s.Name()),
				zap.Int("rows", len(rows)),
				zap.Error(err),
			)
			continue
		}
		logger.Debug(ctx, "persist flushed",
			zap.String("sink", s.Name()),
			zap.Int("rows", len(rows)),
			zap.Duration("took", time.Since(start)),
		)
	}
	return len(rows)
}

// Run 阻塞到 ctx 结束，退出前再刷一次
func (b *Batcher) Run(ctx context.Context) error {
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			b.Flush(context.WithoutCancel(ctx))
			return nil
		case <-t.C:
			b.Flush(ctx)
		}
	}
}
