package quote

import (
	"context"
	"time"

	"go.uber.org/zap"
	"pricerelay.com/internal/relay/pricecache"
	"pricerelay.com/pkg/logger"
)

// BaselineSink pricecache.Cache 实现
type BaselineSink interface {
	SetBaseline(instrument string, price float64)
}

// Fetcher Client 实现，测试里可以替换
type Fetcher interface {
	Fetch(ctx context.Context, symbols []string) (*Response, error)
}

// RefreshBaselines 用 REST 的 price/change24h 反推 24h 前的价格
func RefreshBaselines(ctx context.Context, f Fetcher, symbols []string, sink BaselineSink) (int, error) {
	resp, err := f.Fetch(ctx, symbols)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, q := range resp.Quotes {
		base := pricecache.BaselineFrom(q.Price, q.Change24h)
		if base <= 0 {
			continue
		}
		sink.SetBaseline(q.Symbol, base)
		n++
	}
	if len(resp.Missing) > 0 {
		logger.Debug(ctx, "baseline missing symbols", zap.Strings("missing", resp.Missing))
	}
	return n, nil
}

// RunBaselineRefresher 立即刷一次，之后每 every 刷一次
func RunBaselineRefresher(ctx context.Context, f Fetcher, symbols []string, sink BaselineSink, every time.Duration) error {
	if every <= 0 {
		every = 10 * time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if n, err := RefreshBaselines(ctx, f, symbols, sink); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn(ctx, "baseline refresh failed", zap.Error(err))
		} else {
			logger.Debug(ctx, "baseline refreshed", zap.Int("instruments", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
