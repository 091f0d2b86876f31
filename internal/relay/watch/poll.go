package watch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"pricerelay.com/internal/relay/domain"
	"pricerelay.com/pkg/logger"
	"pricerelay.com/pkg/safe"
)

// startPollingLocked 调用方持有 c.mu
func (c *Controller) startPollingLocked() {
	c.setModeLocked(ModePolling)
	if c.pollCancel != nil {
		return
	}
	pctx, cancel := context.WithCancel(c.ctx())
	done := make(chan struct{})
	c.pollCancel, c.pollDone = cancel, done
	safe.GoCtx(pctx, "watch-poll", func(ctx context.Context) {
		defer close(done)
		c.pollLoop(ctx)
	})
}

// stopPollingLocked 只取消不等待：poll 协程 apply 时要拿 c.mu
func (c *Controller) stopPollingLocked() {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
}

func (c *Controller) stopPolling() {
	c.mu.Lock()
	done := c.pollDone
	c.stopPollingLocked()
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Controller) pollLoop(ctx context.Context) {
	// 基准价还没有的话顺便拉一次；和 baselineLoop 并发时只会打一次
	c.mu.Lock()
	needBaseline := len(c.baselines) == 0
	c.mu.Unlock()
	if needBaseline {
		_ = c.refreshBaselines(ctx)
	}

	t := time.NewTicker(c.cfg.PollInterval)
	defer t.Stop()
	for {
		c.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (c *Controller) pollOnce(ctx context.Context) {
	resp, err := c.quotes.Fetch(ctx, c.symbols)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn(ctx, "watch poll failed", zap.Error(err))
		}
		return
	}
	// 已经切回推送了，丢掉这次结果
	if ctx.Err() != nil {
		return
	}
	at := c.now()
	updates := make([]domain.PriceUpdate, 0, len(resp.Quotes))
	for _, q := range resp.Quotes {
		updates = append(updates, domain.PriceUpdate{
			Instrument: q.Symbol,
			Price:      q.Price,
			Change24h:  q.Change24h,
			EventTime:  at,
		})
	}
	c.apply(updates)
}
