package watch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"pricerelay.com/internal/relay/broadcast"
	"pricerelay.com/internal/relay/domain"
	"pricerelay.com/internal/relay/feed"
	"pricerelay.com/pkg/logger"
)

func (c *Controller) socketLoop(ctx context.Context) error {
	rng := newRand()
	attempt := 0
	for ctx.Err() == nil {
		gotData, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, feed.ErrAuthFailed) {
			logger.Error(ctx, "watch auth rejected", zap.Error(err))
			return err
		}

		c.mu.Lock()
		if c.mode == ModeLive {
			c.setModeLocked(ModeConnecting)
		}
		v := c.viewLocked()
		c.mu.Unlock()
		c.emit(v)

		// 收到过数据才重置，避免连上马上断的重连风暴
		if gotData {
			attempt = 0
		}
		attempt++
		sleep := c.backoff(rng, attempt)
		logger.Warn(ctx, "watch socket closed, reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("in", sleep),
			zap.Error(err),
		)
		if !sleepCtx(ctx, sleep) {
			return nil
		}
	}
	return nil
}

// backoff base*2^(n-1) 封顶，再乘 0.5~1.5 的抖动
func (c *Controller) backoff(rng *rand.Rand, attempt int) time.Duration {
	b := feed.Backoff{Base: c.cfg.BaseBackoff, Factor: 2, Max: c.cfg.MaxBackoff}
	d := time.Duration(float64(b.Delay(attempt)) * (0.5 + rng.Float64()))
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

// session 一条连接；返回是否收到过行情
func (c *Controller) session(ctx context.Context) (bool, error) {
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(dctx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	sctx, stop := context.WithCancel(ctx)
	defer stop()

	if c.cfg.Protocol == ProtocolFeed {
		if err := wsjson.Write(sctx, conn, map[string]string{"action": "auth", "params": c.cfg.APIKey}); err != nil {
			return false, err
		}
	}
	go c.pinger(sctx, conn)

	gotData := false
	for {
		_, raw, err := conn.Read(sctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "bye")
			}
			return gotData, err
		}
		var (
			prices   []domain.PriceUpdate
			snapshot bool
		)
		if c.cfg.Protocol == ProtocolFeed {
			prices, err = c.handleFeed(sctx, conn, raw)
		} else {
			prices, snapshot = c.handleRelay(sctx, raw)
		}
		if err != nil {
			_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
			return gotData, err
		}
		if len(prices) == 0 && !snapshot {
			continue
		}
		// 先记推送再写价格，回调里看到的就是 live
		gotData = true
		c.markPush()
		if snapshot {
			c.replace(prices)
		} else {
			c.apply(prices)
		}
	}
}

// pinger relay 协议走应用层 ping，feed 协议走 websocket ping
func (c *Controller) pinger(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.cfg.PingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		var err error
		if c.cfg.Protocol == ProtocolFeed {
			err = conn.Ping(pctx)
		} else {
			err = wsjson.Write(pctx, conn, broadcast.ClientMsg{Type: broadcast.TypePing})
		}
		cancel()
		if err != nil {
			return
		}
	}
}

// handleRelay 返回帧里的价格；snapshot 为 true 时整表替换
func (c *Controller) handleRelay(ctx context.Context, raw []byte) ([]domain.PriceUpdate, bool) {
	msg, err := broadcast.Decode(raw)
	if err != nil {
		logger.Debug(ctx, "watch: bad frame", zap.Error(err))
		return nil, false
	}
	switch msg.Type {
	case broadcast.TypeSnapshot:
		prices, err := msg.Prices()
		if err != nil && !errors.Is(err, broadcast.ErrNoPrices) {
			return nil, false
		}
		return prices, true
	case broadcast.TypePriceUpdate, broadcast.TypePriceBatch:
		prices, _ := msg.Prices()
		return prices, false
	case broadcast.TypeStatus:
		logger.Info(ctx, "relay status", zap.String("status", msg.Status), zap.String("message", msg.Message))
	}
	return nil, false
}

func (c *Controller) handleFeed(ctx context.Context, conn *websocket.Conn, raw []byte) ([]domain.PriceUpdate, error) {
	events, err := c.dec.Decode(raw)
	if err != nil {
		return nil, nil
	}
	updates := make([]domain.PriceUpdate, 0, len(events))
	for _, e := range events {
		if e.Kind == feed.EventPrice {
			updates = append(updates, e.Update)
			continue
		}
		switch e.Status {
		case feed.StatusAuthSuccess:
			if err := wsjson.Write(ctx, conn, map[string]string{"action": "subscribe", "params": c.subscribeParams()}); err != nil {
				return nil, err
			}
		case feed.StatusAuthFailed:
			return nil, fmt.Errorf("%w: %s", feed.ErrAuthFailed, e.Message)
		case feed.StatusMaxConnections:
			return nil, feed.ErrConnectionLimit
		}
	}
	return updates, nil
}

func (c *Controller) subscribeParams() string {
	enabled := domain.EnabledSorted(c.cfg.Subscriptions)
	chs := make([]string, 0, len(enabled))
	for _, s := range enabled {
		chs = append(chs, s.FeedChannel)
	}
	return strings.Join(chs, ",")
}

func newRand() *rand.Rand { return rand.New(rand.NewSource(time.Now().UnixNano())) }

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
