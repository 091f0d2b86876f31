package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"pricerelay.com/internal/relay/domain"
	"pricerelay.com/internal/relay/gateway"
	"pricerelay.com/internal/relay/relaymetrics"
	"pricerelay.com/pkg/logger"
)

// Publisher gateway.Broker 的发布半边
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Window leader 侧：窗口内每个品种只留最新值，窗口结束编码一次发出去
type Window struct {
	pub      Publisher
	interval time.Duration

	mu      sync.Mutex
	pending map[string]domain.PriceUpdate
	status  string
}

// 每隔多少个窗口重发一次当前 status，给后加入的实例
const statusEvery = 20

func NewWindow(pub Publisher, interval time.Duration) *Window {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Window{pub: pub, interval: interval, pending: make(map[string]domain.PriceUpdate, 64)}
}

// OnPrice 挂在 pricecache 上
func (w *Window) OnPrice(u domain.PriceUpdate) {
	w.mu.Lock()
	w.pending[u.Instrument] = u
	w.mu.Unlock()
}

func (w *Window) Reset() {
	w.mu.Lock()
	clear(w.pending)
	w.mu.Unlock()
}

// Flush 发出当前窗口，返回品种数；空窗口什么都不做
func (w *Window) Flush(ctx context.Context) int {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return 0
	}
	batch := make([]domain.PriceUpdate, 0, len(w.pending))
	for _, u := range w.pending {
		batch = append(batch, u)
	}
	clear(w.pending)
	w.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Instrument < batch[j].Instrument })
	payload, err := EncodeUpdates(batch)
	if err != nil {
		logger.Error(ctx, "broadcast encode", zap.Error(err))
		return 0
	}
	relaymetrics.BroadcastBatchSize.Observe(float64(len(batch)))
	if err := w.pub.Publish(ctx, gateway.TopicPrices, payload); err != nil {
		logger.Warn(ctx, "broadcast publish", zap.Error(err), zap.Int("instruments", len(batch)))
	}
	return len(batch)
}

// PublishStatus 连接器状态变化时调用
func (w *Window) PublishStatus(ctx context.Context, status string) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
	if err := w.pub.Publish(ctx, gateway.TopicStatus, EncodeStatus(status, "")); err != nil {
		logger.Warn(ctx, "broadcast status publish", zap.Error(err), zap.String("status", status))
	}
}

func (w *Window) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.Flush(ctx)
		}
		if tick%statusEvery == 0 {
			w.republishStatus(ctx)
		}
	}
}

func (w *Window) republishStatus(ctx context.Context) {
	w.mu.Lock()
	status := w.status
	w.mu.Unlock()
	if status == "" {
		return
	}
	_ = w.pub.Publish(ctx, gateway.TopicStatus, EncodeStatus(status, ""))
}
