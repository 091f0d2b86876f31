package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"pricerelay.com/internal/relay/domain"
	"pricerelay.com/internal/relay/gateway"
	"pricerelay.com/internal/relay/pricecache"
	"pricerelay.com/internal/relay/relaymetrics"
	"pricerelay.com/pkg/logger"
)

// Hub 每个实例一个：从 broker 收 leader 发来的帧，维护副本做快照，fanout 给本地连接
type Hub struct {
	replica *pricecache.Cache

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	status string
}

func NewHub() *Hub {
	return &Hub{
		replica: pricecache.New(0),
		conns:   make(map[*Conn]struct{}, 256),
		status:  StatusReconnecting,
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) Status() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Snapshot 本实例看到的最新价
func (h *Hub) Snapshot() []domain.PriceUpdate { return h.replica.Snapshot() }

func (h *Hub) Get(instrument string) (domain.PriceUpdate, bool) { return h.replica.Get(instrument) }

// Register 加入连接并推 status + snapshot。和 fanout 用同一把锁，快照之后的更新一条都不会漏
func (h *Hub) Register(c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap, err := EncodeSnapshot(h.replica.Snapshot())
	if err != nil {
		return err
	}
	h.conns[c] = struct{}{}
	relaymetrics.OnOpen()
	c.offer(TypeStatus, EncodeStatus(h.status, ""))
	c.offer(TypeSnapshot, snap)
	return nil
}

func (h *Hub) Unregister(c *Conn, reason string) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		c.close(reason)
	}
}

// Seed 启动预热：只写副本，不推送也不改状态
func (h *Hub) Seed(prices []domain.PriceUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range prices {
		h.replica.Apply(u)
	}
}

// HandleMessage gateway.Pump 的回调
func (h *Hub) HandleMessage(m gateway.Message) {
	switch m.Topic {
	case gateway.TopicPrices:
		h.broadcastPrices(m.Payload)
	case gateway.TopicStatus:
		h.broadcastStatus(m.Payload)
	}
}

func (h *Hub) broadcastPrices(payload []byte) {
	msg, err := Decode(payload)
	if err != nil {
		logger.Warn(context.Background(), "hub: bad price frame", zap.Error(err))
		return
	}
	prices, err := msg.Prices()
	if err != nil {
		logger.Warn(context.Background(), "hub: bad price data", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range prices {
		h.replica.Apply(u)
	}
	// 有价格在流动说明上游是通的；新加入的实例可能错过了 connected
	if h.status != StatusConnected {
		h.status = StatusConnected
		h.fanout(TypeStatus, EncodeStatus(StatusConnected, ""))
	}
	h.fanout(msg.Type, payload)
}

func (h *Hub) broadcastStatus(payload []byte) {
	msg, err := Decode(payload)
	if err != nil || msg.Status == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if msg.Status == h.status {
		return
	}
	h.status = msg.Status
	h.fanout(TypeStatus, payload)
}

// SetStatus 本地状态（比如 broker 订阅失败），持锁外调用
func (h *Hub) SetStatus(status, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.fanout(TypeStatus, EncodeStatus(status, message))
}

// fanout 调用方持有 h.mu。零客户端直接返回；跟不上的连接摘掉
func (h *Hub) fanout(typ string, payload []byte) {
	for c := range h.conns {
		if !c.offer(typ, payload) {
			delete(h.conns, c)
			c.close("slow")
		}
	}
}

// CloseAll 关停时断开所有连接
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*Conn]struct{})
	h.mu.Unlock()
	for c := range conns {
		c.close("shutdown")
	}
}
