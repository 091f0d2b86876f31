package pricecache

import (
	"math"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"pricerelay.com/internal/relay/domain"
)

// Listener 每次被接受的写入都会同步回调（batcher / broadcast window）
// 回调里只做合并，不能阻塞
type Listener interface {
	OnPrice(u domain.PriceUpdate)
}

type ListenerFunc func(u domain.PriceUpdate)

func (f ListenerFunc) OnPrice(u domain.PriceUpdate) { f(u) }

// Cache 单写多读：只有连接器 actor 调 Apply，其他组件只读
type Cache struct {
	mu       sync.RWMutex
	latest   map[string]domain.PriceUpdate
	baseline map[string]float64 // 24h 基准价，用来补 change24h

	// 0 表示不过滤；0.0001 = 0.01%
	minDelta  decimal.Decimal
	listeners []Listener
}

func New(minRelativeDelta float64, listeners ...Listener) *Cache {
	c := &Cache{
		latest:    make(map[string]domain.PriceUpdate, 64),
		baseline:  make(map[string]float64, 64),
		listeners: listeners,
	}
	c.SetMinRelativeDelta(minRelativeDelta)
	return c
}

// SetMinRelativeDelta 噪声过滤阈值，可热更新
func (c *Cache) SetMinRelativeDelta(v float64) {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	c.mu.Lock()
	c.minDelta = decimal.NewFromFloat(v)
	c.mu.Unlock()
}

// Apply 写入一条更新；非法或被过滤时返回 false，缓存不变
func (c *Cache) Apply(u domain.PriceUpdate) bool {
	if !u.Valid() {
		return false
	}

	c.mu.Lock()
	prev, had := c.latest[u.Instrument]
	if had && c.suppressed(prev.Price, u.Price) {
		c.mu.Unlock()
		return false
	}
	if base, ok := c.baseline[u.Instrument]; ok && u.Change24h == 0 {
		u.Change24h = PercentChange(base, u.Price)
	}
	c.latest[u.Instrument] = u
	c.mu.Unlock()

	// 单写者，锁外回调也保持同一品种的先后顺序
	for _, l := range c.listeners {
		l.OnPrice(u)
	}
	return true
}

func (c *Cache) suppressed(prev, next float64) bool {
	if c.minDelta.IsZero() || prev <= 0 {
		return false
	}
	p := decimal.NewFromFloat(prev)
	rel := decimal.NewFromFloat(next).Sub(p).Abs().Div(p)
	return rel.LessThan(c.minDelta)
}

// SetBaseline 设置 24h 基准价（来自 REST 兜底的 price/change24h 反推）
func (c *Cache) SetBaseline(instrument string, price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	c.baseline[instrument] = price
	c.mu.Unlock()
}

func (c *Cache) Get(instrument string) (domain.PriceUpdate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[instrument]
	return u, ok
}

// Snapshot 当前全部最新价，按品种排序，输出稳定
func (c *Cache) Snapshot() []domain.PriceUpdate {
	c.mu.RLock()
	out := make([]domain.PriceUpdate, 0, len(c.latest))
	for _, u := range c.latest {
		out = append(out, u)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.latest)
}

// Reset 卸任 leader 时清空，基准价保留
func (c *Cache) Reset() {
	c.mu.Lock()
	c.latest = make(map[string]domain.PriceUpdate, 64)
	c.mu.Unlock()
}

// PercentChange (price-base)/base*100，保留 4 位
func PercentChange(base, price float64) float64 {
	if base <= 0 {
		return 0
	}
	b := decimal.NewFromFloat(base)
	pct := decimal.NewFromFloat(price).Sub(b).Div(b).Mul(decimal.NewFromInt(100)).Round(4)
	f, _ := pct.Float64()
	return f
}

// BaselineFrom 由当前价和 24h 涨跌幅反推基准价
func BaselineFrom(price, change24h float64) float64 {
	d := decimal.NewFromInt(1).Add(decimal.NewFromFloat(change24h).Div(decimal.NewFromInt(100)))
	if !d.IsPositive() {
		return 0
	}
	f, _ := decimal.NewFromFloat(price).Div(d).Float64()
	return f
}
