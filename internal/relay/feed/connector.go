package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"pricerelay.com/internal/relay/domain"
	"pricerelay.com/internal/relay/relaymetrics"
	"pricerelay.com/pkg/logger"
	"pricerelay.com/pkg/safe"
)

var (
	ErrMaxReconnects   = errors.New("feed: max reconnect attempts exceeded")
	ErrAuthFailed      = errors.New("feed: authentication failed")
	ErrConnectionLimit = errors.New("feed: upstream connection limit reached")
	ErrMissingAPIKey   = errors.New("feed: missing api key")
)

type Config struct {
	URL           string                          `mapstructure:"url"`
	APIKey        string                          `mapstructure:"api_key"`
	Subscriptions []domain.InstrumentSubscription `mapstructure:"subscriptions"`

	BaseBackoff   time.Duration `mapstructure:"base_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	MaxReconnects int           `mapstructure:"max_reconnects"`

	PongWait   time.Duration `mapstructure:"pong_wait"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	ReadLimit  int64         `mapstructure:"read_limit"`
}

func DefaultConfig() Config {
	return Config{
		URL:           "wss://socket.polygon.io/crypto",
		BaseBackoff:   5 * time.Second,
		MaxBackoff:    60 * time.Second,
		MaxReconnects: 5,
		PongWait:      60 * time.Second,
		PingPeriod:    30 * time.Second,
		WriteWait:     5 * time.Second,
		ReadLimit:     1 << 20,
	}
}

// Sink 接收解析好的价格，pricecache.Cache 实现它
type Sink interface {
	Apply(u domain.PriceUpdate) bool
}

type Option func(*Connector)

// WithStateObserver 每次状态变化都会在 actor 协程里回调
func WithStateObserver(fn func(domain.ConnectionState)) Option {
	return func(c *Connector) { c.onState = fn }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Connector) { c.dialer = d }
}

// Connector 唯一的上游连接。socket 只被 actor 协程持有，reader 只往邮箱里投事件
type Connector struct {
	cfg     Config
	dec     *Decoder
	sink    Sink
	dialer  *websocket.Dialer
	backoff Backoff
	onState func(domain.ConnectionState)

	mu    sync.RWMutex
	state domain.ConnectionState
}

func New(cfg Config, sink Sink, opts ...Option) (*Connector, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if err := domain.ValidateSubscriptions(cfg.Subscriptions); err != nil {
		return nil, err
	}
	if len(domain.EnabledSorted(cfg.Subscriptions)) == 0 {
		return nil, domain.ErrNoSubscriptions
	}
	def := DefaultConfig()
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}

	c := &Connector{
		cfg:     cfg,
		dec:     NewDecoder(cfg.Subscriptions),
		sink:    sink,
		dialer:  websocket.DefaultDialer,
		backoff: Backoff{Base: cfg.BaseBackoff, Factor: 2, Max: cfg.MaxBackoff},
		state:   domain.Disconnected,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Connector) State() domain.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SubscribeParams 一次性批量订阅的 params
func (c *Connector) SubscribeParams() string {
	enabled := domain.EnabledSorted(c.cfg.Subscriptions)
	chs := make([]string, 0, len(enabled))
	for _, s := range enabled {
		chs = append(chs, s.FeedChannel)
	}
	return strings.Join(chs, ",")
}

func (c *Connector) fire(ctx context.Context, t Trigger) {
	c.mu.Lock()
	from := c.state
	to, err := Transition(from, t)
	c.state = to
	c.mu.Unlock()
	if err != nil {
		logger.Warn(ctx, "feed state", zap.Error(err))
		return
	}
	if from == to {
		return
	}
	relaymetrics.SetFeedState(uint8(to))
	logger.Debug(ctx, "feed state", zap.Stringer("from", from), zap.Stringer("to", to), zap.Stringer("trigger", t))
	if c.onState != nil {
		c.onState(to)
	}
}

// mailbox 里的事件
type inbound struct {
	data   []byte
	err    error
	closed bool
}

// outcome 一次连接生命周期的结果
type outcome uint8

const (
	outShutdown outcome = iota
	outTransient
	outLimit
	outFatal
)

// Run 阻塞直到 ctx 取消（返回 ctx.Err()）或致命错误
func (c *Connector) Run(ctx context.Context) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			c.fire(ctx, TriggerShutdown)
			c.fire(ctx, TriggerClosed)
			return ctx.Err()
		}

		c.fire(ctx, TriggerDial)
		out, authed, err := c.session(ctx)
		if authed {
			attempts = 0
		}

		var delay time.Duration
		switch out {
		case outShutdown:
			return ctx.Err()
		case outFatal:
			return err
		case outLimit:
			relaymetrics.FeedReconnectsTotal.WithLabelValues("limit").Inc()
			delay = c.backoff.LimitDelay()
		default:
			relaymetrics.FeedReconnectsTotal.WithLabelValues("transient").Inc()
		}

		if attempts >= c.cfg.MaxReconnects {
			logger.Error(ctx, "feed giving up", zap.Int("attempts", attempts), zap.Error(err))
			return fmt.Errorf("%w: %d attempts, last: %v", ErrMaxReconnects, attempts, err)
		}
		attempts++
		if delay == 0 {
			delay = c.backoff.Delay(attempts)
		}
		logger.Warn(ctx, "feed reconnect scheduled",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.fire(ctx, TriggerShutdown)
			c.fire(ctx, TriggerClosed)
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session 一条连接从拨号到关闭。返回时 reader 一定已经退出
func (c *Connector) session(ctx context.Context) (outcome, bool, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if ctx.Err() != nil {
			c.fire(ctx, TriggerShutdown)
			c.fire(ctx, TriggerClosed)
			return outShutdown, false, ctx.Err()
		}
		c.fire(ctx, TriggerFailed)
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return outLimit, false, ErrConnectionLimit
		}
		return outTransient, false, fmt.Errorf("dial: %w", err)
	}

	ws.SetReadLimit(c.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	mailbox := make(chan inbound, 256)
	safe.Go("feed-reader", func() { readLoop(ws, mailbox) })

	// 所有退出路径都走这里：关 socket，等 reader 报告关闭
	closeAndWait := func() {
		_ = ws.Close()
		for ev := range mailbox {
			if ev.closed {
				return
			}
		}
	}

	if err := c.write(ws, map[string]string{"action": "auth", "params": c.cfg.APIKey}); err != nil {
		closeAndWait()
		c.fire(ctx, TriggerFailed)
		return outTransient, false, fmt.Errorf("auth write: %w", err)
	}

	ping := time.NewTicker(c.cfg.PingPeriod)
	defer ping.Stop()

	authed := false
	for {
		select {
		case <-ctx.Done():
			c.fire(ctx, TriggerShutdown)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			closeAndWait()
			c.fire(ctx, TriggerClosed)
			return outShutdown, authed, ctx.Err()

		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				closeAndWait()
				c.fire(ctx, TriggerFailed)
				return outTransient, authed, fmt.Errorf("ping: %w", err)
			}

		case ev := <-mailbox:
			if ev.closed {
				_ = ws.Close()
				c.fire(ctx, TriggerClosed)
				return outTransient, authed, fmt.Errorf("read: %w", ev.err)
			}
			events, err := c.dec.Decode(ev.data)
			if err != nil {
				relaymetrics.FeedEventsTotal.WithLabelValues("invalid").Inc()
				logger.Debug(ctx, "feed frame dropped", zap.Error(err), zap.Int("bytes", len(ev.data)))
				continue
			}
			for _, e := range events {
				if e.Kind == EventPrice {
					res := "ignored"
					if c.sink.Apply(e.Update) {
						res = "applied"
					}
					relaymetrics.FeedEventsTotal.WithLabelValues(res).Inc()
					continue
				}
				relaymetrics.FeedEventsTotal.WithLabelValues("status").Inc()
				switch e.Status {
				case StatusAuthSuccess:
					if err := c.write(ws, map[string]string{"action": "subscribe", "params": c.SubscribeParams()}); err != nil {
						closeAndWait()
						c.fire(ctx, TriggerFailed)
						return outTransient, authed, fmt.Errorf("subscribe write: %w", err)
					}
					authed = true
					logger.Info(ctx, "feed authenticated", zap.String("params", c.SubscribeParams()))
					c.fire(ctx, TriggerOpened)
				case StatusAuthFailed:
					closeAndWait()
					c.fire(ctx, TriggerFailed)
					logger.Error(ctx, "feed auth failed", zap.String("message", e.Message))
					return outFatal, false, fmt.Errorf("%w: %s", ErrAuthFailed, e.Message)
				case StatusMaxConnections:
					closeAndWait()
					c.fire(ctx, TriggerLimit)
					logger.Warn(ctx, "feed connection limit", zap.String("message", e.Message))
					return outLimit, authed, ErrConnectionLimit
				default:
					logger.Debug(ctx, "feed status", zap.String("status", e.Status), zap.String("message", e.Message))
				}
			}
		}
	}
}

// write 只在 actor 协程里调用，gorilla 不允许并发写
func (c *Connector) write(ws *websocket.Conn, v any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return ws.WriteJSON(v)
}

// readLoop 读到错误就投递 closed 并退出，之后不再碰 mailbox
func readLoop(ws *websocket.Conn, mailbox chan<- inbound) {
	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			mailbox <- inbound{err: err, closed: true}
			close(mailbox)
			return
		}
		mailbox <- inbound{data: b}
	}
}
