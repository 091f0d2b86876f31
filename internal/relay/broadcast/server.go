package broadcast

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"pricerelay.com/internal/relay/relaymetrics"
	"pricerelay.com/pkg/logger"
	"pricerelay.com/pkg/safe"
)

type Config struct {
	Window     time.Duration `mapstructure:"window"`
	SendBuffer int           `mapstructure:"send_buffer"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PingJitter time.Duration `mapstructure:"ping_jitter"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	ReadLimit  int64         `mapstructure:"read_limit"`
}

func DefaultConfig() Config {
	return Config{
		Window:     250 * time.Millisecond,
		SendBuffer: 64,
		PongWait:   60 * time.Second,
		PingPeriod: 30 * time.Second,
		PingJitter: 100 * time.Millisecond,
		WriteWait:  5 * time.Second,
		ReadLimit:  1 << 10,
	}
}

type Server struct {
	hub      *Hub
	cfg      Config
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
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
	return &Server{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 鉴权和 Origin 策略在网关层做
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(r.Context(), "ws upgrade", zap.Error(err))
		return
	}
	c := newConn(ws, s.cfg.SendBuffer)
	if err := s.hub.Register(c); err != nil {
		logger.Error(r.Context(), "ws register", zap.Error(err))
		_ = ws.Close()
		return
	}
	ctx := context.WithoutCancel(r.Context())
	logger.Debug(ctx, "ws connected", zap.String("conn", c.id), zap.String("remote", r.RemoteAddr))
	safe.GoCtx(ctx, "ws-write", func(ctx context.Context) { s.writePump(ctx, c) })
	safe.GoCtx(ctx, "ws-read", func(ctx context.Context) { s.readPump(ctx, c) })
}

func (s *Server) readPump(ctx context.Context, c *Conn) {
	reason := "client"
	defer func() { s.hub.Unregister(c, reason) }()

	c.ws.SetReadLimit(s.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				reason = "timeout"
			}
			if !c.Closed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug(ctx, "ws read", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		// 任何上行消息都算活着
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		var msg ClientMsg
		if json.Unmarshal(b, &msg) != nil {
			continue
		}
		if msg.Type == TypePing && !c.offer(TypePong, EncodePong()) {
			reason = "slow"
			return
		}
	}
}

func (s *Server) writePump(ctx context.Context, c *Conn) {
	// 错开 ping，避免所有连接同一时刻发
	if s.cfg.PingJitter > 0 {
		t := time.NewTimer(time.Duration(rand.Int63n(int64(s.cfg.PingJitter))))
		select {
		case <-t.C:
		case <-c.done:
			t.Stop()
			return
		}
	}

	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		s.hub.Unregister(c, "write")
	}()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			start := time.Now()
			_ = c.ws.SetWriteDeadline(start.Add(s.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, f.data); err != nil {
				logger.Debug(ctx, "ws write", zap.String("conn", c.id), zap.Error(err))
				return
			}
			c.lastSentAt.Store(time.Now().UnixNano())
			relaymetrics.ObserveWrite(f.typ, time.Since(start))
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}
