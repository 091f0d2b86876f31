package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"pricerelay.com/internal/relay/relaymetrics"
)

type frame struct {
	typ  string
	data []byte
}

// Conn 一个下游会话。send 有界，满了说明客户端跟不上，直接断开
type Conn struct {
	id          string
	ws          *websocket.Conn
	send        chan frame
	done        chan struct{}
	once        sync.Once
	connectedAt time.Time
	lastSentAt  atomic.Int64 // unix nano
}

func newConn(ws *websocket.Conn, buf int) *Conn {
	if buf <= 0 {
		buf = 64
	}
	return &Conn{
		id:          uuid.NewString(),
		ws:          ws,
		send:        make(chan frame, buf),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

func (c *Conn) LastSentAt() time.Time {
	n := c.lastSentAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// offer 非阻塞；false 表示已关闭或队列满
func (c *Conn) offer(typ string, b []byte) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.send <- frame{typ: typ, data: b}:
		return true
	default:
		return false
	}
}

// close 幂等，pump 通过 done 感知
func (c *Conn) close(reason string) {
	c.once.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
		relaymetrics.OnClose(reason)
	})
}
