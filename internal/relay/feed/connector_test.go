package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pricerelay.com/internal/relay/domain"
)

// fakeFeed 模拟上游：reject 为 true 时直接 503，否则升级后交给 handle
type fakeFeed struct {
	dials  atomic.Int32
	reject func(n int32) bool
	handle func(n int32, ws *websocket.Conn)
}

func (f *fakeFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.dials.Add(1)
	if f.reject != nil && f.reject(n) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	f.handle(n, ws)
}

type recSink struct {
	ch chan domain.PriceUpdate
}

func newRecSink() *recSink { return &recSink{ch: make(chan domain.PriceUpdate, 64)} }

func (s *recSink) Apply(u domain.PriceUpdate) bool {
	select {
	case s.ch <- u:
	default:
	}
	return true
}

type clientMsg struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// authThen 走完 auth/subscribe，再执行 after
func authThen(t *testing.T, gotSub chan<- string, after func(ws *websocket.Conn)) func(int32, *websocket.Conn) {
	return func(_ int32, ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"status","status":"connected"}]`))
		var m clientMsg
		if err := ws.ReadJSON(&m); err != nil || m.Action != "auth" || m.Params != "k" {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"status","status":"auth_failed","message":"bad key"}]`))
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"status","status":"auth_success"}]`))
		if err := ws.ReadJSON(&m); err != nil || m.Action != "subscribe" {
			return
		}
		if gotSub != nil {
			gotSub <- m.Params
		}
		after(ws)
	}
}

func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func testConfig(url string) Config {
	return Config{
		URL:           url,
		APIKey:        "k",
		Subscriptions: testSubs,
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
		MaxReconnects: 5,
		PongWait:      2 * time.Second,
		WriteWait:     time.Second,
	}
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig("ws://x")
	cfg.APIKey = " "
	_, err := New(cfg, newRecSink())
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	cfg = testConfig("ws://x")
	cfg.Subscriptions = []domain.InstrumentSubscription{{FeedChannel: "XA.X:BTCUSD", DisplaySymbol: "BTC", AssetClass: domain.AssetCrypto}}
	_, err = New(cfg, newRecSink())
	assert.ErrorIs(t, err, domain.ErrNoSubscriptions)
}

func TestConnector_AuthSubscribeAndStream(t *testing.T) {
	gotSub := make(chan string, 1)
	feed := &fakeFeed{handle: authThen(t, gotSub, func(ws *websocket.Conn) {
		frame, _ := json.Marshal([]map[string]any{
			{"ev": "XT", "pair": "BTC-USD", "p": 50000.0, "s": 0.1, "t": 1700000000000},
			{"ev": "XA", "pair": "ETH-USD", "c": 3000.0, "v": 10.0, "e": 1700000000500},
		})
		_ = ws.WriteMessage(websocket.TextMessage, frame)
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"ev":"XT","pair":"BTC-USD","p":50010,"t":1700000001000}`))
		drain(ws)
	})}
	srv := httptest.NewServer(feed)
	defer srv.Close()

	var mu sync.Mutex
	var states []domain.ConnectionState
	sink := newRecSink()
	c, err := New(testConfig(wsURL(srv)), sink, WithStateObserver(func(s domain.ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case p := <-gotSub:
		assert.Equal(t, "XA.X:BTCUSD,XA.X:ETHUSD,CA.C:EUR-USD", p, "一次批量订阅，按 position 排序")
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe")
	}

	var got []domain.PriceUpdate
	for len(got) < 3 {
		select {
		case u := <-sink.ch:
			got = append(got, u)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d updates", len(got))
		}
	}
	assert.Equal(t, "BTC", got[0].Instrument)
	assert.Equal(t, "ETH", got[1].Instrument)
	assert.Equal(t, 50010.0, got[2].Price)
	assert.Equal(t, domain.Connected, c.State())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Equal(t, domain.Disconnected, c.State())
	assert.Equal(t, int32(1), feed.dials.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.ConnectionState{domain.Connecting, domain.Connected, domain.Closing, domain.Disconnected}, states)
}

func TestConnector_MaxReconnects(t *testing.T) {
	feed := &fakeFeed{reject: func(int32) bool { return true }}
	srv := httptest.NewServer(feed)
	defer srv.Close()

	c, err := New(testConfig(wsURL(srv)), newRecSink())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Run(ctx)
	assert.ErrorIs(t, err, ErrMaxReconnects)
	assert.Equal(t, int32(6), feed.dials.Load(), "首次连接 + 5 次重连")
	assert.Equal(t, domain.Error, c.State())
}

func TestConnector_AuthFailedIsFatal(t *testing.T) {
	feed := &fakeFeed{handle: authThen(t, nil, drain)}
	srv := httptest.NewServer(feed)
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.APIKey = "wrong"
	c, err := New(cfg, newRecSink())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Run(ctx)
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, int32(1), feed.dials.Load(), "鉴权失败不重试")
}

func TestConnector_ConnectionLimitCountsTowardBudget(t *testing.T) {
	feed := &fakeFeed{handle: func(_ int32, ws *websocket.Conn) {
		var m clientMsg
		_ = ws.ReadJSON(&m)
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"status","status":"max_connections","message":"Maximum number of connections exceeded."}]`))
		drain(ws)
	}}
	srv := httptest.NewServer(feed)
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.MaxReconnects = 2
	c, err := New(cfg, newRecSink())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Run(ctx)
	assert.ErrorIs(t, err, ErrMaxReconnects)
	assert.Equal(t, int32(3), feed.dials.Load())
}

func TestConnector_AttemptsResetAfterAuthSuccess(t *testing.T) {
	// 1、2 失败，3 成功后断开，4、5 失败：没有重置的话第 3 次之后就放弃了
	feed := &fakeFeed{
		reject: func(n int32) bool { return n != 3 },
	}
	feed.handle = authThen(t, nil, func(ws *websocket.Conn) {})
	srv := httptest.NewServer(feed)
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.MaxReconnects = 2
	c, err := New(cfg, newRecSink())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Run(ctx)
	assert.ErrorIs(t, err, ErrMaxReconnects)
	assert.Equal(t, int32(5), feed.dials.Load())
}
