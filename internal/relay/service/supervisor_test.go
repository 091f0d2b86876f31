package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pricerelay.com/internal/relay/broadcast"
	"pricerelay.com/internal/relay/domain"
	"pricerelay.com/internal/relay/feed"
	"pricerelay.com/internal/relay/gateway"
	"pricerelay.com/internal/relay/leader"
	"pricerelay.com/internal/relay/persist"
)

var testSubs = []domain.InstrumentSubscription{
	{FeedChannel: "XA.X:BTCUSD", DisplaySymbol: "BTC", AssetClass: domain.AssetCrypto, Enabled: true, Position: 1},
	{FeedChannel: "XA.X:ETHUSD", DisplaySymbol: "ETH", AssetClass: domain.AssetCrypto, Enabled: true, Position: 2},
}

// upstream 假上游：down 时 503，否则走 auth/subscribe 然后每 10ms 推一帧
type upstream struct {
	dials atomic.Int32
	down  atomic.Bool
	key   string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.dials.Add(1)
	if u.down.Load() {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	var m map[string]string
	if err := ws.ReadJSON(&m); err != nil {
		return
	}
	if m["params"] != u.key {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"status","status":"auth_failed","message":"bad key"}]`))
		_, _, _ = ws.ReadMessage()
		return
	}
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`[{"ev":"status","status":"auth_success"}]`))
	if err := ws.ReadJSON(&m); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	price := 50000.0
	for {
		select {
		case <-closed:
			return
		case <-t.C:
		}
		price++
		frame := `[{"ev":"XA","pair":"BTC-USD","c":` + ftoa(price) + `,"v":1,"e":` + ftoa(float64(time.Now().UnixMilli())) + `}]`
		if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
	}
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func newUpstream(t *testing.T) (*upstream, string) {
	t.Helper()
	u := &upstream{key: "k"}
	srv := httptest.NewServer(u)
	t.Cleanup(srv.Close)
	return u, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func supCfg(url string) SupervisorConfig {
	return SupervisorConfig{
		Feed: feed.Config{
			URL:           url,
			APIKey:        "k",
			Subscriptions: testSubs,
			BaseBackoff:   time.Millisecond,
			MaxBackoff:    5 * time.Millisecond,
			MaxReconnects: 5,
			PongWait:      2 * time.Second,
			WriteWait:     time.Second,
		},
		Persist:  persist.Config{FlushInterval: 20 * time.Millisecond, FlushTimeout: time.Second},
		Window:   20 * time.Millisecond,
		Cooldown: 300 * time.Millisecond,
	}
}

func newMgr(t *testing.T, store leader.Store, id string) *leader.Manager {
	t.Helper()
	m, err := leader.NewManager(store, leader.Config{
		InstanceID:        id,
		HeartbeatInterval: 10 * time.Millisecond,
		LeaderTimeout:     40 * time.Millisecond,
	})
	require.NoError(t, err)
	return m
}

type memSink struct {
	rows atomic.Int64
}

func (s *memSink) Name() string { return "mem" }

func (s *memSink) UpsertPrices(_ context.Context, rows []domain.PriceUpdate) error {
	s.rows.Add(int64(len(rows)))
	return nil
}

func TestSupervisor_LeadsAndBroadcasts(t *testing.T) {
	up, url := newUpstream(t)
	broker := gateway.NewMemBroker(1024)
	hub := broadcast.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = gateway.Pump(ctx, broker, []string{gateway.TopicPrices, gateway.TopicStatus}, hub.HandleMessage) }()
	require.Eventually(t, func() bool { return broker.Subscribers(gateway.TopicPrices) == 1 }, time.Second, 5*time.Millisecond)

	sink := &memSink{}
	store := leader.NewMemStore()
	sup := NewSupervisor(supCfg(url), newMgr(t, store, "a"), broker, nil, sink)
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		u, ok := hub.Get("BTC")
		return ok && u.Price > 50000
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, sup.IsLeader())
	assert.Equal(t, domain.Connected, sup.FeedState())
	assert.Equal(t, broadcast.StatusConnected, hub.Status())
	require.Eventually(t, func() bool { return sink.rows.Load() > 0 }, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, up.dials.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.False(t, sup.IsLeader())
	_, ok := sup.Cache().Get("BTC")
	assert.False(t, ok, "卸任后缓存清空")

	rec, found, err := store.Get(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, rec.Fresh(time.Now(), 40*time.Millisecond), "关停时释放")
}

func TestSupervisor_MaxReconnectsHandsOver(t *testing.T) {
	badUp, badURL := newUpstream(t)
	badUp.down.Store(true)
	goodUp, goodURL := newUpstream(t)

	broker := gateway.NewMemBroker(1024)
	store := leader.NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewSupervisor(supCfg(badURL), newMgr(t, store, "a"), broker, nil)
	doneA := make(chan error, 1)
	go func() { doneA <- a.Run(ctx) }()
	require.Eventually(t, func() bool {
		rec, ok, _ := store.Get(ctx)
		return ok && rec.InstanceID == "a"
	}, time.Second, 5*time.Millisecond)

	b := NewSupervisor(supCfg(goodURL), newMgr(t, store, "b"), broker, nil)
	doneB := make(chan error, 1)
	go func() { doneB <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, ok, _ := store.Get(ctx)
		return ok && rec.InstanceID == "b" && b.FeedState() == domain.Connected
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, a.IsLeader())
	assert.True(t, b.IsLeader())
	assert.GreaterOrEqual(t, badUp.dials.Load(), int32(6), "首次连接 + 5 次重连之后才让位")
	assert.Eventually(t, func() bool {
		_, ok := b.Cache().Get("BTC")
		return ok
	}, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, goodUp.dials.Load())

	cancel()
	for _, ch := range []chan error{doneA, doneB} {
		select {
		case err := <-ch:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("supervisor did not stop")
		}
	}
}

func TestSupervisor_AuthFailedIsFatal(t *testing.T) {
	_, url := newUpstream(t)
	cfg := supCfg(url)
	cfg.Feed.APIKey = "wrong"
	store := leader.NewMemStore()
	sup := NewSupervisor(cfg, newMgr(t, store, "a"), gateway.NewMemBroker(16), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sup.Run(ctx)
	assert.ErrorIs(t, err, feed.ErrAuthFailed)

	rec, _, _ := store.Get(context.Background())
	assert.False(t, rec.Fresh(time.Now(), 40*time.Millisecond), "退出前让出 leader")
}

func TestSupervisor_BadConfigFailsBeforeCampaign(t *testing.T) {
	cfg := supCfg("ws://127.0.0.1:1")
	cfg.Feed.APIKey = ""
	store := leader.NewMemStore()
	sup := NewSupervisor(cfg, newMgr(t, store, "a"), gateway.NewMemBroker(16), nil)
	err := sup.Run(context.Background())
	assert.ErrorIs(t, err, feed.ErrMissingAPIKey)
	_, found, _ := store.Get(context.Background())
	assert.False(t, found)
}

func TestSupervisor_LeadershipLossTearsDown(t *testing.T) {
	_, url := newUpstream(t)
	store := &stealableStore{MemStore: leader.NewMemStore()}
	sup := NewSupervisor(supCfg(url), newMgr(t, store, "a"), gateway.NewMemBroker(16), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()
	require.Eventually(t, func() bool { return sup.FeedState() == domain.Connected }, 3*time.Second, 10*time.Millisecond)

	// 别的实例抢走记录，之后一直续
	store.steal.Store(true)
	require.Eventually(t, func() bool { return !sup.IsLeader() }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sup.FeedState() == domain.Disconnected }, time.Second, 5*time.Millisecond)
	_, ok := sup.Cache().Get("BTC")
	assert.False(t, ok)
}

// stealableStore steal 之后所有 TryAcquire 都失败，相当于记录被别人持有
type stealableStore struct {
	*leader.MemStore
	steal atomic.Bool
}

func (s *stealableStore) TryAcquire(ctx context.Context, id string, now time.Time, timeout time.Duration) (bool, error) {
	if s.steal.Load() {
		return false, nil
	}
	return s.MemStore.TryAcquire(ctx, id, now, timeout)
}
