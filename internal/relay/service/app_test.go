package service

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pricerelay.com/internal/relay/broadcast"
	"pricerelay.com/internal/relay/config"
	"pricerelay.com/internal/relay/domain"
	"pricerelay.com/internal/relay/gateway"
	"pricerelay.com/internal/relay/leader"
	"pricerelay.com/internal/relay/quote"
	"pricerelay.com/internal/relay/watch"
)

func memoryConfig(feedURL string) *config.ServiceConfig {
	sc := supCfg(feedURL)
	return &config.ServiceConfig{
		Name:      "relay-test",
		HTTP:      config.HTTPConfig{Addr: "127.0.0.1:0"},
		Feed:      sc.Feed,
		Leader:    leader.Config{InstanceID: "solo", Backend: "memory", HeartbeatInterval: 10 * time.Millisecond, LeaderTimeout: 40 * time.Millisecond},
		Persist:   sc.Persist,
		Broadcast: broadcast.Config{Window: 20 * time.Millisecond},
		Gateway:   gateway.Config{Kind: "memory"},
	}
}

func TestApp_EndToEnd(t *testing.T) {
	_, feedURL := newUpstream(t)
	cfg := memoryConfig(feedURL)
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app, err := New(ctx, cfg)
	require.NoError(t, err)
	defer app.Close()
	assert.Equal(t, "solo", app.InstanceID())

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var types []string
	for {
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err)
		m, err := broadcast.Decode(raw)
		require.NoError(t, err)
		types = append(types, m.Type)
		if m.Type == broadcast.TypePriceUpdate || m.Type == broadcast.TypePriceBatch {
			prices, err := m.Prices()
			require.NoError(t, err)
			assert.Equal(t, "BTC", prices[0].Instrument)
			break
		}
	}
	assert.Equal(t, []string{broadcast.TypeStatus, broadcast.TypeSnapshot}, types[:2], "新连接先收 status 和快照")

	// 消费端走同一个实例：推送 + REST 兜底
	qc, err := quote.New(quote.Config{BaseURL: srv.URL + "/api/v1/quotes"})
	require.NoError(t, err)
	ctl, err := watch.New(watch.Config{URL: wsURL, Subscriptions: testSubs}, qc)
	require.NoError(t, err)
	go func() { _ = ctl.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, ok := ctl.Price("BTC")
		return ok && ctl.Mode() == watch.ModeLive
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestReloader_AttachWhileWatching(t *testing.T) {
	v := viper.New()
	v.Set("min_relative_delta", 0.01)

	var r Reloader
	r.OnConfigChange(v) // 还没挂 app，直接忽略

	app := &App{sup: NewSupervisor(supCfg("ws://127.0.0.1:1"), newMgr(t, leader.NewMemStore(), "a"), gateway.NewMemBroker(16), nil)}

	// fsnotify 协程里的回调和主协程 Attach 并发
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.OnConfigChange(v)
			}
		}
	}()
	r.Attach(app)
	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()

	cache := app.sup.Cache()
	now := time.Now()
	require.True(t, cache.Apply(domain.PriceUpdate{Instrument: "BTC", Price: 50000, EventTime: now}))
	assert.False(t, cache.Apply(domain.PriceUpdate{Instrument: "BTC", Price: 50001, EventTime: now.Add(time.Millisecond)}), "阈值已热更新")
	assert.True(t, cache.Apply(domain.PriceUpdate{Instrument: "BTC", Price: 51000, EventTime: now.Add(2 * time.Millisecond)}))
}
