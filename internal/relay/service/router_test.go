package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pricerelay.com/internal/relay/broadcast"
	"pricerelay.com/internal/relay/domain"
	"pricerelay.com/internal/relay/gateway"
	"pricerelay.com/internal/relay/quote"
	"pricerelay.com/pkg/common"
	"pricerelay.com/pkg/ratelimit"
	"pricerelay.com/pkg/register"
	"pricerelay.com/pkg/register/redisreg"
	"pricerelay.com/pkg/xerr"
)

type fixedState struct {
	leader bool
	feed   domain.ConnectionState
}

func (s fixedState) IsLeader() bool                    { return s.leader }
func (s fixedState) FeedState() domain.ConnectionState { return s.feed }

func seededHub(t *testing.T) *broadcast.Hub {
	t.Helper()
	hub := broadcast.NewHub()
	payload, err := broadcast.EncodeUpdates([]domain.PriceUpdate{
		{Instrument: "BTC", Price: 50005, Change24h: 1.25, EventTime: time.UnixMilli(1_700_000_000_000)},
		{Instrument: "ETH", Price: 3000, EventTime: time.UnixMilli(1_700_000_000_000)},
	})
	require.NoError(t, err)
	hub.HandleMessage(gateway.Message{Topic: gateway.TopicPrices, Payload: payload})
	return hub
}

func newTestRouter(t *testing.T, store *ratelimit.Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	ws := broadcast.NewServer(seededHub(t), broadcast.Config{})
	return NewRouter("relay-test", "inst-1", nil, ws, fixedState{leader: true, feed: domain.Connected}, nil, store)
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRouter_Quotes(t *testing.T) {
	r := newTestRouter(t, nil)

	w := get(r, "/api/v1/quotes?symbols=BTC,DOGE,BTC,%20ETH")
	require.Equal(t, http.StatusOK, w.Code)
	var resp quote.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Quotes, 2)
	assert.Equal(t, quote.Quote{Symbol: "BTC", Price: 50005, Change24h: 1.25}, resp.Quotes[0])
	assert.Equal(t, "ETH", resp.Quotes[1].Symbol)
	assert.Equal(t, []string{"DOGE"}, resp.Missing)

	w = get(r, "/api/v1/quotes")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var env common.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, xerr.RequestParamsError, env.Code)
}

func TestRouter_QuotesServeRESTFallbackClient(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t, nil))
	defer srv.Close()

	c, err := quote.New(quote.Config{BaseURL: srv.URL + "/api/v1/quotes"})
	require.NoError(t, err)
	resp, err := c.Fetch(context.Background(), []string{"BTC", "SOL"})
	require.NoError(t, err)
	require.Len(t, resp.Quotes, 1)
	assert.Equal(t, 50005.0, resp.Quotes[0].Price)
	assert.Equal(t, []string{"SOL"}, resp.Missing)
}

func TestRouter_RateLimited(t *testing.T) {
	r := newTestRouter(t, ratelimit.NewStore(1, 1, time.Minute))
	assert.Equal(t, http.StatusOK, get(r, "/api/v1/quotes?symbols=BTC").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/api/v1/quotes?symbols=BTC").Code)
	// healthz 不限流
	assert.Equal(t, http.StatusOK, get(r, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(r, "/healthz").Code)
}

func TestRouter_Healthz(t *testing.T) {
	w := get(newTestRouter(t, nil), "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Code int `json:"code"`
		Data struct {
			Instance string `json:"instance"`
			Leader   bool   `json:"leader"`
			Feed     string `json:"feed"`
			Status   string `json:"status"`
			Clients  int    `json:"clients"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "inst-1", env.Data.Instance)
	assert.True(t, env.Data.Leader)
	assert.Equal(t, "connected", env.Data.Feed)
	assert.Equal(t, broadcast.StatusConnected, env.Data.Status, "有价格流入就推断 connected")
	assert.Zero(t, env.Data.Clients)
}

func TestRouter_InstancesDisabled(t *testing.T) {
	w := get(newTestRouter(t, nil), "/api/v1/instances")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_InstancesFromRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	reg := redisreg.New(rdb, "relay:instances", 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.Register(ctx, &register.Instance{ID: "inst-1", Name: "relay-test", Addr: ":8080"}))
	require.NoError(t, reg.Register(ctx, &register.Instance{ID: "inst-2", Name: "relay-test", Addr: ":8081"}))

	gin.SetMode(gin.TestMode)
	ws := broadcast.NewServer(broadcast.NewHub(), broadcast.Config{})
	r := NewRouter("relay-test", "inst-1", nil, ws, fixedState{}, reg, nil)

	w := get(r, "/api/v1/instances")
	require.Equal(t, http.StatusOK, w.Code)
	var env struct {
		Data []register.Instance `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Len(t, env.Data, 2)
}
