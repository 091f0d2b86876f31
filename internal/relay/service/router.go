package service

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"pricerelay.com/internal/relay/broadcast"
	"pricerelay.com/internal/relay/domain"
	"pricerelay.com/internal/relay/quote"
	"pricerelay.com/pkg/common"
	"pricerelay.com/pkg/middleware"
	"pricerelay.com/pkg/ratelimit"
	"pricerelay.com/pkg/register"
	"pricerelay.com/pkg/xerr"
)

// State healthz 用，Supervisor 实现
type State interface {
	IsLeader() bool
	FeedState() domain.ConnectionState
}

type handler struct {
	name     string
	instance string
	ws       *broadcast.Server
	state    State
	peers    register.Register // 可以为 nil
}

// NewRouter /ws 和 /api/v1/quotes 都从本实例的 hub 副本出数据，任何实例都能服务
func NewRouter(name, instance string, origins []string, ws *broadcast.Server, st State, peers register.Register, store *ratelimit.Store) *gin.Engine {
	r := gin.New()
	p := ginprom.NewPrometheus("relay")
	p.Use(r) // 顺带注册 /metrics

	corsCfg := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}
	r.Use(
		otelgin.Middleware(name),
		middleware.ReqId(),
		cors.New(corsCfg),
		middleware.Recover(),
	)

	h := &handler{name: name, instance: instance, ws: ws, state: st, peers: peers}
	r.GET("/healthz", h.healthz)
	r.GET("/ws", h.serveWS)

	api := r.Group("/api/v1")
	if store != nil {
		api.Use(middleware.RateLimit(store))
	}
	api.GET("/quotes", h.quotes)
	api.GET("/instances", h.instances)
	return r
}

func (h *handler) serveWS(c *gin.Context) {
	h.ws.ServeWS(c.Writer, c.Request)
}

// quotes 和 REST 兜底同一个格式，客户端轮询可以直接指过来
func (h *handler) quotes(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("symbols"))
	if raw == "" {
		common.FailErr(c, xerr.New(xerr.RequestParamsError, "symbols required"))
		return
	}
	hub := h.ws.Hub()
	resp := quote.Response{Quotes: []quote.Quote{}, Missing: []string{}}
	seen := make(map[string]struct{})
	for _, sym := range strings.Split(raw, ",") {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		u, ok := hub.Get(sym)
		if !ok {
			resp.Missing = append(resp.Missing, sym)
			continue
		}
		resp.Quotes = append(resp.Quotes, quote.Quote{Symbol: u.Instrument, Price: u.Price, Change24h: u.Change24h})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) healthz(c *gin.Context) {
	hub := h.ws.Hub()
	common.Success(c, gin.H{
		"instance": h.instance,
		"leader":   h.state.IsLeader(),
		"feed":     h.state.FeedState().String(),
		"status":   hub.Status(),
		"clients":  hub.Clients(),
	})
}

// instances 注册中心里同名的存活实例
func (h *handler) instances(c *gin.Context) {
	if h.peers == nil {
		common.FailErr(c, xerr.New(xerr.Unavailable, "registry disabled"))
		return
	}
	list, err := h.peers.List(c.Request.Context(), h.name)
	if err != nil {
		common.FailErr(c, xerr.Wrap(err, xerr.Unavailable, "registry unavailable"))
		return
	}
	common.Success(c, list)
}
