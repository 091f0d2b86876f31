package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"pricerelay.com/internal/relay/broadcast"
	"pricerelay.com/internal/relay/config"
	"pricerelay.com/internal/relay/gateway"
	"pricerelay.com/internal/relay/leader"
	"pricerelay.com/internal/relay/persist"
	"pricerelay.com/internal/relay/quote"
	"pricerelay.com/pkg/logger"
	"pricerelay.com/pkg/metrics"
	"pricerelay.com/pkg/orm"
	"pricerelay.com/pkg/ratelimit"
	"pricerelay.com/pkg/register"
	"pricerelay.com/pkg/safe"
	"pricerelay.com/pkg/xredis"
)

// App 一个 relay 实例：所有实例都跑 hub + http，只有 leader 跑采集
type App struct {
	cfg     *config.ServiceConfig
	be      backends
	broker  gateway.Broker
	mgr     *leader.Manager
	sup     *Supervisor
	hub     *broadcast.Hub
	ws      *broadcast.Server
	limiter *ratelimit.Store
	reg     register.Register // 没有 etcd/redis 时为 nil
	self    *register.Instance
	srv     *http.Server

	closers []func()
}

func New(ctx context.Context, cfg *config.ServiceConfig) (*App, error) {
	a := &App{cfg: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg
	if cfg.NeedsMySQL() {
		db, err := orm.NewMySQL(&cfg.MySQL)
		if err != nil {
			return err
		}
		a.be.db = db
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, func() { _ = sqlDB.Close() })
		}
	}
	if cfg.NeedsRedis() {
		rdb, err := xredis.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		a.be.rdb = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}
	if cfg.Leader.Backend == "etcd" {
		cli, err := newEtcd(cfg.Leader.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		a.be.etcd = cli
		a.closers = append(a.closers, func() { _ = cli.Close() })
	}
	for _, s := range cfg.Persist.Sinks {
		if s != "postgres" {
			continue
		}
		pg, err := persist.NewPgSink(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.be.pg = pg
		a.closers = append(a.closers, pg.Close)
	}

	store, err := newLeaderStore(ctx, cfg, &a.be)
	if err != nil {
		return err
	}
	if cfg.Leader.InstanceID == "" {
		cfg.Leader.InstanceID = leader.NewInstanceID()
	}
	a.mgr, err = leader.NewManager(store, cfg.Leader)
	if err != nil {
		return err
	}

	sinks, err := newSinks(ctx, cfg, &a.be)
	if err != nil {
		return err
	}
	a.broker, err = newBroker(cfg.Gateway)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.broker.Close() })

	var quotes quote.Fetcher
	if cfg.Quote.BaseURL != "" {
		qc, err := quote.New(cfg.Quote)
		if err != nil {
			return err
		}
		quotes = qc
	}

	a.sup = NewSupervisor(SupervisorConfig{
		Feed:             cfg.Feed,
		Persist:          cfg.Persist,
		Window:           cfg.Broadcast.Window,
		MinRelativeDelta: cfg.MinRelativeDelta,
		BaselineRefresh:  cfg.BaselineRefresh,
		Cooldown:         cfg.CooldownOrDefault(),
	}, a.mgr, a.broker, quotes, sinks...)

	a.hub = broadcast.NewHub()
	warmHub(ctx, a.hub, sinks)
	a.ws = broadcast.NewServer(a.hub, cfg.Broadcast)

	if cfg.HTTP.RPS > 0 {
		a.limiter = ratelimit.NewStore(rate.Limit(cfg.HTTP.RPS), cfg.HTTP.Burst, 10*time.Minute)
	}
	a.reg = newRegister(cfg, &a.be)
	a.self = &register.Instance{
		ID:        a.mgr.InstanceID(),
		Name:      cfg.Name,
		Addr:      cfg.HTTP.Addr,
		StartedAt: time.Now().UTC(),
		MetaData:  map[string]string{"leader_backend": cfg.Leader.Backend, "gateway": cfg.Gateway.Kind},
	}
	a.srv = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           NewRouter(cfg.Name, a.mgr.InstanceID(), cfg.HTTP.CORSOrigins, a.ws, a.sup, a.reg, a.limiter),
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return nil
}

func (a *App) InstanceID() string { return a.mgr.InstanceID() }

// Handler 测试里直接挂到 httptest
func (a *App) Handler() http.Handler { return a.srv.Handler }

// OnConfigChange 热更新：目前只有噪声过滤阈值
func (a *App) OnConfigChange(v *viper.Viper) {
	d := v.GetFloat64("min_relative_delta")
	a.sup.SetMinRelativeDelta(d)
	logger.Info(context.Background(), "min_relative_delta reloaded", zap.Float64("value", d))
}

// Reloader 配置监听要在 App 建好之前注册，回调跑在 fsnotify 协程里
type Reloader struct {
	app atomic.Pointer[App]
}

func (r *Reloader) Attach(a *App) { r.app.Store(a) }

// OnConfigChange App 还没挂上时直接忽略
func (r *Reloader) OnConfigChange(v *viper.Viper) {
	if a := r.app.Load(); a != nil {
		a.OnConfigChange(v)
	}
}

// Run 阻塞到 ctx 结束；采集链路的致命错误会让整个实例退出
func (a *App) Run(ctx context.Context) error {
	ctx = logger.WithInstance(ctx, a.mgr.InstanceID())
	if a.limiter != nil {
		a.limiter.StartJanitor(ctx, time.Minute)
	}
	metrics.WatchPools(ctx, 5*time.Second, a.sqlDB(), a.be.rdb)
	if a.reg != nil {
		// 注册失败不影响出价，只是 /api/v1/instances 里看不到自己
		if err := a.reg.Register(ctx, a.self); err != nil {
			logger.Warn(ctx, "instance register", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return safe.Run(gctx, "supervisor", a.sup.Run) })
	g.Go(func() error { return safe.Run(gctx, "hub-pump", a.pumpHub) })
	g.Go(func() error {
		logger.Info(gctx, "http listening", zap.String("addr", a.srv.Addr))
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		if a.reg != nil {
			if err := a.reg.UnRegister(sctx, a.self); err != nil {
				logger.Warn(sctx, "instance unregister", zap.Error(err))
			}
		}
		a.hub.CloseAll()
		return a.srv.Shutdown(sctx)
	})
	return g.Wait()
}

// warmHub 用第一个能读回的 sink 填副本，新实例在第一笔广播前也有快照可给。失败只告警
func warmHub(ctx context.Context, hub *broadcast.Hub, sinks []persist.PriceSink) {
	for _, s := range sinks {
		w, ok := s.(persist.Warmer)
		if !ok {
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		prices, err := w.Latest(wctx)
		cancel()
		if err != nil {
			logger.Warn(ctx, "hub warm-up failed", zap.String("sink", s.Name()), zap.Error(err))
			return
		}
		hub.Seed(prices)
		logger.Info(ctx, "hub warmed", zap.String("sink", s.Name()), zap.Int("instruments", len(prices)))
		return
	}
}

// pumpHub broker -> hub；订阅断了给本地客户端推 error，然后重订
func (a *App) pumpHub(ctx context.Context) error {
	topics := []string{gateway.TopicPrices, gateway.TopicStatus}
	for {
		err := gateway.Pump(ctx, a.broker, topics, a.hub.HandleMessage)
		if ctx.Err() != nil {
			return nil
		}
		msg := "broker subscription closed"
		if err != nil {
			msg = err.Error()
		}
		logger.Error(ctx, "hub pump stopped", zap.String("reason", msg))
		a.hub.SetStatus(broadcast.StatusError, msg)
		if !sleepCtx(ctx, time.Second) {
			return nil
		}
	}
}

func (a *App) sqlDB() *sql.DB {
	if a.be.db == nil {
		return nil
	}
	d, err := a.be.db.DB()
	if err != nil {
		return nil
	}
	return d
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
