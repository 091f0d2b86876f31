package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"pricerelay.com/internal/relay/config"
	"pricerelay.com/internal/relay/service"
	pkgconfig "pricerelay.com/pkg/config"
	"pricerelay.com/pkg/logger"
	"pricerelay.com/pkg/trace"
)

const serviceName = "relay-service"

func main() {
	// 收到 SIGINT/SIGTERM 时 ctx 取消，所有组件跟着退
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 本地开发把上游 key 放 .env，线上直接走环境变量
	_ = godotenv.Load()

	// 配置热更新在 fsnotify 协程里回调，app 还没建好时先忽略
	var reload service.Reloader
	cfg := &config.ServiceConfig{}
	_, err := pkgconfig.LoadAndWatch(serviceName, cfg,
		pkgconfig.WithDefaults(config.SetDefaults),
		pkgconfig.WithWatch(reload.OnConfigChange),
	)
	if err != nil {
		panic(fmt.Sprintf("load config: %+v", err))
	}

	logger.InitWithConfig(cfg.Name, cfg.Log)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal(ctx, "invalid config", zap.Error(err))
	}

	shutdownTracer, err := trace.InitTrace(ctx, cfg.Name, cfg.Trace)
	if err != nil {
		logger.Fatal(ctx, "init tracer error", zap.Error(err))
	}
	defer func() {
		// 最多给 5 秒 flush trace
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(c); err != nil {
			logger.Error(ctx, "shutdown tracer error", zap.Error(err))
		}
	}()

	app, err := service.New(ctx, cfg)
	if err != nil {
		logger.Fatal(ctx, "build service", zap.Error(err))
	}
	defer app.Close()
	reload.Attach(app)

	logger.Info(logger.WithInstance(ctx, app.InstanceID()), "service starting",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("leader_backend", cfg.Leader.Backend),
		zap.String("gateway", cfg.Gateway.Kind),
		zap.Strings("sinks", cfg.Persist.Sinks),
	)
	if err := app.Run(ctx); err != nil {
		logger.Error(ctx, "service stopped with error", zap.Error(err))
		stop()
		app.Close()
		logger.Sync()
		os.Exit(1)
	}
	logger.Info(ctx, "service stopped")
}
