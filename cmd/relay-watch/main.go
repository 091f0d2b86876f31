package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"pricerelay.com/internal/relay/config"
	"pricerelay.com/internal/relay/quote"
	"pricerelay.com/internal/relay/watch"
	pkgconfig "pricerelay.com/pkg/config"
	"pricerelay.com/pkg/logger"
)

const serviceName = "relay-watch"

// relay-watch 消费端：订阅 relay 的推送，推送断了自动切 REST 轮询
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg := &config.WatchConfig{}
	if _, err := pkgconfig.LoadAndWatch(serviceName, cfg, pkgconfig.WithDefaults(config.SetWatchDefaults)); err != nil {
		panic(fmt.Sprintf("load config: %+v", err))
	}
	logger.InitWithConfig(cfg.Name, cfg.Log)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal(ctx, "invalid config", zap.Error(err))
	}

	qc, err := quote.New(cfg.Quote)
	if err != nil {
		logger.Fatal(ctx, "build quote client", zap.Error(err))
	}

	// 回调可能来自推送和轮询两条协程
	var (
		mu       sync.Mutex
		lastMode watch.Mode
	)
	ctl, err := watch.New(cfg.Watch, qc, watch.WithOnChange(func(v watch.View) {
		mu.Lock()
		defer mu.Unlock()
		if v.Mode != lastMode {
			logger.Info(ctx, "mode changed", zap.String("from", string(lastMode)), zap.String("to", string(v.Mode)))
			lastMode = v.Mode
		}
		for _, p := range v.Prices {
			logger.Debug(ctx, "price",
				zap.String("symbol", p.Instrument),
				zap.Float64("price", p.Price),
				zap.Float64("change24h", p.Change24h),
			)
		}
	}))
	if err != nil {
		logger.Fatal(ctx, "build watcher", zap.Error(err))
	}

	logger.Info(ctx, "watching", zap.String("url", cfg.Watch.URL), zap.String("protocol", cfg.Watch.Protocol))
	if err := ctl.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error(ctx, "watcher stopped", zap.Error(err))
		stop()
		logger.Sync()
		os.Exit(1)
	}
}
