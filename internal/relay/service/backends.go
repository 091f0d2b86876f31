package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gorm.io/gorm"
	"pricerelay.com/internal/relay/config"
	"pricerelay.com/internal/relay/gateway"
	"pricerelay.com/internal/relay/leader"
	"pricerelay.com/internal/relay/persist"
	"pricerelay.com/pkg/register"
	etcdreg "pricerelay.com/pkg/register/etcd"
	"pricerelay.com/pkg/register/redisreg"
)

const registryTTL = 10 * time.Second

// 外部连接，按配置懒建；nil 表示没用到
type backends struct {
	db   *gorm.DB
	rdb  *redis.Client
	etcd *clientv3.Client
	pg   *persist.PgSink
}

func newLeaderStore(ctx context.Context, cfg *config.ServiceConfig, b *backends) (leader.Store, error) {
	switch cfg.Leader.Backend {
	case "sql":
		s := leader.NewSQLStore(b.db)
		if err := s.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("leader: migrate: %w", err)
		}
		return s, nil
	case "redis":
		return leader.NewRedisStore(b.rdb, cfg.Leader.RedisKey), nil
	case "etcd":
		return leader.NewEtcdStore(b.etcd, cfg.Leader.EtcdKey), nil
	case "memory":
		return leader.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("leader: unknown backend %q", cfg.Leader.Backend)
	}
}

func newSinks(ctx context.Context, cfg *config.ServiceConfig, b *backends) ([]persist.PriceSink, error) {
	sinks := make([]persist.PriceSink, 0, len(cfg.Persist.Sinks))
	for _, name := range cfg.Persist.Sinks {
		switch name {
		case "sql":
			s := persist.NewSQLSink(b.db)
			if err := s.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("persist: migrate: %w", err)
			}
			sinks = append(sinks, s)
		case "redis":
			sinks = append(sinks, persist.NewRedisSink(b.rdb, cfg.Persist.RedisKey))
		case "postgres":
			if err := b.pg.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("persist: pg migrate: %w", err)
			}
			sinks = append(sinks, b.pg)
		default:
			return nil, fmt.Errorf("persist: unknown sink %q", name)
		}
	}
	return sinks, nil
}

func newBroker(cfg gateway.Config) (gateway.Broker, error) {
	switch cfg.Kind {
	case "", "memory":
		return gateway.NewMemBroker(cfg.Buffer), nil
	case "nats":
		return gateway.NewNatsBroker(cfg.NatsURL, cfg.Buffer)
	case "kafka":
		return gateway.NewKafkaBroker(cfg.KafkaBrokers, cfg.Buffer)
	default:
		return nil, fmt.Errorf("gateway: unknown kind %q", cfg.Kind)
	}
}

// newRegister 实例注册复用选主的后端；sql/memory 不注册
func newRegister(cfg *config.ServiceConfig, b *backends) register.Register {
	switch {
	case b.etcd != nil:
		return etcdreg.NewEtcdRegister(b.etcd, "/relay/instances", int64(registryTTL/time.Second))
	case b.rdb != nil && cfg.Leader.Backend == "redis":
		return redisreg.New(b.rdb, "relay:instances", registryTTL)
	default:
		return nil
	}
}

func newEtcd(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}
