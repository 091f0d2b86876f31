package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"pricerelay.com/internal/relay/broadcast"
	"pricerelay.com/internal/relay/domain"
	"pricerelay.com/internal/relay/feed"
	"pricerelay.com/internal/relay/gateway"
	"pricerelay.com/internal/relay/leader"
	"pricerelay.com/internal/relay/persist"
	"pricerelay.com/internal/relay/quote"
	"pricerelay.com/internal/relay/watch"
	"pricerelay.com/pkg/logger"
	"pricerelay.com/pkg/orm"
	"pricerelay.com/pkg/trace"
	"pricerelay.com/pkg/xredis"
)

// ErrMissingCredential 启动期缺凭证直接退出，不进重连
var ErrMissingCredential = errors.New("config: missing credential")

type HTTPConfig struct {
	Addr        string   `mapstructure:"addr"`
	RPS         float64  `mapstructure:"rps"` // 单 IP
	Burst       int      `mapstructure:"burst"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ServiceConfig relay-service 全量配置，对应 config/relay-service.yaml
type ServiceConfig struct {
	Name      string           `mapstructure:"name"`
	Log       logger.Config    `mapstructure:"log"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Feed      feed.Config      `mapstructure:"feed"`
	Leader    leader.Config    `mapstructure:"leader"`
	Persist   persist.Config   `mapstructure:"persist"`
	Broadcast broadcast.Config `mapstructure:"broadcast"`
	Gateway   gateway.Config   `mapstructure:"gateway"`
	Quote     quote.Config     `mapstructure:"quote"`
	MySQL     orm.Config       `mapstructure:"mysql"`
	Postgres  PostgresConfig   `mapstructure:"postgres"`
	Redis     xredis.Config    `mapstructure:"redis"`
	Trace     trace.Config     `mapstructure:"trace"`

	// 0 = 不过滤，可热更新
	MinRelativeDelta float64       `mapstructure:"min_relative_delta"`
	BaselineRefresh  time.Duration `mapstructure:"baseline_refresh"`
	// 重连耗尽主动让位后，多久再参与竞选；0 取 leader_timeout
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// SetDefaults 注册过默认值的 key 才能被环境变量覆盖，凭证类也要注册空串
func SetDefaults(v *viper.Viper) {
	fd := feed.DefaultConfig()
	ld := leader.DefaultConfig()
	pd := persist.DefaultConfig()
	bd := broadcast.DefaultConfig()
	gd := gateway.DefaultConfig()
	qd := quote.DefaultConfig()

	v.SetDefault("name", "relay-service")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rps", 20)
	v.SetDefault("http.burst", 40)
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("feed.url", fd.URL)
	v.SetDefault("feed.api_key", "")
	v.SetDefault("feed.base_backoff", fd.BaseBackoff)
	v.SetDefault("feed.max_backoff", fd.MaxBackoff)
	v.SetDefault("feed.max_reconnects", fd.MaxReconnects)
	v.SetDefault("feed.pong_wait", fd.PongWait)
	v.SetDefault("feed.ping_period", fd.PingPeriod)
	v.SetDefault("feed.write_wait", fd.WriteWait)
	v.SetDefault("feed.read_limit", fd.ReadLimit)

	v.SetDefault("leader.instance_id", "")
	v.SetDefault("leader.backend", ld.Backend)
	v.SetDefault("leader.heartbeat_interval", ld.HeartbeatInterval)
	v.SetDefault("leader.leader_timeout", ld.LeaderTimeout)
	v.SetDefault("leader.redis_key", "")
	v.SetDefault("leader.etcd_key", "")
	v.SetDefault("leader.etcd_endpoints", []string{})

	v.SetDefault("persist.flush_interval", pd.FlushInterval)
	v.SetDefault("persist.flush_timeout", pd.FlushTimeout)
	v.SetDefault("persist.sinks", pd.Sinks)
	v.SetDefault("persist.redis_key", pd.RedisKey)

	v.SetDefault("broadcast.window", bd.Window)
	v.SetDefault("broadcast.send_buffer", bd.SendBuffer)
	v.SetDefault("broadcast.pong_wait", bd.PongWait)
	v.SetDefault("broadcast.ping_period", bd.PingPeriod)
	v.SetDefault("broadcast.ping_jitter", bd.PingJitter)
	v.SetDefault("broadcast.write_wait", bd.WriteWait)
	v.SetDefault("broadcast.read_limit", bd.ReadLimit)

	v.SetDefault("gateway.kind", gd.Kind)
	v.SetDefault("gateway.nats_url", gd.NatsURL)
	v.SetDefault("gateway.kafka_brokers", []string{})
	v.SetDefault("gateway.buffer", gd.Buffer)

	v.SetDefault("quote.base_url", "")
	v.SetDefault("quote.timeout", qd.Timeout)
	v.SetDefault("quote.rps", qd.RPS)
	v.SetDefault("quote.burst", qd.Burst)

	v.SetDefault("mysql.dsn", "")
	v.SetDefault("mysql.max_idle", 5)
	v.SetDefault("mysql.max_open", 20)
	v.SetDefault("mysql.max_lifetime", 3600)
	v.SetDefault("mysql.log_level", "warn")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("trace.enabled", false)
	v.SetDefault("trace.addr", "")

	v.SetDefault("min_relative_delta", 0.0)
	v.SetDefault("baseline_refresh", 10*time.Minute)
	v.SetDefault("cooldown", time.Duration(0))
}

// Validate 只做启动期能确定的检查；连不上之类的留给运行时
func (c *ServiceConfig) Validate() error {
	if strings.TrimSpace(c.Feed.APIKey) == "" {
		return fmt.Errorf("%w: feed.api_key", ErrMissingCredential)
	}
	if err := domain.ValidateSubscriptions(c.Feed.Subscriptions); err != nil {
		return err
	}
	if len(domain.EnabledSorted(c.Feed.Subscriptions)) == 0 {
		return domain.ErrNoSubscriptions
	}
	if err := c.Leader.Validate(); err != nil {
		return err
	}
	if c.MinRelativeDelta < 0 {
		return fmt.Errorf("config: min_relative_delta must be >= 0, got %v", c.MinRelativeDelta)
	}

	switch c.Leader.Backend {
	case "sql":
		if c.MySQL.DSN == "" {
			return fmt.Errorf("%w: mysql.dsn (leader.backend=sql)", ErrMissingCredential)
		}
	case "redis", "memory":
	case "etcd":
		if len(c.Leader.EtcdEndpoints) == 0 {
			return errors.New("config: leader.etcd_endpoints required for etcd backend")
		}
	default:
		return fmt.Errorf("config: unknown leader.backend %q", c.Leader.Backend)
	}

	for _, s := range c.Persist.Sinks {
		switch s {
		case "sql":
			if c.MySQL.DSN == "" {
				return fmt.Errorf("%w: mysql.dsn (persist sink sql)", ErrMissingCredential)
			}
		case "postgres":
			if c.Postgres.DSN == "" {
				return fmt.Errorf("%w: postgres.dsn (persist sink postgres)", ErrMissingCredential)
			}
		case "redis":
		default:
			return fmt.Errorf("config: unknown persist sink %q", s)
		}
	}

	switch c.Gateway.Kind {
	case "memory", "nats": // memory 只在单进程内广播
	case "kafka":
		if len(c.Gateway.KafkaBrokers) == 0 {
			return errors.New("config: gateway.kafka_brokers required for kafka")
		}
	default:
		return fmt.Errorf("config: unknown gateway.kind %q", c.Gateway.Kind)
	}
	return nil
}

// NeedsRedis 任一组件用到 redis 才建连接
func (c *ServiceConfig) NeedsRedis() bool {
	return c.Leader.Backend == "redis" || slices.Contains(c.Persist.Sinks, "redis")
}

// NeedsMySQL 同上
func (c *ServiceConfig) NeedsMySQL() bool {
	return c.Leader.Backend == "sql" || slices.Contains(c.Persist.Sinks, "sql")
}

// CooldownOrDefault 让位后至少等一个 leader_timeout，给别的实例接手的机会
func (c *ServiceConfig) CooldownOrDefault() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return c.Leader.LeaderTimeout
}

// WatchConfig relay-watch 命令行客户端
type WatchConfig struct {
	Name  string        `mapstructure:"name"`
	Log   logger.Config `mapstructure:"log"`
	Watch watch.Config  `mapstructure:"watch"`
	Quote quote.Config  `mapstructure:"quote"`
}

func SetWatchDefaults(v *viper.Viper) {
	wd := watch.DefaultConfig()
	qd := quote.DefaultConfig()

	v.SetDefault("name", "relay-watch")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "-")

	v.SetDefault("watch.url", "ws://127.0.0.1:8080/ws")
	v.SetDefault("watch.protocol", wd.Protocol)
	v.SetDefault("watch.api_key", "")
	v.SetDefault("watch.health_interval", wd.HealthInterval)
	v.SetDefault("watch.stale_after", wd.StaleAfter)
	v.SetDefault("watch.recover_within", wd.RecoverWithin)
	v.SetDefault("watch.poll_interval", wd.PollInterval)
	v.SetDefault("watch.baseline_every", wd.BaselineEvery)
	v.SetDefault("watch.ping_period", wd.PingPeriod)
	v.SetDefault("watch.base_backoff", wd.BaseBackoff)
	v.SetDefault("watch.max_backoff", wd.MaxBackoff)

	v.SetDefault("quote.base_url", "http://127.0.0.1:8080/api/v1/quotes")
	v.SetDefault("quote.timeout", qd.Timeout)
	v.SetDefault("quote.rps", qd.RPS)
	v.SetDefault("quote.burst", qd.Burst)
}

func (c *WatchConfig) Validate() error {
	if c.Watch.Protocol == watch.ProtocolFeed && strings.TrimSpace(c.Watch.APIKey) == "" {
		return fmt.Errorf("%w: watch.api_key", ErrMissingCredential)
	}
	if c.Quote.BaseURL == "" {
		return errors.New("config: quote.base_url required")
	}
	if err := domain.ValidateSubscriptions(c.Watch.Subscriptions); err != nil {
		return err
	}
	if len(domain.EnabledSorted(c.Watch.Subscriptions)) == 0 {
		return domain.ErrNoSubscriptions
	}
	return nil
}
