package watch

import (
	"errors"
	"time"

	"pricerelay.com/internal/relay/domain"
)

type Mode string

const (
	ModeConnecting Mode = "connecting"
	ModeLive       Mode = "live"
	ModePolling    Mode = "polling"
)

var allModes = []string{string(ModeConnecting), string(ModeLive), string(ModePolling)}

// 两种上游协议：本服务的下行协议，或经鉴权代理直连原始 feed
const (
	ProtocolRelay = "relay"
	ProtocolFeed  = "feed"
)

type Config struct {
	URL           string                          `mapstructure:"url"`
	Protocol      string                          `mapstructure:"protocol"`
	APIKey        string                          `mapstructure:"api_key"`
	Subscriptions []domain.InstrumentSubscription `mapstructure:"subscriptions"`

	HealthInterval time.Duration `mapstructure:"health_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	RecoverWithin  time.Duration `mapstructure:"recover_within"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BaselineEvery  time.Duration `mapstructure:"baseline_every"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`

	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

func DefaultConfig() Config {
	return Config{
		Protocol:       ProtocolRelay,
		HealthInterval: 5 * time.Second,
		StaleAfter:     10 * time.Second,
		RecoverWithin:  5 * time.Second,
		PollInterval:   2 * time.Second,
		BaselineEvery:  10 * time.Minute,
		PingPeriod:     20 * time.Second,
		BaseBackoff:    time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

var (
	ErrNoURL        = errors.New("watch: url required")
	ErrNoSymbols    = errors.New("watch: no enabled subscriptions")
	ErrBadProto     = errors.New("watch: protocol must be relay or feed")
	ErrFeedNeedsKey = errors.New("watch: feed protocol needs api_key")
)

func (c *Config) normalize() error {
	def := DefaultConfig()
	if c.URL == "" {
		return ErrNoURL
	}
	if c.Protocol == "" {
		c.Protocol = def.Protocol
	}
	switch c.Protocol {
	case ProtocolRelay:
	case ProtocolFeed:
		if c.APIKey == "" {
			return ErrFeedNeedsKey
		}
	default:
		return ErrBadProto
	}
	if len(domain.EnabledSorted(c.Subscriptions)) == 0 {
		return ErrNoSymbols
	}
	setDur := func(p *time.Duration, v time.Duration) {
		if *p <= 0 {
			*p = v
		}
	}
	setDur(&c.HealthInterval, def.HealthInterval)
	setDur(&c.StaleAfter, def.StaleAfter)
	setDur(&c.RecoverWithin, def.RecoverWithin)
	setDur(&c.PollInterval, def.PollInterval)
	setDur(&c.BaselineEvery, def.BaselineEvery)
	setDur(&c.PingPeriod, def.PingPeriod)
	setDur(&c.BaseBackoff, def.BaseBackoff)
	setDur(&c.MaxBackoff, def.MaxBackoff)
	return nil
}
