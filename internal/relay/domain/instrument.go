package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type AssetClass string

const (
	AssetCrypto AssetClass = "crypto"
	AssetForex  AssetClass = "forex"
)

// InstrumentSubscription 一条上游订阅行，配置里维护，连接器只读
type InstrumentSubscription struct {
	FeedChannel   string     `mapstructure:"feed_channel" json:"feedChannel"`     // e.g. XA.X:BTCUSD
	DisplaySymbol string     `mapstructure:"display_symbol" json:"displaySymbol"` // e.g. BTC
	AssetClass    AssetClass `mapstructure:"asset_class" json:"assetClass"`
	Enabled       bool       `mapstructure:"enabled" json:"enabled"`
	Position      int        `mapstructure:"position" json:"position"`
}

var ErrNoSubscriptions = errors.New("no enabled instrument subscriptions")

// ValidateSubscriptions feedChannel 必须唯一，symbol 不能为空
func ValidateSubscriptions(subs []InstrumentSubscription) error {
	seen := make(map[string]struct{}, len(subs))
	for i, s := range subs {
		ch := strings.TrimSpace(s.FeedChannel)
		if ch == "" {
			return fmt.Errorf("subscription[%d]: empty feed channel", i)
		}
		if strings.TrimSpace(s.DisplaySymbol) == "" {
			return fmt.Errorf("subscription[%d] %s: empty display symbol", i, ch)
		}
		switch s.AssetClass {
		case AssetCrypto, AssetForex:
		default:
			return fmt.Errorf("subscription[%d] %s: unknown asset class %q", i, ch, s.AssetClass)
		}
		if _, dup := seen[ch]; dup {
			return fmt.Errorf("subscription[%d]: duplicate feed channel %s", i, ch)
		}
		seen[ch] = struct{}{}
	}
	return nil
}

// EnabledSorted 按 Position 排序后的启用订阅
func EnabledSorted(subs []InstrumentSubscription) []InstrumentSubscription {
	out := make([]InstrumentSubscription, 0, len(subs))
	for _, s := range subs {
		if s.Enabled {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Symbols 启用订阅的展示符号，REST 兜底按这个查
func Symbols(subs []InstrumentSubscription) []string {
	enabled := EnabledSorted(subs)
	out := make([]string, 0, len(enabled))
	for _, s := range enabled {
		out = append(out, s.DisplaySymbol)
	}
	return out
}
