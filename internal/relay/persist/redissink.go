package persist

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"pricerelay.com/internal/relay/domain"
)

const DefaultRedisKey = "relay:prices:latest"

// RedisSink hash 里一个品种一个 field，值是 PriceUpdate JSON
type RedisSink struct {
	rdb redis.UniversalClient
	key string
}

func NewRedisSink(rdb redis.UniversalClient, key string) *RedisSink {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSink{rdb: rdb, key: key}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) UpsertPrices(ctx context.Context, rows []domain.PriceUpdate) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, u := range rows {
			b, err := json.Marshal(u)
			if err != nil {
				return err
			}
			p.HSet(ctx, s.key, u.Instrument, b)
		}
		return nil
	})
	return err
}

func (s *RedisSink) Latest(ctx context.Context) ([]domain.PriceUpdate, error) {
	m, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.PriceUpdate, 0, len(m))
	for _, v := range m {
		var u domain.PriceUpdate
		if err := json.Unmarshal([]byte(v), &u); err != nil {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out, nil
}

var _ PriceSink = (*RedisSink)(nil)
