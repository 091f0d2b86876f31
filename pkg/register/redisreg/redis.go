package redisreg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"pricerelay.com/pkg/register"
)

// RedisRegister 一个实例一个 key，SET EX 定时续期
type RedisRegister struct {
	rdb    redis.UniversalClient
	prefix string // 比如 "relay:instances"
	ttl    time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisRegister {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisRegister{rdb: rdb, prefix: prefix, ttl: ttl, cancels: make(map[string]context.CancelFunc)}
}

func (r *RedisRegister) key(name, id string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, name, id)
}

func (r *RedisRegister) Register(ctx context.Context, ins *register.Instance) error {
	val, err := json.Marshal(ins)
	if err != nil {
		return err
	}
	key := r.key(ins.Name, ins.ID)
	if err := r.rdb.Set(ctx, key, val, r.ttl).Err(); err != nil {
		return err
	}

	kctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if old, ok := r.cancels[key]; ok {
		old()
	}
	r.cancels[key] = cancel
	r.mu.Unlock()
	go r.keepalive(kctx, key, val)
	return nil
}

// keepalive 每 ttl/3 续一次，续失败下一轮再试
func (r *RedisRegister) keepalive(ctx context.Context, key string, val []byte) {
	t := time.NewTicker(r.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = r.rdb.Set(ctx, key, val, r.ttl).Err()
		}
	}
}

func (r *RedisRegister) UnRegister(ctx context.Context, ins *register.Instance) error {
	key := r.key(ins.Name, ins.ID)
	r.mu.Lock()
	if cancel, ok := r.cancels[key]; ok {
		cancel()
		delete(r.cancels, key)
	}
	r.mu.Unlock()
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

func (r *RedisRegister) List(ctx context.Context, name string) ([]register.Instance, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, r.key(name, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	out := make([]register.Instance, 0, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // 扫描之后过期了
		}
		var ins register.Instance
		if err := json.Unmarshal([]byte(s), &ins); err != nil {
			continue
		}
		out = append(out, ins)
	}
	return out, nil
}
